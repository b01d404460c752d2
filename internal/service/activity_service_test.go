package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/pkg/database"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
)

func validActivityRequest() CreateActivityRequest {
	return CreateActivityRequest{
		OrganizationID:       "org-1",
		Title:                "Blood drive",
		Location:             "Hall A",
		MaxParticipants:      30,
		StartDateTime:        testNow.Add(48 * time.Hour),
		EndDateTime:          testNow.Add(52 * time.Hour),
		RegistrationDeadline: testNow.Add(24 * time.Hour),
		BenefitsCtxh:         3.5,
	}
}

func TestCreateActivity(t *testing.T) {
	h := newLifecycleHarness(t)

	activity, err := h.activities.Create(context.Background(), validActivityRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, activity.ID)
	assert.Equal(t, models.ActivityStatusOpen, activity.Status)
	assert.Zero(t, activity.ApprovedParticipants)
	assert.Zero(t, activity.PendingParticipants)
	assert.Equal(t, "Blood drive", h.db.activity(activity.ID).Title)
}

func TestCreateActivityValidation(t *testing.T) {
	h := newLifecycleHarness(t)
	ctx := context.Background()

	endBeforeStart := validActivityRequest()
	endBeforeStart.EndDateTime = endBeforeStart.StartDateTime.Add(-time.Hour)
	_, err := h.activities.Create(ctx, endBeforeStart)
	assert.Equal(t, appErrors.KindValidation, appErrors.KindOf(err))

	lateDeadline := validActivityRequest()
	lateDeadline.RegistrationDeadline = lateDeadline.StartDateTime.Add(time.Hour)
	_, err = h.activities.Create(ctx, lateDeadline)
	assert.Equal(t, appErrors.KindValidation, appErrors.KindOf(err))

	noCapacity := validActivityRequest()
	noCapacity.MaxParticipants = 0
	_, err = h.activities.Create(ctx, noCapacity)
	assert.Equal(t, appErrors.KindValidation, appErrors.KindOf(err))

	unknownOrg := validActivityRequest()
	unknownOrg.OrganizationID = "org-x"
	_, err = h.activities.Create(ctx, unknownOrg)
	assert.Equal(t, appErrors.KindNotFound, appErrors.KindOf(err))
}

func TestGetActivityDerivesStatus(t *testing.T) {
	h := newLifecycleHarness(t)
	stale := openActivity("act-1", 5)
	stale.RegistrationDeadline = testNow.Add(-time.Hour)
	h.db.seedActivity(stale)

	activity, err := h.activities.Get(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivityStatusClosed, activity.Status)

	_, err = h.activities.Get(context.Background(), "missing")
	assert.Equal(t, appErrors.KindNotFound, appErrors.KindOf(err))
}

func TestCloseActivityBlocksEnrollment(t *testing.T) {
	h := newLifecycleHarness(t)
	h.db.seedActivity(openActivity("act-1", 5))
	h.db.seedStudent(testStudent("s1"))

	closed, err := h.activities.Close(context.Background(), "act-1", "organizer-1")
	require.NoError(t, err)
	assert.True(t, closed.IsClosed)
	assert.Equal(t, models.ActivityStatusClosed, h.db.activity("act-1").Status)

	_, err = h.enrollments.Enroll(context.Background(), EnrollRequest{StudentID: "s1", ActivityID: "act-1"})
	assert.ErrorIs(t, err, appErrors.ErrRegistrationClosed)

	_, err = h.activities.Close(context.Background(), "act-1", "organizer-1")
	assert.NoError(t, err)
}

func TestIssueQRExpiresWithActivity(t *testing.T) {
	h := newLifecycleHarness(t)
	act := openActivity("act-1", 5)
	h.db.seedActivity(act)

	code, err := h.activities.IssueQR(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Equal(t, "act-1", code.ActivityID)
	assert.NotEmpty(t, code.Token)
	assert.True(t, code.ExpiresAt.Equal(act.EndDateTime))

	finished := openActivity("act-done", 5)
	finished.EndDateTime = testNow.Add(-time.Hour)
	h.db.seedActivity(finished)
	_, err = h.activities.IssueQR(context.Background(), "act-done")
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
}

func TestStatusSweeperPersistsTimeDrivenStatus(t *testing.T) {
	db := newFakeDB()
	expired := openActivity("act-expired", 5)
	expired.RegistrationDeadline = testNow.Add(-time.Hour)
	db.seedActivity(expired)
	db.seedActivity(openActivity("act-open", 5))

	ledger := newTestLedger(db)
	sweeper := NewStatusSweeper(db, fakeActivities{db}, fakeActivities{db}, ledger, zap.NewNop())
	sweeper.now = fixedClock(testNow)

	changed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, models.ActivityStatusClosed, db.activity("act-expired").Status)
	assert.Equal(t, models.ActivityStatusOpen, db.activity("act-open").Status)

	changed, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, changed)
}

// failingCommitTx runs fn against the fake database and then fails as a commit would.
type failingCommitTx struct {
	db *fakeDB
}

func (f failingCommitTx) WithinTx(ctx context.Context, fn database.TxFunc) error {
	return f.db.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		if err := fn(ctx, exec); err != nil {
			return err
		}
		return errors.New("commit: connection reset")
	})
}

func TestStatusSweeperCountsOnlyCommittedChanges(t *testing.T) {
	db := newFakeDB()
	expired := openActivity("act-expired", 5)
	expired.RegistrationDeadline = testNow.Add(-time.Hour)
	db.seedActivity(expired)

	ledger := newTestLedger(db)
	sweeper := NewStatusSweeper(failingCommitTx{db}, fakeActivities{db}, fakeActivities{db}, ledger, zap.NewNop())
	sweeper.now = fixedClock(testNow)

	changed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, models.ActivityStatusOpen, db.activity("act-expired").Status)
}

func TestStatusSweeperRejectsBadSchedule(t *testing.T) {
	sweeper := NewStatusSweeper(nil, nil, nil, nil, nil)
	assert.Error(t, sweeper.Start("not a schedule"))
	sweeper.Stop()
}
