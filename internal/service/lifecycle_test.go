package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/pkg/jobs"
	"github.com/noah-isme/ctxh-api/pkg/storage"
)

type stubRenderer struct{ calls int }

func (r *stubRenderer) Render(cert *models.Certificate) ([]byte, error) {
	r.calls++
	return []byte("%PDF-1.3 " + cert.CertificateCode), nil
}

type lifecycleHarness struct {
	db           *fakeDB
	notifier     *recordingNotifier
	certStore    *fakeCertificates
	renderer     *stubRenderer
	ledger       *CapacityLedger
	activities   *ActivityService
	enrollments  *EnrollmentService
	attendance   *AttendanceService
	certificates *CertificateService
	completion   *CompletionService
	retries      *recordingQueue
	qr           *storage.SignedURLSigner
	downloads    *storage.SignedURLSigner
}

type recordingQueue struct {
	types    []string
	payloads []interface{}
}

func (q *recordingQueue) Enqueue(job jobs.Job) error {
	q.types = append(q.types, job.Type)
	q.payloads = append(q.payloads, job.Payload)
	return nil
}

func newLifecycleHarness(t *testing.T) *lifecycleHarness {
	t.Helper()
	db := newFakeDB()
	db.seedOrganization(models.Organization{ID: "org-1", Name: "Green Club", Address: "1 Riverside"})

	clock := fixedClock(testNow)
	logger := zap.NewNop()
	notifier := &recordingNotifier{}
	acts := fakeActivities{db}

	ledger := NewCapacityLedger(acts, nil, logger)
	ledger.now = clock

	qr := storage.NewSignedURLSigner("qr-secret", 100*time.Hour)
	downloads := storage.NewSignedURLSigner("download-secret", time.Hour)

	activities := NewActivityService(db, acts, fakeOrganizations{db}, ledger, qr, validator.New(), logger)
	activities.now = clock

	enrollments := NewEnrollmentService(db, fakeEnrollments{db}, acts, fakeStudents{db}, ledger, notifier, nil, nil, validator.New(), logger)
	enrollments.now = clock

	attendance := NewAttendanceService(db, fakeAttendance{db}, fakeEnrollments{db}, acts, qr, nil, nil, time.UTC, logger)
	attendance.now = clock

	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	certStore := &fakeCertificates{db: db}
	renderer := &stubRenderer{}
	certificates := NewCertificateService(db, certStore, fakeEnrollments{db}, fakeStudents{db}, acts, fakeOrganizations{db},
		renderer, files, downloads, nil, notifier, nil,
		CertificateOptions{DownloadBaseURL: "http://localhost:8080/api/v1/certificates/download"}, logger)
	certificates.now = clock

	retries := &recordingQueue{}
	completion := NewCompletionService(db, fakeEnrollments{db}, enrollments, fakeAttendance{db}, certificates, retries, nil, logger)
	attendance.SetHook(completion)

	return &lifecycleHarness{
		db:           db,
		notifier:     notifier,
		certStore:    certStore,
		renderer:     renderer,
		ledger:       ledger,
		activities:   activities,
		enrollments:  enrollments,
		attendance:   attendance,
		certificates: certificates,
		completion:   completion,
		retries:      retries,
		qr:           qr,
		downloads:    downloads,
	}
}

// approvedEnrollment seeds an activity and student and drives an enrollment to APPROVED.
func (h *lifecycleHarness) approvedEnrollment(t *testing.T, activityID, studentID string) *models.Enrollment {
	t.Helper()
	if h.db.activity(activityID).ID == "" {
		h.db.seedActivity(openActivity(activityID, 10))
	}
	h.db.seedStudent(testStudent(studentID))
	ctx := context.Background()
	enrollment, err := h.enrollments.Enroll(ctx, EnrollRequest{StudentID: studentID, ActivityID: activityID})
	require.NoError(t, err)
	approved, err := h.enrollments.Approve(ctx, enrollment.ID, "organizer-1")
	require.NoError(t, err)
	return approved
}

// assertCapacityInvariant checks the ledger counters against the stored enrollments.
func assertCapacityInvariant(t *testing.T, db *fakeDB, activityID string) {
	t.Helper()
	db.mu.Lock()
	defer db.mu.Unlock()
	activity := db.activities[activityID]
	pending, approved := 0, 0
	for _, e := range db.enrollments {
		if e.ActivityID != activityID {
			continue
		}
		switch e.Status {
		case models.EnrollmentStatusPending:
			pending++
		case models.EnrollmentStatusApproved:
			approved++
		}
	}
	require.Equal(t, pending, activity.PendingParticipants, "pending counter")
	require.Equal(t, approved, activity.ApprovedParticipants, "approved counter")
	require.GreaterOrEqual(t, activity.PendingParticipants, 0)
	require.GreaterOrEqual(t, activity.ApprovedParticipants, 0)
	require.LessOrEqual(t, activity.ApprovedParticipants+activity.PendingParticipants, activity.MaxParticipants)
}
