package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/internal/models"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
)

// Slot identifies which activity counter a reservation occupies.
type Slot string

const (
	SlotPending  Slot = "pending"
	SlotApproved Slot = "approved"
)

type activityStateWriter interface {
	UpdateState(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity) error
}

// CapacityLedger owns the participant counters of an activity. Every method expects
// the activity row to be locked by the caller's transaction (GetForUpdate) and
// persists the counters together with the re-derived status.
type CapacityLedger struct {
	activities activityStateWriter
	metrics    *MetricsService
	logger     *zap.Logger
	now        func() time.Time
}

// NewCapacityLedger constructs the ledger.
func NewCapacityLedger(activities activityStateWriter, metrics *MetricsService, logger *zap.Logger) *CapacityLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CapacityLedger{activities: activities, metrics: metrics, logger: logger, now: time.Now}
}

// Reserve takes a pending slot, failing when approved+pending already reaches the maximum.
func (l *CapacityLedger) Reserve(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity) error {
	if activity.ApprovedParticipants+activity.PendingParticipants >= activity.MaxParticipants {
		l.metrics.CapacityRejected()
		return appErrors.Clone(appErrors.ErrCapacityExceeded, "")
	}
	activity.PendingParticipants++
	return l.persist(ctx, exec, activity)
}

// Promote moves one reservation from pending to approved. The slot is already held,
// so no capacity check applies.
func (l *CapacityLedger) Promote(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity) error {
	if activity.PendingParticipants <= 0 {
		return appErrors.Clone(appErrors.ErrInvalidState, "activity has no pending reservation to promote")
	}
	activity.PendingParticipants--
	activity.ApprovedParticipants++
	return l.persist(ctx, exec, activity)
}

// Release frees the counter a reservation occupied. Counters never go below zero.
func (l *CapacityLedger) Release(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity, slot Slot) error {
	switch slot {
	case SlotPending:
		if activity.PendingParticipants > 0 {
			activity.PendingParticipants--
		} else {
			l.logger.Warn("release on empty pending counter", zap.String("activity_id", activity.ID))
		}
	case SlotApproved:
		if activity.ApprovedParticipants > 0 {
			activity.ApprovedParticipants--
		} else {
			l.logger.Warn("release on empty approved counter", zap.String("activity_id", activity.ID))
		}
	default:
		return appErrors.Clone(appErrors.ErrValidation, "unknown capacity slot")
	}
	return l.persist(ctx, exec, activity)
}

// Refresh re-derives and persists the status without touching counters.
// It reports whether the stored status changed.
func (l *CapacityLedger) Refresh(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity) (bool, error) {
	previous := activity.Status
	if err := l.persist(ctx, exec, activity); err != nil {
		return false, err
	}
	return previous != activity.Status, nil
}

func (l *CapacityLedger) persist(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity) error {
	activity.Status = activity.DeriveStatus(l.now())
	if err := l.activities.UpdateState(ctx, exec, activity); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal, "failed to update activity capacity")
	}
	return nil
}
