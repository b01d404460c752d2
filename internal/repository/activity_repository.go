package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ctxh-api/internal/models"
)

const activityColumns = `id, organization_id, title, description, location, max_participants, approved_participants,
pending_participants, start_date_time, end_date_time, registration_deadline, status, benefits_ctxh, is_closed,
created_at, updated_at`

// ActivityRepository persists activities and their capacity counters.
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository constructs the repository.
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Create inserts a new activity assigning a time-sortable ID.
func (r *ActivityRepository) Create(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity) error {
	if activity.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate activity id: %w", err)
		}
		activity.ID = id.String()
	}
	now := time.Now().UTC()
	activity.CreatedAt = now
	activity.UpdatedAt = now

	const query = `INSERT INTO activities (` + activityColumns + `)
VALUES (:id, :organization_id, :title, :description, :location, :max_participants, :approved_participants,
:pending_participants, :start_date_time, :end_date_time, :registration_deadline, :status, :benefits_ctxh, :is_closed,
:created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, activity); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// FindByID returns an activity by ID.
func (r *ActivityRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Activity, error) {
	const query = `SELECT ` + activityColumns + ` FROM activities WHERE id = $1`
	var activity models.Activity
	if err := sqlx.GetContext(ctx, r.exec(exec), &activity, query, id); err != nil {
		return nil, err
	}
	return &activity, nil
}

// GetForUpdate loads an activity and locks its row until the transaction ends.
func (r *ActivityRepository) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Activity, error) {
	const query = `SELECT ` + activityColumns + ` FROM activities WHERE id = $1 FOR UPDATE`
	var activity models.Activity
	if err := sqlx.GetContext(ctx, r.exec(exec), &activity, query, id); err != nil {
		return nil, err
	}
	return &activity, nil
}

// UpdateState persists counters, the close flag and the derived status.
func (r *ActivityRepository) UpdateState(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity) error {
	activity.UpdatedAt = time.Now().UTC()
	const query = `UPDATE activities SET approved_participants = $1, pending_participants = $2, status = $3, is_closed = $4, updated_at = $5 WHERE id = $6`
	res, err := r.exec(exec).ExecContext(ctx, query,
		activity.ApprovedParticipants, activity.PendingParticipants, activity.Status, activity.IsClosed, activity.UpdatedAt, activity.ID)
	if err != nil {
		return fmt.Errorf("update activity state: %w", err)
	}
	return ensureAffected(res)
}

// ListStale returns IDs of activities whose stored status may lag behind the clock:
// not yet completed and past either the registration deadline or the end time.
func (r *ActivityRepository) ListStale(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id FROM activities
WHERE status <> 'COMPLETED' AND (end_date_time <= $1 OR (status IN ('OPEN', 'FULL') AND registration_deadline < $1))
ORDER BY end_date_time ASC LIMIT $2`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, fmt.Errorf("list stale activities: %w", err)
	}
	return ids, nil
}
