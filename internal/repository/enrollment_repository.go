package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ctxh-api/internal/models"
)

// ActiveEnrollmentConstraint is the partial unique index guarding one non-cancelled
// enrollment per student and activity.
const ActiveEnrollmentConstraint = "enrollments_active_student_activity_key"

const enrollmentColumns = `id, student_id, activity_id, status, is_completed, applied_at, approved_at, approved_by,
rejected_at, rejected_by, cancelled_at, completed_at, updated_at`

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate enrollment id: %w", err)
		}
		enrollment.ID = id.String()
	}
	now := time.Now().UTC()
	if enrollment.AppliedAt.IsZero() {
		enrollment.AppliedAt = now
	}
	enrollment.UpdatedAt = now

	const query = `INSERT INTO enrollments (` + enrollmentColumns + `)
VALUES (:id, :student_id, :activity_id, :status, :is_completed, :applied_at, :approved_at, :approved_by,
:rejected_at, :rejected_by, :cancelled_at, :completed_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, enrollment); err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// GetForUpdate loads an enrollment and locks the row.
func (r *EnrollmentRepository) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 FOR UPDATE`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindActive returns the non-cancelled enrollment for a student and activity, or nil.
func (r *EnrollmentRepository) FindActive(ctx context.Context, exec sqlx.ExtContext, studentID, activityID string) (*models.Enrollment, error) {
	const query = `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE student_id = $1 AND activity_id = $2 AND status <> $3 LIMIT 1`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrollment, query, studentID, activityID, models.EnrollmentStatusCancelled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}
	return &enrollment, nil
}

// Update writes the mutable lifecycle fields of an enrollment.
func (r *EnrollmentRepository) Update(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	enrollment.UpdatedAt = time.Now().UTC()
	const query = `UPDATE enrollments SET status = :status, is_completed = :is_completed, approved_at = :approved_at,
approved_by = :approved_by, rejected_at = :rejected_at, rejected_by = :rejected_by, cancelled_at = :cancelled_at,
completed_at = :completed_at, updated_at = :updated_at WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, enrollment)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	return ensureAffected(res)
}

// ListByActivity returns enrollments for an activity with student info.
func (r *EnrollmentRepository) ListByActivity(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e JOIN students s ON s.id = e.student_id`
	conditions := []string{"e.activity_id = $1"}
	args := []interface{}{filter.ActivityID}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	clause := " WHERE " + strings.Join(conditions, " AND ")

	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.activity_id, e.status, e.is_completed, e.applied_at, e.approved_at,
e.approved_by, e.rejected_at, e.rejected_by, e.cancelled_at, e.completed_at, e.updated_at,
s.full_name AS student_name, s.mssv AS student_mssv
%s ORDER BY e.applied_at %s LIMIT %d OFFSET %d`, base+clause, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}
