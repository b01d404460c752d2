package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ctxh-api/internal/models"
)

// AttendanceDayConstraint guards one attendance row per student, activity and date.
const AttendanceDayConstraint = "attendances_student_activity_date_key"

const attendanceColumns = `id, enrollment_id, student_id, activity_id, attendance_date, check_in_time, check_out_time,
status, notes, marked_by, created_at, updated_at`

// AttendanceRepository persists attendance records.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

func (r *AttendanceRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindForDay locks and returns the row for (student, activity, date), or nil when absent.
func (r *AttendanceRepository) FindForDay(ctx context.Context, exec sqlx.ExtContext, studentID, activityID string, date time.Time) (*models.Attendance, error) {
	const query = `SELECT ` + attendanceColumns + ` FROM attendances
WHERE student_id = $1 AND activity_id = $2 AND attendance_date = $3 FOR UPDATE`
	var attendance models.Attendance
	if err := sqlx.GetContext(ctx, r.exec(exec), &attendance, query, studentID, activityID, date.Format("2006-01-02")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find attendance: %w", err)
	}
	return &attendance, nil
}

// GetForUpdate loads an attendance row by ID and locks it.
func (r *AttendanceRepository) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Attendance, error) {
	const query = `SELECT ` + attendanceColumns + ` FROM attendances WHERE id = $1 FOR UPDATE`
	var attendance models.Attendance
	if err := sqlx.GetContext(ctx, r.exec(exec), &attendance, query, id); err != nil {
		return nil, err
	}
	return &attendance, nil
}

// Create inserts a new attendance row. A concurrent insert for the same day fails
// on AttendanceDayConstraint.
func (r *AttendanceRepository) Create(ctx context.Context, exec sqlx.ExtContext, attendance *models.Attendance) error {
	if attendance.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate attendance id: %w", err)
		}
		attendance.ID = id.String()
	}
	now := time.Now().UTC()
	attendance.CreatedAt = now
	attendance.UpdatedAt = now

	const query = `INSERT INTO attendances (` + attendanceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.exec(exec).ExecContext(ctx, query,
		attendance.ID, attendance.EnrollmentID, attendance.StudentID, attendance.ActivityID, attendance.AttendanceDate.Format("2006-01-02"),
		attendance.CheckInTime, attendance.CheckOutTime, attendance.Status, attendance.Notes, attendance.MarkedBy,
		attendance.CreatedAt, attendance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert attendance: %w", err)
	}
	return nil
}

// Update writes check-in/out times, status and override metadata.
func (r *AttendanceRepository) Update(ctx context.Context, exec sqlx.ExtContext, attendance *models.Attendance) error {
	attendance.UpdatedAt = time.Now().UTC()
	const query = `UPDATE attendances SET check_in_time = :check_in_time, check_out_time = :check_out_time, status = :status,
notes = :notes, marked_by = :marked_by, updated_at = :updated_at WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, attendance)
	if err != nil {
		return fmt.Errorf("update attendance: %w", err)
	}
	return ensureAffected(res)
}

// HasCompletedAttendance reports whether the enrollment has a PRESENT row with both
// check-in and check-out recorded.
func (r *AttendanceRepository) HasCompletedAttendance(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM attendances WHERE enrollment_id = $1 AND status = $2
AND check_in_time IS NOT NULL AND check_out_time IS NOT NULL)`
	var exists bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, enrollmentID, models.AttendanceStatusPresent); err != nil {
		return false, fmt.Errorf("check completed attendance: %w", err)
	}
	return exists, nil
}

// Summary aggregates attendance for an activity per student across all days: a student
// with any PRESENT day counts as present, otherwise as absent, so the two never overlap.
func (r *AttendanceRepository) Summary(ctx context.Context, activityID string) (*models.AttendanceSummary, error) {
	const query = `WITH per_student AS (
    SELECT student_id,
        BOOL_OR(status = 'PRESENT') AS present,
        BOOL_OR(check_in_time IS NOT NULL) AS checked_in,
        BOOL_OR(check_out_time IS NOT NULL) AS checked_out
    FROM attendances WHERE activity_id = $1
    GROUP BY student_id
)
SELECT
    (SELECT COUNT(*) FROM enrollments WHERE activity_id = $1 AND status = 'APPROVED') AS total_enrolled,
    COUNT(*) FILTER (WHERE present) AS total_present,
    COUNT(*) FILTER (WHERE NOT present) AS total_absent,
    COUNT(*) FILTER (WHERE checked_in) AS total_checked_in,
    COUNT(*) FILTER (WHERE checked_out) AS total_checked_out
FROM per_student`
	summary := models.AttendanceSummary{ActivityID: activityID}
	if err := r.db.GetContext(ctx, &summary, query, activityID); err != nil {
		return nil, fmt.Errorf("attendance summary: %w", err)
	}
	summary.ComputeRate()
	return &summary, nil
}

// ListByActivity returns all attendance rows for an activity ordered by date and student.
func (r *AttendanceRepository) ListByActivity(ctx context.Context, activityID string) ([]models.Attendance, error) {
	const query = `SELECT ` + attendanceColumns + ` FROM attendances WHERE activity_id = $1 ORDER BY attendance_date, student_id`
	var records []models.Attendance
	if err := r.db.SelectContext(ctx, &records, query, activityID); err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return records, nil
}
