package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/repository"
	"github.com/noah-isme/ctxh-api/pkg/database"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
	"github.com/noah-isme/ctxh-api/pkg/export"
	"github.com/noah-isme/ctxh-api/pkg/storage"
)

// QRResource is the resource bound into attendance QR tokens.
const QRResource = "attendance"

type attendanceStore interface {
	FindForDay(ctx context.Context, exec sqlx.ExtContext, studentID, activityID string, date time.Time) (*models.Attendance, error)
	GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Attendance, error)
	Create(ctx context.Context, exec sqlx.ExtContext, attendance *models.Attendance) error
	Update(ctx context.Context, exec sqlx.ExtContext, attendance *models.Attendance) error
	Summary(ctx context.Context, activityID string) (*models.AttendanceSummary, error)
	ListByActivity(ctx context.Context, activityID string) ([]models.Attendance, error)
}

type tokenParser interface {
	Parse(token string) (storage.SignedToken, error)
}

// MarkAttendanceRequest is an organizer override of attendance status.
type MarkAttendanceRequest struct {
	Status models.AttendanceStatus `json:"status" validate:"required,oneof=PRESENT ABSENT"`
	Notes  *string                 `json:"notes" validate:"omitempty,max=500"`
}

// AttendanceService records check-in/out per student, activity and calendar day.
type AttendanceService struct {
	tx          transactor
	repo        attendanceStore
	enrollments enrollmentStore
	activities  activityStore
	qr          tokenParser
	cache       *CacheService
	hook        attendanceHook
	metrics     *MetricsService
	logger      *zap.Logger
	location    *time.Location
	now         func() time.Time
}

// NewAttendanceService constructs AttendanceService. loc decides which calendar day
// a check-in belongs to.
func NewAttendanceService(tx transactor, repo attendanceStore, enrollments enrollmentStore, activities activityStore, qr tokenParser, cache *CacheService, metrics *MetricsService, loc *time.Location, logger *zap.Logger) *AttendanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &AttendanceService{
		tx:          tx,
		repo:        repo,
		enrollments: enrollments,
		activities:  activities,
		qr:          qr,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		location:    loc,
		now:         time.Now,
	}
}

// SetHook registers the observer notified after attendance writes commit.
func (s *AttendanceService) SetHook(hook attendanceHook) {
	s.hook = hook
}

// ResolveQR validates a QR token and returns the activity it was issued for.
func (s *AttendanceService) ResolveQR(token string) (string, error) {
	if s.qr == nil {
		return "", appErrors.Clone(appErrors.ErrTokenInvalid, "qr check-in disabled")
	}
	parsed, err := s.qr.Parse(strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return "", appErrors.Clone(appErrors.ErrTokenInvalid, "qr code expired")
		}
		return "", appErrors.Clone(appErrors.ErrTokenInvalid, "invalid qr code")
	}
	if parsed.Resource != QRResource {
		return "", appErrors.Clone(appErrors.ErrTokenInvalid, "invalid qr code")
	}
	return parsed.Subject, nil
}

// CheckIn records today's check-in for a student holding an APPROVED enrollment.
func (s *AttendanceService) CheckIn(ctx context.Context, activityID, studentID string) (*models.Attendance, error) {
	now := s.now()
	day := s.day(now)

	var record *models.Attendance
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		enrollment, err := s.enrollments.FindActive(ctx, exec, studentID, activityID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to load enrollment")
		}
		if enrollment == nil || enrollment.Status != models.EnrollmentStatusApproved {
			return appErrors.Clone(appErrors.ErrEnrollmentNotApproved, "")
		}

		existing, err := s.repo.FindForDay(ctx, exec, studentID, activityID, day)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to load attendance")
		}
		checkIn := now.UTC()
		if existing != nil {
			if existing.CheckInTime != nil {
				return appErrors.Clone(appErrors.ErrAlreadyCheckedIn, "")
			}
			existing.CheckInTime = &checkIn
			existing.Status = models.AttendanceStatusPresent
			if err := s.repo.Update(ctx, exec, existing); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal, "failed to record check-in")
			}
			record = existing
			return nil
		}

		created := &models.Attendance{
			EnrollmentID:   enrollment.ID,
			StudentID:      studentID,
			ActivityID:     activityID,
			AttendanceDate: day,
			CheckInTime:    &checkIn,
			Status:         models.AttendanceStatusPresent,
		}
		if err := s.repo.Create(ctx, exec, created); err != nil {
			if database.IsUniqueViolation(err, repository.AttendanceDayConstraint) {
				return appErrors.Wrap(err, appErrors.ErrAlreadyCheckedIn, "")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to record check-in")
		}
		record = created
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to check in")
	}

	s.afterWrite(ctx, "check_in", record)
	return record, nil
}

// CheckOut records today's check-out. A completed attendance is handed to the
// completion hook after commit.
func (s *AttendanceService) CheckOut(ctx context.Context, activityID, studentID string) (*models.Attendance, error) {
	now := s.now()
	day := s.day(now)

	var record *models.Attendance
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		existing, err := s.repo.FindForDay(ctx, exec, studentID, activityID, day)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to load attendance")
		}
		if existing == nil || existing.CheckInTime == nil {
			return appErrors.Clone(appErrors.ErrNotCheckedIn, "")
		}
		if existing.CheckOutTime != nil {
			return appErrors.Clone(appErrors.ErrAlreadyCheckedOut, "")
		}
		checkOut := now.UTC()
		existing.CheckOutTime = &checkOut
		if err := s.repo.Update(ctx, exec, existing); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to record check-out")
		}
		record = existing
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to check out")
	}

	s.afterWrite(ctx, "check_out", record)
	return record, nil
}

// MarkStatus lets an organizer override the status of an attendance row.
func (s *AttendanceService) MarkStatus(ctx context.Context, attendanceID string, req MarkAttendanceRequest, actorID string) (*models.Attendance, error) {
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "status must be PRESENT or ABSENT")
	}

	var record *models.Attendance
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		existing, err := s.repo.GetForUpdate(ctx, exec, attendanceID)
		if err != nil {
			return lookupError(err, "attendance not found", "failed to load attendance")
		}
		existing.Status = req.Status
		if req.Notes != nil {
			existing.Notes = req.Notes
		}
		existing.MarkedBy = &actorID
		if err := s.repo.Update(ctx, exec, existing); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to update attendance")
		}
		record = existing
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to update attendance")
	}

	s.afterWrite(ctx, "override", record)
	return record, nil
}

// Summary aggregates attendance for an activity.
func (s *AttendanceService) Summary(ctx context.Context, activityID string) (*models.AttendanceSummary, error) {
	key := attendanceSummaryKeyPrefix + activityID
	var cached models.AttendanceSummary
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	if _, err := s.activities.FindByID(ctx, nil, activityID); err != nil {
		return nil, lookupError(err, "activity not found", "failed to load activity")
	}
	summary, err := s.repo.Summary(ctx, activityID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal, "failed to summarise attendance")
	}
	summary.ComputeRate()
	s.cache.Set(ctx, key, summary, 0)
	return summary, nil
}

// Export writes every attendance row of an activity as CSV.
func (s *AttendanceService) Export(ctx context.Context, activityID string, w io.Writer) error {
	if _, err := s.activities.FindByID(ctx, nil, activityID); err != nil {
		return lookupError(err, "activity not found", "failed to load activity")
	}
	records, err := s.repo.ListByActivity(ctx, activityID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal, "failed to list attendance")
	}
	if err := export.WriteAttendanceCSV(w, records, s.location); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal, "failed to export attendance")
	}
	return nil
}

func (s *AttendanceService) afterWrite(ctx context.Context, event string, record *models.Attendance) {
	s.cache.Invalidate(ctx, attendanceSummaryKeyPrefix+record.ActivityID)
	s.metrics.AttendanceEvent(event)
	s.logger.Info("attendance recorded",
		zap.String("event", event),
		zap.String("attendance_id", record.ID),
		zap.String("student_id", record.StudentID),
		zap.String("activity_id", record.ActivityID))
	if s.hook != nil && record.Completed() {
		s.hook.AttendanceRecorded(ctx, record)
	}
}

// day returns midnight of now's calendar date in the attendance timezone, expressed in UTC
// so the DATE column round-trips independent of the server zone.
func (s *AttendanceService) day(now time.Time) time.Time {
	local := now.In(s.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
