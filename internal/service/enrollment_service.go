package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/repository"
	"github.com/noah-isme/ctxh-api/pkg/database"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
)

type enrollmentStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	FindActive(ctx context.Context, exec sqlx.ExtContext, studentID, activityID string) (*models.Enrollment, error)
	Update(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error
	ListByActivity(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
}

type activityStore interface {
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Activity, error)
	GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Activity, error)
}

type studentStore interface {
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error)
	AddHours(ctx context.Context, exec sqlx.ExtContext, id string, delta float64) error
}

// EnrollRequest describes an enrollment application.
type EnrollRequest struct {
	StudentID  string `json:"-" validate:"required"`
	ActivityID string `json:"activity_id" validate:"required"`
}

// EnrollmentService drives the enrollment state machine. Activity rows are always
// locked before enrollment rows.
type EnrollmentService struct {
	tx         transactor
	repo       enrollmentStore
	activities activityStore
	students   studentStore
	ledger     *CapacityLedger
	notifier   notifier
	cache      *CacheService
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(tx transactor, repo enrollmentStore, activities activityStore, students studentStore, ledger *CapacityLedger, notifier notifier, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &EnrollmentService{
		tx:         tx,
		repo:       repo,
		activities: activities,
		students:   students,
		ledger:     ledger,
		notifier:   notifier,
		cache:      cache,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		now:        time.Now,
	}
}

// Enroll creates a PENDING enrollment and reserves a slot on the activity.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation, "invalid enrollment payload")
	}
	if _, err := s.students.FindByID(ctx, nil, req.StudentID); err != nil {
		return nil, lookupError(err, "student not found", "failed to load student")
	}

	enrollment := &models.Enrollment{
		StudentID:  req.StudentID,
		ActivityID: req.ActivityID,
		Status:     models.EnrollmentStatusPending,
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		activity, err := s.activities.GetForUpdate(ctx, exec, req.ActivityID)
		if err != nil {
			return lookupError(err, "activity not found", "failed to load activity")
		}
		existing, err := s.repo.FindActive(ctx, exec, req.StudentID, req.ActivityID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to check existing enrollment")
		}
		if existing != nil {
			return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")
		}
		if activity.DeriveStatus(s.now()) != models.ActivityStatusOpen {
			return appErrors.Clone(appErrors.ErrRegistrationClosed, "")
		}
		if err := s.ledger.Reserve(ctx, exec, activity); err != nil {
			return err
		}
		enrollment.AppliedAt = s.now().UTC()
		if err := s.repo.Create(ctx, exec, enrollment); err != nil {
			if database.IsUniqueViolation(err, repository.ActiveEnrollmentConstraint) {
				return appErrors.Wrap(err, appErrors.ErrDuplicateEnrollment, "")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to create enrollment")
		}
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to enroll")
	}

	s.metrics.EnrollmentTransition(string(models.EnrollmentStatusPending))
	s.logger.Info("enrollment created",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("student_id", enrollment.StudentID),
		zap.String("activity_id", enrollment.ActivityID))
	return enrollment, nil
}

// Approve moves a PENDING enrollment to APPROVED and promotes its reservation.
func (s *EnrollmentService) Approve(ctx context.Context, enrollmentID, approverID string) (*models.Enrollment, error) {
	enrollment, err := s.decide(ctx, enrollmentID, func(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity, e *models.Enrollment) error {
		if err := s.ledger.Promote(ctx, exec, activity); err != nil {
			return err
		}
		now := s.now().UTC()
		e.Status = models.EnrollmentStatusApproved
		e.ApprovedAt = &now
		e.ApprovedBy = &approverID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, attendanceSummaryKeyPrefix+enrollment.ActivityID)
	s.afterDecision(ctx, enrollment, EventEnrollmentApproved, approverID)
	return enrollment, nil
}

// Reject moves a PENDING enrollment to REJECTED and releases its pending slot.
func (s *EnrollmentService) Reject(ctx context.Context, enrollmentID, rejecterID string) (*models.Enrollment, error) {
	enrollment, err := s.decide(ctx, enrollmentID, func(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity, e *models.Enrollment) error {
		if err := s.ledger.Release(ctx, exec, activity, SlotPending); err != nil {
			return err
		}
		now := s.now().UTC()
		e.Status = models.EnrollmentStatusRejected
		e.RejectedAt = &now
		e.RejectedBy = &rejecterID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterDecision(ctx, enrollment, EventEnrollmentRejected, rejecterID)
	return enrollment, nil
}

type decisionFunc func(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity, enrollment *models.Enrollment) error

// decide locks activity then enrollment and applies fn when the enrollment is still
// PENDING. The first decision to commit wins; later ones see InvalidState.
func (s *EnrollmentService) decide(ctx context.Context, enrollmentID string, fn decisionFunc) (*models.Enrollment, error) {
	current, err := s.repo.FindByID(ctx, nil, enrollmentID)
	if err != nil {
		return nil, lookupError(err, "enrollment not found", "failed to load enrollment")
	}

	var result *models.Enrollment
	err = s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		activity, err := s.activities.GetForUpdate(ctx, exec, current.ActivityID)
		if err != nil {
			return lookupError(err, "activity not found", "failed to load activity")
		}
		enrollment, err := s.repo.GetForUpdate(ctx, exec, enrollmentID)
		if err != nil {
			return lookupError(err, "enrollment not found", "failed to load enrollment")
		}
		if enrollment.Status != models.EnrollmentStatusPending {
			return appErrors.Clone(appErrors.ErrInvalidState, "enrollment is "+string(enrollment.Status))
		}
		if err := fn(ctx, exec, activity, enrollment); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, exec, enrollment); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to update enrollment")
		}
		result = enrollment
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to update enrollment")
	}
	return result, nil
}

func (s *EnrollmentService) afterDecision(ctx context.Context, enrollment *models.Enrollment, event, actorID string) {
	s.metrics.EnrollmentTransition(string(enrollment.Status))
	s.logger.Info("enrollment decided",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("status", string(enrollment.Status)),
		zap.String("actor_id", actorID))

	student, err := s.students.FindByID(ctx, nil, enrollment.StudentID)
	if err != nil {
		s.logger.Warn("skip enrollment notification", zap.String("enrollment_id", enrollment.ID), zap.Error(err))
		return
	}
	subject := ""
	if activity, err := s.activities.FindByID(ctx, nil, enrollment.ActivityID); err == nil {
		subject = activity.Title
	}
	s.notifier.Notify(ctx, Notification{
		Event:      event,
		Recipient:  student.ID,
		Email:      student.Email,
		Name:       student.FullName,
		Subject:    subject,
		Payload:    map[string]interface{}{"enrollment_id": enrollment.ID, "activity_id": enrollment.ActivityID},
		OccurredAt: s.now().UTC(),
	})
}

// Cancel withdraws a student's own enrollment before the activity starts and
// releases the counter it held.
func (s *EnrollmentService) Cancel(ctx context.Context, studentID, enrollmentID string) (*models.Enrollment, error) {
	current, err := s.repo.FindByID(ctx, nil, enrollmentID)
	if err != nil {
		return nil, lookupError(err, "enrollment not found", "failed to load enrollment")
	}
	if current.StudentID != studentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another student")
	}

	var result *models.Enrollment
	err = s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		activity, err := s.activities.GetForUpdate(ctx, exec, current.ActivityID)
		if err != nil {
			return lookupError(err, "activity not found", "failed to load activity")
		}
		enrollment, err := s.repo.GetForUpdate(ctx, exec, enrollmentID)
		if err != nil {
			return lookupError(err, "enrollment not found", "failed to load enrollment")
		}
		if activity.HasStarted(s.now()) {
			return appErrors.Clone(appErrors.ErrActivityAlreadyStarted, "")
		}
		var slot Slot
		switch enrollment.Status {
		case models.EnrollmentStatusPending:
			slot = SlotPending
		case models.EnrollmentStatusApproved:
			slot = SlotApproved
		default:
			return appErrors.Clone(appErrors.ErrInvalidState, "enrollment is "+string(enrollment.Status))
		}
		if err := s.ledger.Release(ctx, exec, activity, slot); err != nil {
			return err
		}
		now := s.now().UTC()
		enrollment.Status = models.EnrollmentStatusCancelled
		enrollment.CancelledAt = &now
		if err := s.repo.Update(ctx, exec, enrollment); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to cancel enrollment")
		}
		result = enrollment
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to cancel enrollment")
	}
	s.cache.Invalidate(ctx, attendanceSummaryKeyPrefix+result.ActivityID)

	s.metrics.EnrollmentTransition(string(models.EnrollmentStatusCancelled))
	s.logger.Info("enrollment cancelled", zap.String("enrollment_id", result.ID), zap.String("student_id", studentID))
	return result, nil
}

// Complete marks an APPROVED enrollment completed and credits the student's hours
// in its own transaction.
func (s *EnrollmentService) Complete(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	var result *models.Enrollment
	var credited float64
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		enrollment, hours, err := s.CompleteTx(ctx, exec, enrollmentID)
		if err != nil {
			return err
		}
		result, credited = enrollment, hours
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to complete enrollment")
	}
	s.afterCompletion(result, credited)
	return result, nil
}

// CompleteTx is Complete inside the caller's transaction. It returns the hours credited.
func (s *EnrollmentService) CompleteTx(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (*models.Enrollment, float64, error) {
	enrollment, err := s.repo.GetForUpdate(ctx, exec, enrollmentID)
	if err != nil {
		return nil, 0, lookupError(err, "enrollment not found", "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusApproved {
		return nil, 0, appErrors.Clone(appErrors.ErrInvalidState, "only approved enrollments can complete")
	}
	if enrollment.IsCompleted {
		return nil, 0, appErrors.Clone(appErrors.ErrInvalidState, "enrollment already completed")
	}
	activity, err := s.activities.FindByID(ctx, exec, enrollment.ActivityID)
	if err != nil {
		return nil, 0, lookupError(err, "activity not found", "failed to load activity")
	}

	now := s.now().UTC()
	enrollment.IsCompleted = true
	enrollment.CompletedAt = &now
	if err := s.repo.Update(ctx, exec, enrollment); err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal, "failed to complete enrollment")
	}
	if err := s.students.AddHours(ctx, exec, enrollment.StudentID, activity.BenefitsCtxh); err != nil {
		return nil, 0, lookupError(err, "student not found", "failed to credit service hours")
	}
	return enrollment, activity.BenefitsCtxh, nil
}

func (s *EnrollmentService) afterCompletion(enrollment *models.Enrollment, hours float64) {
	s.metrics.EnrollmentTransition("COMPLETED")
	s.metrics.HoursCredited(hours)
	s.logger.Info("enrollment completed",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("student_id", enrollment.StudentID),
		zap.Float64("hours", hours))
}

// Get returns an enrollment by ID.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		return nil, lookupError(err, "enrollment not found", "failed to load enrollment")
	}
	return enrollment, nil
}

// ListByActivity returns the enrollments of an activity with pagination metadata.
func (s *EnrollmentService) ListByActivity(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "invalid enrollment status filter")
	}
	if _, err := s.activities.FindByID(ctx, nil, filter.ActivityID); err != nil {
		return nil, nil, lookupError(err, "activity not found", "failed to load activity")
	}
	items, total, err := s.repo.ListByActivity(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal, "failed to list enrollments")
	}
	if items == nil {
		items = []models.EnrollmentDetail{}
	}
	return items, pagination(filter.Page, filter.PageSize, total), nil
}
