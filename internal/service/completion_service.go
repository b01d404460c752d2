package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/internal/models"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
	"github.com/noah-isme/ctxh-api/pkg/jobs"
)

// JobCertificateIssue is the job type for queued certificate issuance retries.
const JobCertificateIssue = "certificate.issue"

type enrollmentCompleter interface {
	CompleteTx(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (*models.Enrollment, float64, error)
}

type completedAttendanceChecker interface {
	HasCompletedAttendance(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error)
}

type certificateIssuer interface {
	Issue(ctx context.Context, enrollmentID string) (*models.Certificate, error)
	GetByEnrollment(ctx context.Context, enrollmentID string) (*models.Certificate, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// CompletionResult reports what Finalize did.
type CompletionResult struct {
	Enrollment    *models.Enrollment  `json:"enrollment"`
	Certificate   *models.Certificate `json:"certificate,omitempty"`
	HoursCredited float64             `json:"hours_credited"`
}

// CompletionService completes an enrollment once attendance shows the student was
// present with both check-in and check-out, credits hours, then issues the certificate.
// Completion and crediting commit together; issuance runs afterwards and is retried
// through the queue when it fails.
type CompletionService struct {
	tx          transactor
	enrollments enrollmentStore
	completer   enrollmentCompleter
	attendance  completedAttendanceChecker
	issuer      certificateIssuer
	retries     jobEnqueuer
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewCompletionService constructs CompletionService. retries may be nil, in which case
// failed issuance is only surfaced.
func NewCompletionService(tx transactor, enrollments enrollmentStore, completer enrollmentCompleter, attendance completedAttendanceChecker, issuer certificateIssuer, retries jobEnqueuer, metrics *MetricsService, logger *zap.Logger) *CompletionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionService{
		tx:          tx,
		enrollments: enrollments,
		completer:   completer,
		attendance:  attendance,
		issuer:      issuer,
		retries:     retries,
		metrics:     metrics,
		logger:      logger,
	}
}

// Finalize completes the enrollment if needed and makes sure a certificate exists.
// Calling it again on a completed enrollment never credits hours twice.
func (s *CompletionService) Finalize(ctx context.Context, enrollmentID string) (*CompletionResult, error) {
	result := &CompletionResult{}
	completedNow := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		enrollment, err := s.enrollments.GetForUpdate(ctx, exec, enrollmentID)
		if err != nil {
			return lookupError(err, "enrollment not found", "failed to load enrollment")
		}
		if enrollment.IsCompleted {
			result.Enrollment = enrollment
			return nil
		}
		if enrollment.Status != models.EnrollmentStatusApproved {
			return appErrors.Clone(appErrors.ErrInvalidState, "only approved enrollments can complete")
		}
		ok, err := s.attendance.HasCompletedAttendance(ctx, exec, enrollmentID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to check attendance")
		}
		if !ok {
			return appErrors.Clone(appErrors.ErrAttendanceIncomplete, "")
		}
		completed, hours, err := s.completer.CompleteTx(ctx, exec, enrollmentID)
		if err != nil {
			return err
		}
		result.Enrollment = completed
		result.HoursCredited = hours
		completedNow = true
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to complete enrollment")
	}

	if completedNow {
		s.metrics.HoursCredited(result.HoursCredited)
		s.metrics.EnrollmentTransition("COMPLETED")
		s.logger.Info("enrollment completed",
			zap.String("enrollment_id", enrollmentID),
			zap.Float64("hours", result.HoursCredited))
	}

	cert, err := s.ensureCertificate(ctx, enrollmentID)
	if err != nil {
		s.metrics.IssuanceFailed()
		s.scheduleRetry(enrollmentID, err)
		return result, err
	}
	result.Certificate = cert
	return result, nil
}

// ensureCertificate issues the certificate, treating AlreadyIssued as success.
func (s *CompletionService) ensureCertificate(ctx context.Context, enrollmentID string) (*models.Certificate, error) {
	cert, err := s.issuer.Issue(ctx, enrollmentID)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, appErrors.ErrAlreadyIssued) {
		return nil, err
	}
	return s.issuer.GetByEnrollment(ctx, enrollmentID)
}

func (s *CompletionService) scheduleRetry(enrollmentID string, cause error) {
	kind := appErrors.KindOf(cause)
	if kind == appErrors.KindInvalidState || kind == appErrors.KindPolicyViolation || kind == appErrors.KindNotFound {
		s.logger.Warn("certificate issuance failed permanently", zap.String("enrollment_id", enrollmentID), zap.Error(cause))
		return
	}
	if s.retries == nil {
		s.logger.Warn("certificate issuance failed, no retry queue", zap.String("enrollment_id", enrollmentID), zap.Error(cause))
		return
	}
	if err := s.retries.Enqueue(jobs.Job{Type: JobCertificateIssue, Payload: enrollmentID}); err != nil {
		s.logger.Error("failed to enqueue certificate retry", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return
	}
	s.logger.Warn("certificate issuance failed, retry queued", zap.String("enrollment_id", enrollmentID), zap.Error(cause))
}

// AttendanceRecorded finalizes the enrollment behind a completed attendance row.
// Errors are logged; the attendance write has already committed.
func (s *CompletionService) AttendanceRecorded(ctx context.Context, record *models.Attendance) {
	if record == nil || !record.Completed() {
		return
	}
	if _, err := s.Finalize(ctx, record.EnrollmentID); err != nil {
		s.logger.Warn("automatic completion failed",
			zap.String("enrollment_id", record.EnrollmentID),
			zap.String("attendance_id", record.ID),
			zap.Error(err))
	}
}

// HandleRetryJob is the queue handler for JobCertificateIssue. Returning an error lets
// the queue retry with backoff.
func (s *CompletionService) HandleRetryJob(ctx context.Context, job jobs.Job) error {
	if job.Type != JobCertificateIssue {
		return nil
	}
	enrollmentID, ok := job.Payload.(string)
	if !ok || enrollmentID == "" {
		s.logger.Error("invalid certificate retry payload", zap.String("job_id", job.ID))
		return nil
	}
	if _, err := s.ensureCertificate(ctx, enrollmentID); err != nil {
		kind := appErrors.KindOf(err)
		if kind == appErrors.KindPolicyViolation || kind == appErrors.KindNotFound || kind == appErrors.KindInvalidState {
			s.logger.Warn("dropping certificate retry", zap.String("enrollment_id", enrollmentID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("issue certificate for %s: %w", enrollmentID, err)
	}
	s.logger.Info("certificate issued on retry", zap.String("enrollment_id", enrollmentID), zap.Int("attempt", job.Attempt))
	return nil
}
