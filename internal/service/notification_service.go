package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/pkg/jobs"
	"github.com/noah-isme/ctxh-api/pkg/mailer"
)

// JobNotification is the job type for queued notifications.
const JobNotification = "notification.dispatch"

type eventPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

type emailSender interface {
	SendEmail(ctx context.Context, to, template string, data mailer.Data) error
}

var eventTemplates = map[string]string{
	EventEnrollmentApproved: mailer.TemplateEnrollmentApproved,
	EventEnrollmentRejected: mailer.TemplateEnrollmentRejected,
	EventCertificateIssued:  mailer.TemplateCertificateIssued,
}

// NotificationService queues lifecycle notifications and fans them out to the
// message broker and email. Delivery is best effort: failures are retried by the
// queue and then logged, never reported to the caller.
type NotificationService struct {
	queue     jobEnqueuer
	publisher eventPublisher
	email     emailSender
	logger    *zap.Logger
	timeout   time.Duration
}

// NewNotificationService constructs the dispatcher. publisher and email may be nil.
func NewNotificationService(publisher eventPublisher, email emailSender, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{publisher: publisher, email: email, logger: logger, timeout: 15 * time.Second}
}

// AttachQueue sets the queue Notify enqueues on. Without a queue, Notify delivers inline.
func (s *NotificationService) AttachQueue(queue jobEnqueuer) {
	s.queue = queue
}

// Notify schedules delivery of n.
func (s *NotificationService) Notify(ctx context.Context, n Notification) {
	if s.queue == nil {
		if err := s.deliver(ctx, n); err != nil {
			s.logger.Warn("notification delivery failed", zap.String("event", n.Event), zap.String("recipient", n.Recipient), zap.Error(err))
		}
		return
	}
	if err := s.queue.Enqueue(jobs.Job{Type: JobNotification, Payload: n}); err != nil {
		s.logger.Warn("notification dropped", zap.String("event", n.Event), zap.String("recipient", n.Recipient), zap.Error(err))
	}
}

// HandleJob is the queue handler for JobNotification.
func (s *NotificationService) HandleJob(ctx context.Context, job jobs.Job) error {
	n, ok := job.Payload.(Notification)
	if !ok {
		s.logger.Error("invalid notification payload", zap.String("job_id", job.ID))
		return nil
	}
	return s.deliver(ctx, n)
}

func (s *NotificationService) deliver(ctx context.Context, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var errs []error
	if s.publisher != nil {
		if err := s.publisher.PublishJSON(ctx, "ctxh."+n.Event, n); err != nil {
			errs = append(errs, fmt.Errorf("publish: %w", err))
		}
	}
	if s.email != nil && n.Email != "" {
		if template, ok := eventTemplates[n.Event]; ok {
			data := mailer.Data{Name: n.Name, Subject: n.Subject, Link: n.Link}
			if err := s.email.SendEmail(ctx, n.Email, template, data); err != nil {
				errs = append(errs, fmt.Errorf("email: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
