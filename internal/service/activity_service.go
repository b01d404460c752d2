package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/internal/models"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
)

type activityRepository interface {
	activityStore
	Create(ctx context.Context, exec sqlx.ExtContext, activity *models.Activity) error
}

type qrSigner interface {
	GenerateUntil(subject, resource string, expiresAt time.Time) (string, time.Time, error)
	TTL() time.Duration
}

// CreateActivityRequest describes a new activity.
type CreateActivityRequest struct {
	OrganizationID       string    `json:"organization_id" validate:"required"`
	Title                string    `json:"title" validate:"required,max=255"`
	Description          string    `json:"description"`
	Location             string    `json:"location" validate:"max=255"`
	MaxParticipants      int       `json:"max_participants" validate:"required,gt=0"`
	StartDateTime        time.Time `json:"start_date_time" validate:"required"`
	EndDateTime          time.Time `json:"end_date_time" validate:"required,gtfield=StartDateTime"`
	RegistrationDeadline time.Time `json:"registration_deadline" validate:"required"`
	BenefitsCtxh         float64   `json:"benefits_ctxh" validate:"gte=0"`
}

// QRCode is a signed check-in token for an activity.
type QRCode struct {
	ActivityID string    `json:"activity_id"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ActivityService manages activities outside of the capacity counters.
type ActivityService struct {
	tx            transactor
	repo          activityRepository
	organizations organizationReader
	ledger        *CapacityLedger
	qr            qrSigner
	validator     *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

// NewActivityService constructs ActivityService.
func NewActivityService(tx transactor, repo activityRepository, organizations organizationReader, ledger *CapacityLedger, qr qrSigner, validate *validator.Validate, logger *zap.Logger) *ActivityService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityService{
		tx:            tx,
		repo:          repo,
		organizations: organizations,
		ledger:        ledger,
		qr:            qr,
		validator:     validate,
		logger:        logger,
		now:           time.Now,
	}
}

// Create publishes a new activity with empty counters.
func (s *ActivityService) Create(ctx context.Context, req CreateActivityRequest) (*models.Activity, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation, "invalid activity payload")
	}
	if req.RegistrationDeadline.After(req.StartDateTime) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "registration deadline must not be after the start time")
	}
	if _, err := s.organizations.FindByID(ctx, req.OrganizationID); err != nil {
		return nil, lookupError(err, "organization not found", "failed to load organization")
	}

	activity := &models.Activity{
		OrganizationID:       req.OrganizationID,
		Title:                req.Title,
		Description:          req.Description,
		Location:             req.Location,
		MaxParticipants:      req.MaxParticipants,
		StartDateTime:        req.StartDateTime.UTC(),
		EndDateTime:          req.EndDateTime.UTC(),
		RegistrationDeadline: req.RegistrationDeadline.UTC(),
		BenefitsCtxh:         req.BenefitsCtxh,
	}
	activity.Status = activity.DeriveStatus(s.now())
	if err := s.repo.Create(ctx, nil, activity); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal, "failed to create activity")
	}
	s.logger.Info("activity created", zap.String("activity_id", activity.ID), zap.String("organization_id", activity.OrganizationID))
	return activity, nil
}

// Get returns an activity with its status derived at read time.
func (s *ActivityService) Get(ctx context.Context, id string) (*models.Activity, error) {
	activity, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		return nil, lookupError(err, "activity not found", "failed to load activity")
	}
	activity.Status = activity.DeriveStatus(s.now())
	return activity, nil
}

// Close stops registration for an activity. Closing twice is harmless.
func (s *ActivityService) Close(ctx context.Context, id, actorID string) (*models.Activity, error) {
	var result *models.Activity
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		activity, err := s.repo.GetForUpdate(ctx, exec, id)
		if err != nil {
			return lookupError(err, "activity not found", "failed to load activity")
		}
		activity.IsClosed = true
		if _, err := s.ledger.Refresh(ctx, exec, activity); err != nil {
			return err
		}
		result = activity
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to close activity")
	}
	s.logger.Info("activity closed", zap.String("activity_id", id), zap.String("actor_id", actorID))
	return result, nil
}

// IssueQR signs a check-in token that expires at the signer TTL or the activity end,
// whichever comes first.
func (s *ActivityService) IssueQR(ctx context.Context, id string) (*QRCode, error) {
	if s.qr == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "qr signing not configured")
	}
	activity, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if activity.Status == models.ActivityStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "activity already completed")
	}
	expiresAt := s.now().Add(s.qr.TTL())
	if activity.EndDateTime.Before(expiresAt) {
		expiresAt = activity.EndDateTime
	}
	token, exp, err := s.qr.GenerateUntil(activity.ID, QRResource, expiresAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal, "failed to sign qr token")
	}
	return &QRCode{ActivityID: activity.ID, Token: token, ExpiresAt: exp}, nil
}
