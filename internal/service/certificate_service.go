package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/internal/repository"
	"github.com/noah-isme/ctxh-api/pkg/database"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
	"github.com/noah-isme/ctxh-api/pkg/storage"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const codeSuffixLength = 10

type certificateStore interface {
	ExistsForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error)
	CodeExists(ctx context.Context, exec sqlx.ExtContext, code string) (bool, error)
	Create(ctx context.Context, exec sqlx.ExtContext, cert *models.Certificate) error
	FindByID(ctx context.Context, id string) (*models.Certificate, error)
	FindByCode(ctx context.Context, code string) (*models.Certificate, error)
	FindByEnrollment(ctx context.Context, enrollmentID string) (*models.Certificate, error)
	GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Certificate, error)
	MarkRevoked(ctx context.Context, exec sqlx.ExtContext, id, reason string, at time.Time) error
	SetFilePath(ctx context.Context, id, path string) error
}

type organizationReader interface {
	FindByID(ctx context.Context, id string) (*models.Organization, error)
}

type certificateRenderer interface {
	Render(cert *models.Certificate) ([]byte, error)
}

type fileStore interface {
	Save(name string, data []byte) (string, error)
	Open(name string) (*os.File, error)
	Exists(name string) bool
}

type tokenSigner interface {
	Generate(subject, resource string) (string, time.Time, error)
	Parse(token string) (storage.SignedToken, error)
}

// CertificateOptions configures code generation and download links.
type CertificateOptions struct {
	CodePrefix  string
	CodeRetries int
	// DownloadBaseURL is the absolute URL of the download route; tokens are appended.
	DownloadBaseURL string
	VerifyTTL       time.Duration
}

// RevokeRequest carries the revocation reason.
type RevokeRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// CertificateDownload is an opened certificate file.
type CertificateDownload struct {
	Filename string
	Content  io.ReadCloser
}

// CertificateService issues, revokes and serves certificates.
type CertificateService struct {
	tx            transactor
	repo          certificateStore
	enrollments   enrollmentStore
	students      studentStore
	activities    activityStore
	organizations organizationReader
	renderer      certificateRenderer
	files         fileStore
	signer        tokenSigner
	cache         *CacheService
	notifier      notifier
	metrics       *MetricsService
	validator     *validator.Validate
	logger        *zap.Logger
	opts          CertificateOptions
	now           func() time.Time
	generateCode  func() (string, error)
}

// NewCertificateService constructs CertificateService.
func NewCertificateService(
	tx transactor,
	repo certificateStore,
	enrollments enrollmentStore,
	students studentStore,
	activities activityStore,
	organizations organizationReader,
	renderer certificateRenderer,
	files fileStore,
	signer tokenSigner,
	cache *CacheService,
	notifier notifier,
	metrics *MetricsService,
	opts CertificateOptions,
	logger *zap.Logger,
) *CertificateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.CodePrefix == "" {
		opts.CodePrefix = "CTXH-"
	}
	if opts.CodeRetries <= 0 {
		opts.CodeRetries = 5
	}
	if opts.VerifyTTL <= 0 {
		opts.VerifyTTL = 10 * time.Minute
	}
	svc := &CertificateService{
		tx:            tx,
		repo:          repo,
		enrollments:   enrollments,
		students:      students,
		activities:    activities,
		organizations: organizations,
		renderer:      renderer,
		files:         files,
		signer:        signer,
		cache:         cache,
		notifier:      notifier,
		metrics:       metrics,
		validator:     validator.New(),
		logger:        logger,
		opts:          opts,
		now:           time.Now,
	}
	svc.generateCode = svc.randomCode
	return svc
}

// Issue snapshots the completed enrollment into a new certificate. At most one
// certificate exists per enrollment; later calls fail with AlreadyIssued.
func (s *CertificateService) Issue(ctx context.Context, enrollmentID string) (*models.Certificate, error) {
	var cert *models.Certificate
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		enrollment, err := s.enrollments.FindByID(ctx, exec, enrollmentID)
		if err != nil {
			return lookupError(err, "enrollment not found", "failed to load enrollment")
		}
		exists, err := s.repo.ExistsForEnrollment(ctx, exec, enrollmentID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to check existing certificate")
		}
		if exists {
			return appErrors.Clone(appErrors.ErrAlreadyIssued, "")
		}
		if !enrollment.IsCompleted {
			return appErrors.Clone(appErrors.ErrEnrollmentNotCompleted, "")
		}

		snapshot, err := s.snapshot(ctx, exec, enrollment)
		if err != nil {
			return err
		}
		code, err := s.allocateCode(ctx, exec)
		if err != nil {
			return err
		}
		snapshot.CertificateCode = code
		snapshot.IssuedDate = s.now().UTC()

		if err := s.repo.Create(ctx, exec, snapshot); err != nil {
			switch {
			case database.IsUniqueViolation(err, repository.CertificateEnrollmentConstraint):
				return appErrors.Wrap(err, appErrors.ErrAlreadyIssued, "")
			case database.IsUniqueViolation(err, repository.CertificateCodeConstraint):
				return appErrors.Wrap(err, appErrors.ErrCertificateCodeExhausted, "certificate code collided, retry issuance")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to create certificate")
		}
		cert = snapshot
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to issue certificate")
	}

	s.metrics.CertificateIssued()
	s.logger.Info("certificate issued",
		zap.String("certificate_id", cert.ID),
		zap.String("code", cert.CertificateCode),
		zap.String("enrollment_id", enrollmentID))
	s.publish(ctx, cert)
	return cert, nil
}

func (s *CertificateService) snapshot(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) (*models.Certificate, error) {
	student, err := s.students.FindByID(ctx, exec, enrollment.StudentID)
	if err != nil {
		return nil, lookupError(err, "student not found", "failed to load student")
	}
	activity, err := s.activities.FindByID(ctx, exec, enrollment.ActivityID)
	if err != nil {
		return nil, lookupError(err, "activity not found", "failed to load activity")
	}
	org, err := s.organizations.FindByID(ctx, activity.OrganizationID)
	if err != nil {
		return nil, lookupError(err, "organization not found", "failed to load organization")
	}
	return &models.Certificate{
		EnrollmentID:        enrollment.ID,
		StudentID:           student.ID,
		StudentName:         student.FullName,
		StudentMSSV:         student.MSSV,
		StudentFaculty:      student.Faculty,
		StudentAcademicYear: student.AcademicYear,
		ActivityID:          activity.ID,
		ActivityTitle:       activity.Title,
		ActivityStart:       activity.StartDateTime,
		ActivityEnd:         activity.EndDateTime,
		CtxhHours:           activity.BenefitsCtxh,
		OrganizationID:      org.ID,
		OrganizationName:    org.Name,
		OrganizationAddress: org.Address,
	}, nil
}

// allocateCode draws codes until one is free, giving up after CodeRetries attempts.
func (s *CertificateService) allocateCode(ctx context.Context, exec sqlx.ExtContext) (string, error) {
	for attempt := 1; attempt <= s.opts.CodeRetries; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal, "failed to generate certificate code")
		}
		taken, err := s.repo.CodeExists(ctx, exec, code)
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal, "failed to check certificate code")
		}
		if !taken {
			return code, nil
		}
		s.logger.Warn("certificate code collision", zap.String("code", code), zap.Int("attempt", attempt))
	}
	return "", appErrors.Clone(appErrors.ErrCertificateCodeExhausted, "")
}

func (s *CertificateService) randomCode() (string, error) {
	var b strings.Builder
	b.WriteString(s.opts.CodePrefix)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeSuffixLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// publish renders and stores the PDF, then notifies the student. Failures are logged;
// the certificate row is already committed.
func (s *CertificateService) publish(ctx context.Context, cert *models.Certificate) {
	if err := s.render(ctx, cert); err != nil {
		s.logger.Warn("certificate render failed", zap.String("certificate_id", cert.ID), zap.Error(err))
	}

	link, err := s.DownloadLink(cert)
	if err != nil {
		s.logger.Warn("certificate link failed", zap.String("certificate_id", cert.ID), zap.Error(err))
	}
	email := ""
	if student, err := s.students.FindByID(ctx, nil, cert.StudentID); err == nil {
		email = student.Email
	}
	s.notifier.Notify(ctx, Notification{
		Event:      EventCertificateIssued,
		Recipient:  cert.StudentID,
		Email:      email,
		Name:       cert.StudentName,
		Subject:    cert.ActivityTitle,
		Link:       link,
		Payload:    map[string]interface{}{"certificate_id": cert.ID, "certificate_code": cert.CertificateCode},
		OccurredAt: s.now().UTC(),
	})
}

func (s *CertificateService) render(ctx context.Context, cert *models.Certificate) error {
	if s.renderer == nil || s.files == nil {
		return fmt.Errorf("certificate rendering not configured")
	}
	data, err := s.renderer.Render(cert)
	if err != nil {
		return err
	}
	name := path.Join(cert.IssuedDate.Format("2006"), cert.CertificateCode+".pdf")
	stored, err := s.files.Save(name, data)
	if err != nil {
		return err
	}
	if err := s.repo.SetFilePath(ctx, cert.ID, stored); err != nil {
		return err
	}
	cert.FilePath = &stored
	return nil
}

// Revoke marks a certificate revoked. Revoking an already revoked certificate is a
// no-op that returns it unchanged, keeping the first reason and timestamp.
func (s *CertificateService) Revoke(ctx context.Context, certificateID string, req RevokeRequest) (*models.Certificate, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation, "revoke reason is required")
	}

	var cert *models.Certificate
	changed := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
		current, err := s.repo.GetForUpdate(ctx, exec, certificateID)
		if err != nil {
			return lookupError(err, "certificate not found", "failed to load certificate")
		}
		cert = current
		if current.IsRevoked {
			return nil
		}
		at := s.now().UTC()
		if err := s.repo.MarkRevoked(ctx, exec, certificateID, req.Reason, at); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal, "failed to revoke certificate")
		}
		reason := req.Reason
		current.IsRevoked = true
		current.RevokedAt = &at
		current.RevokeReason = &reason
		changed = true
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to revoke certificate")
	}

	if changed {
		s.cache.Invalidate(ctx, certificateVerifyKeyPrefix+cert.CertificateCode)
		s.metrics.CertificateRevoked()
		s.logger.Info("certificate revoked", zap.String("certificate_id", cert.ID), zap.String("reason", req.Reason))
	}
	return cert, nil
}

// IsValid reports whether the certificate is still valid.
func (s *CertificateService) IsValid(cert *models.Certificate) bool {
	return cert != nil && cert.IsValid()
}

// Get returns a certificate by ID.
func (s *CertificateService) Get(ctx context.Context, id string) (*models.Certificate, error) {
	cert, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "certificate not found", "failed to load certificate")
	}
	return cert, nil
}

// GetByEnrollment returns the certificate issued for an enrollment.
func (s *CertificateService) GetByEnrollment(ctx context.Context, enrollmentID string) (*models.Certificate, error) {
	cert, err := s.repo.FindByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, lookupError(err, "certificate not found", "failed to load certificate")
	}
	return cert, nil
}

// Verify returns the public view of a certificate by code.
func (s *CertificateService) Verify(ctx context.Context, code string) (*models.CertificateVerification, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	key := certificateVerifyKeyPrefix + code
	var cached models.CertificateVerification
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	cert, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, lookupError(err, "certificate not found", "failed to load certificate")
	}
	view := &models.CertificateVerification{
		CertificateCode:  cert.CertificateCode,
		StudentName:      cert.StudentName,
		StudentMSSV:      cert.StudentMSSV,
		ActivityTitle:    cert.ActivityTitle,
		OrganizationName: cert.OrganizationName,
		CtxhHours:        cert.CtxhHours,
		IssuedDate:       cert.IssuedDate,
		Valid:            cert.IsValid(),
	}
	s.cache.Set(ctx, key, view, s.opts.VerifyTTL)
	return view, nil
}

// DownloadLink returns a signed absolute URL for the certificate PDF.
func (s *CertificateService) DownloadLink(cert *models.Certificate) (string, error) {
	if s.signer == nil {
		return "", fmt.Errorf("download signing not configured")
	}
	token, _, err := s.signer.Generate(cert.ID, cert.CertificateCode)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s.opts.DownloadBaseURL, "/") + "/" + url.PathEscape(token), nil
}

// Download resolves a signed token and opens the certificate PDF, rendering it
// again when the stored file is missing. Revoked certificates are not served.
func (s *CertificateService) Download(ctx context.Context, token string) (*CertificateDownload, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "downloads disabled")
	}
	parsed, err := s.signer.Parse(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "invalid download link")
	}
	cert, err := s.Get(ctx, parsed.Subject)
	if err != nil {
		return nil, err
	}
	if cert.CertificateCode != parsed.Resource {
		return nil, appErrors.Clone(appErrors.ErrTokenInvalid, "invalid download link")
	}
	if !cert.IsValid() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "certificate has been revoked")
	}
	if s.files == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "certificate storage not configured")
	}
	if cert.FilePath == nil || !s.files.Exists(*cert.FilePath) {
		if err := s.render(ctx, cert); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal, "failed to render certificate")
		}
	}
	content, err := s.files.Open(*cert.FilePath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal, "failed to open certificate file")
	}
	return &CertificateDownload{Filename: cert.CertificateCode + ".pdf", Content: content}, nil
}
