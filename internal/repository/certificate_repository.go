package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ctxh-api/internal/models"
)

// Unique constraints on certificates.
const (
	CertificateEnrollmentConstraint = "certificates_enrollment_id_key"
	CertificateCodeConstraint       = "certificates_code_key"
)

const certificateColumns = `id, enrollment_id, certificate_code, student_id, student_name, student_mssv, student_faculty,
student_academic_year, activity_id, activity_title, activity_start, activity_end, ctxh_hours, organization_id,
organization_name, organization_address, issued_date, file_path, is_revoked, revoked_at, revoke_reason`

// CertificateRepository persists issued certificates.
type CertificateRepository struct {
	db *sqlx.DB
}

// NewCertificateRepository constructs the repository.
func NewCertificateRepository(db *sqlx.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

func (r *CertificateRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ExistsForEnrollment reports whether a certificate was already issued for the enrollment.
func (r *CertificateRepository) ExistsForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM certificates WHERE enrollment_id = $1)`
	var exists bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, enrollmentID); err != nil {
		return false, fmt.Errorf("check certificate for enrollment: %w", err)
	}
	return exists, nil
}

// CodeExists reports whether code is already taken.
func (r *CertificateRepository) CodeExists(ctx context.Context, exec sqlx.ExtContext, code string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM certificates WHERE certificate_code = $1)`
	var exists bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, code); err != nil {
		return false, fmt.Errorf("check certificate code: %w", err)
	}
	return exists, nil
}

// Create inserts the certificate snapshot.
func (r *CertificateRepository) Create(ctx context.Context, exec sqlx.ExtContext, cert *models.Certificate) error {
	if cert.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate certificate id: %w", err)
		}
		cert.ID = id.String()
	}
	if cert.IssuedDate.IsZero() {
		cert.IssuedDate = time.Now().UTC()
	}

	const query = `INSERT INTO certificates (` + certificateColumns + `)
VALUES (:id, :enrollment_id, :certificate_code, :student_id, :student_name, :student_mssv, :student_faculty,
:student_academic_year, :activity_id, :activity_title, :activity_start, :activity_end, :ctxh_hours, :organization_id,
:organization_name, :organization_address, :issued_date, :file_path, :is_revoked, :revoked_at, :revoke_reason)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, cert); err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

// FindByID returns a certificate by ID.
func (r *CertificateRepository) FindByID(ctx context.Context, id string) (*models.Certificate, error) {
	const query = `SELECT ` + certificateColumns + ` FROM certificates WHERE id = $1`
	var cert models.Certificate
	if err := r.db.GetContext(ctx, &cert, query, id); err != nil {
		return nil, err
	}
	return &cert, nil
}

// FindByCode returns a certificate by its public code.
func (r *CertificateRepository) FindByCode(ctx context.Context, code string) (*models.Certificate, error) {
	const query = `SELECT ` + certificateColumns + ` FROM certificates WHERE certificate_code = $1`
	var cert models.Certificate
	if err := r.db.GetContext(ctx, &cert, query, code); err != nil {
		return nil, err
	}
	return &cert, nil
}

// FindByEnrollment returns the certificate issued for an enrollment.
func (r *CertificateRepository) FindByEnrollment(ctx context.Context, enrollmentID string) (*models.Certificate, error) {
	const query = `SELECT ` + certificateColumns + ` FROM certificates WHERE enrollment_id = $1`
	var cert models.Certificate
	if err := r.db.GetContext(ctx, &cert, query, enrollmentID); err != nil {
		return nil, err
	}
	return &cert, nil
}

// GetForUpdate loads a certificate and locks the row.
func (r *CertificateRepository) GetForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Certificate, error) {
	const query = `SELECT ` + certificateColumns + ` FROM certificates WHERE id = $1 FOR UPDATE`
	var cert models.Certificate
	if err := sqlx.GetContext(ctx, r.exec(exec), &cert, query, id); err != nil {
		return nil, err
	}
	return &cert, nil
}

// MarkRevoked records revocation on a certificate that is not yet revoked.
func (r *CertificateRepository) MarkRevoked(ctx context.Context, exec sqlx.ExtContext, id, reason string, at time.Time) error {
	const query = `UPDATE certificates SET is_revoked = true, revoked_at = $1, revoke_reason = $2 WHERE id = $3 AND is_revoked = false`
	res, err := r.exec(exec).ExecContext(ctx, query, at, reason, id)
	if err != nil {
		return fmt.Errorf("revoke certificate: %w", err)
	}
	return ensureAffected(res)
}

// SetFilePath stores the relative path of the rendered PDF.
func (r *CertificateRepository) SetFilePath(ctx context.Context, id, path string) error {
	const query = `UPDATE certificates SET file_path = $1 WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, path, id)
	if err != nil {
		return fmt.Errorf("set certificate file path: %w", err)
	}
	return ensureAffected(res)
}
