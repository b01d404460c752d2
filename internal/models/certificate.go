package models

import "time"

// Certificate is an immutable snapshot issued for a completed enrollment.
// Only the revocation fields and the rendered file path change after insert.
type Certificate struct {
	ID                  string     `db:"id" json:"id"`
	EnrollmentID        string     `db:"enrollment_id" json:"enrollment_id"`
	CertificateCode     string     `db:"certificate_code" json:"certificate_code"`
	StudentID           string     `db:"student_id" json:"student_id"`
	StudentName         string     `db:"student_name" json:"student_name"`
	StudentMSSV         string     `db:"student_mssv" json:"student_mssv"`
	StudentFaculty      string     `db:"student_faculty" json:"student_faculty"`
	StudentAcademicYear string     `db:"student_academic_year" json:"student_academic_year"`
	ActivityID          string     `db:"activity_id" json:"activity_id"`
	ActivityTitle       string     `db:"activity_title" json:"activity_title"`
	ActivityStart       time.Time  `db:"activity_start" json:"activity_start"`
	ActivityEnd         time.Time  `db:"activity_end" json:"activity_end"`
	CtxhHours           float64    `db:"ctxh_hours" json:"ctxh_hours"`
	OrganizationID      string     `db:"organization_id" json:"organization_id"`
	OrganizationName    string     `db:"organization_name" json:"organization_name"`
	OrganizationAddress string     `db:"organization_address" json:"organization_address"`
	IssuedDate          time.Time  `db:"issued_date" json:"issued_date"`
	FilePath            *string    `db:"file_path" json:"-"`
	IsRevoked           bool       `db:"is_revoked" json:"is_revoked"`
	RevokedAt           *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokeReason        *string    `db:"revoke_reason" json:"revoke_reason,omitempty"`
}

// IsValid reports whether the certificate has not been revoked.
func (c *Certificate) IsValid() bool {
	return !c.IsRevoked
}

// CertificateVerification is the public view returned by code lookups.
type CertificateVerification struct {
	CertificateCode  string    `json:"certificate_code"`
	StudentName      string    `json:"student_name"`
	StudentMSSV      string    `json:"student_mssv"`
	ActivityTitle    string    `json:"activity_title"`
	OrganizationName string    `json:"organization_name"`
	CtxhHours        float64   `json:"ctxh_hours"`
	IssuedDate       time.Time `json:"issued_date"`
	Valid            bool      `json:"valid"`
}
