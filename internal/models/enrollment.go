package models

import "time"

// EnrollmentStatus represents the approval axis of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusPending   EnrollmentStatus = "PENDING"
	EnrollmentStatusApproved  EnrollmentStatus = "APPROVED"
	EnrollmentStatusRejected  EnrollmentStatus = "REJECTED"
	EnrollmentStatusCancelled EnrollmentStatus = "CANCELLED"
)

// Valid returns true when the status is a supported value.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusPending, EnrollmentStatusApproved, EnrollmentStatusRejected, EnrollmentStatusCancelled:
		return true
	default:
		return false
	}
}

// Enrollment is a student's request to join an activity. StudentID and ActivityID
// never change after creation.
type Enrollment struct {
	ID          string           `db:"id" json:"id"`
	StudentID   string           `db:"student_id" json:"student_id"`
	ActivityID  string           `db:"activity_id" json:"activity_id"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	IsCompleted bool             `db:"is_completed" json:"is_completed"`
	AppliedAt   time.Time        `db:"applied_at" json:"applied_at"`
	ApprovedAt  *time.Time       `db:"approved_at" json:"approved_at,omitempty"`
	ApprovedBy  *string          `db:"approved_by" json:"approved_by,omitempty"`
	RejectedAt  *time.Time       `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectedBy  *string          `db:"rejected_by" json:"rejected_by,omitempty"`
	CancelledAt *time.Time       `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CompletedAt *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentDetail enriches Enrollment with student info for organizer listings.
type EnrollmentDetail struct {
	Enrollment
	StudentName string `db:"student_name" json:"student_name"`
	StudentMSSV string `db:"student_mssv" json:"student_mssv"`
}

// EnrollmentFilter provides filters for listing enrollments of an activity.
type EnrollmentFilter struct {
	ActivityID string
	Status     EnrollmentStatus
	Page       int
	PageSize   int
	SortOrder  string
}
