package models

import "time"

// AttendanceStatus represents presence at an activity.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "PRESENT"
	AttendanceStatusAbsent  AttendanceStatus = "ABSENT"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	return s == AttendanceStatusPresent || s == AttendanceStatusAbsent
}

// Attendance is a presence record for one student, activity and calendar date.
type Attendance struct {
	ID             string           `db:"id" json:"id"`
	EnrollmentID   string           `db:"enrollment_id" json:"enrollment_id"`
	StudentID      string           `db:"student_id" json:"student_id"`
	ActivityID     string           `db:"activity_id" json:"activity_id"`
	AttendanceDate time.Time        `db:"attendance_date" json:"attendance_date"`
	CheckInTime    *time.Time       `db:"check_in_time" json:"check_in_time,omitempty"`
	CheckOutTime   *time.Time       `db:"check_out_time" json:"check_out_time,omitempty"`
	Status         AttendanceStatus `db:"status" json:"status"`
	Notes          *string          `db:"notes" json:"notes,omitempty"`
	MarkedBy       *string          `db:"marked_by" json:"marked_by,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// DurationMinutes is check-out minus check-in in whole minutes, nil until both are set.
func (a *Attendance) DurationMinutes() *int {
	if a.CheckInTime == nil || a.CheckOutTime == nil {
		return nil
	}
	minutes := int(a.CheckOutTime.Sub(*a.CheckInTime).Minutes())
	return &minutes
}

// Completed reports whether the record satisfies the completion policy:
// present with both check-in and check-out recorded.
func (a *Attendance) Completed() bool {
	return a.Status == AttendanceStatusPresent && a.CheckInTime != nil && a.CheckOutTime != nil
}

// AttendanceSummary aggregates attendance for an activity.
type AttendanceSummary struct {
	ActivityID      string  `json:"activity_id"`
	TotalEnrolled   int     `db:"total_enrolled" json:"total_enrolled"`
	TotalPresent    int     `db:"total_present" json:"total_present"`
	TotalAbsent     int     `db:"total_absent" json:"total_absent"`
	TotalCheckedIn  int     `db:"total_checked_in" json:"total_checked_in"`
	TotalCheckedOut int     `db:"total_checked_out" json:"total_checked_out"`
	AttendanceRate  float64 `json:"attendance_rate"`
}

// ComputeRate fills AttendanceRate, 0 when nobody is enrolled.
func (s *AttendanceSummary) ComputeRate() {
	if s.TotalEnrolled <= 0 {
		s.AttendanceRate = 0
		return
	}
	s.AttendanceRate = float64(s.TotalPresent) / float64(s.TotalEnrolled) * 100
}
