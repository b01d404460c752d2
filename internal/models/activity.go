package models

import "time"

// ActivityStatus is the registration state of an activity.
type ActivityStatus string

const (
	ActivityStatusOpen      ActivityStatus = "OPEN"
	ActivityStatusFull      ActivityStatus = "FULL"
	ActivityStatusClosed    ActivityStatus = "CLOSED"
	ActivityStatusCompleted ActivityStatus = "COMPLETED"
)

// Activity is a community-service activity published by an organization.
// Status is a cache of DeriveStatus; counters change only through the capacity ledger.
type Activity struct {
	ID                   string         `db:"id" json:"id"`
	OrganizationID       string         `db:"organization_id" json:"organization_id"`
	Title                string         `db:"title" json:"title"`
	Description          string         `db:"description" json:"description"`
	Location             string         `db:"location" json:"location"`
	MaxParticipants      int            `db:"max_participants" json:"max_participants"`
	ApprovedParticipants int            `db:"approved_participants" json:"approved_participants"`
	PendingParticipants  int            `db:"pending_participants" json:"pending_participants"`
	StartDateTime        time.Time      `db:"start_date_time" json:"start_date_time"`
	EndDateTime          time.Time      `db:"end_date_time" json:"end_date_time"`
	RegistrationDeadline time.Time      `db:"registration_deadline" json:"registration_deadline"`
	Status               ActivityStatus `db:"status" json:"status"`
	BenefitsCtxh         float64        `db:"benefits_ctxh" json:"benefits_ctxh"`
	IsClosed             bool           `db:"is_closed" json:"is_closed"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// DeriveStatus computes the status from counters, the organizer close flag and time.
func (a *Activity) DeriveStatus(now time.Time) ActivityStatus {
	switch {
	case !a.EndDateTime.IsZero() && !now.Before(a.EndDateTime):
		return ActivityStatusCompleted
	case a.IsClosed || (!a.RegistrationDeadline.IsZero() && now.After(a.RegistrationDeadline)):
		return ActivityStatusClosed
	case a.ApprovedParticipants >= a.MaxParticipants:
		return ActivityStatusFull
	default:
		return ActivityStatusOpen
	}
}

// RemainingSlots is the number of reservations still available.
func (a *Activity) RemainingSlots() int {
	remaining := a.MaxParticipants - a.ApprovedParticipants - a.PendingParticipants
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasStarted reports whether the activity start time is at or before now.
func (a *Activity) HasStarted(now time.Time) bool {
	return !a.StartDateTime.After(now)
}
