package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/noah-isme/ctxh-api/internal/models"
	"github.com/noah-isme/ctxh-api/pkg/database"
	appErrors "github.com/noah-isme/ctxh-api/pkg/errors"
)

// transactor runs fn inside a database transaction.
type transactor interface {
	WithinTx(ctx context.Context, fn database.TxFunc) error
}

// Notification is a fire-and-forget message about a lifecycle event.
type Notification struct {
	Event      string                 `json:"event"`
	Recipient  string                 `json:"recipient"`
	Email      string                 `json:"email,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Link       string                 `json:"link,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Lifecycle events published to notification channels.
const (
	EventEnrollmentApproved = "enrollment.approved"
	EventEnrollmentRejected = "enrollment.rejected"
	EventCertificateIssued  = "certificate.issued"
)

type notifier interface {
	Notify(ctx context.Context, n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}

// attendanceHook observes attendance writes that may complete an enrollment.
type attendanceHook interface {
	AttendanceRecorded(ctx context.Context, record *models.Attendance)
}

// lookupError maps sql.ErrNoRows to a typed not-found error and wraps anything else.
func lookupError(err error, notFound, internal string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, notFound)
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal, internal)
}

// passThrough keeps typed errors raised inside a transaction and wraps the rest.
func passThrough(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal, message)
}

func pagination(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}
