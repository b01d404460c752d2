package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/ctxh-api/pkg/jobs"
	"github.com/noah-isme/ctxh-api/pkg/mailer"
)

type recordingPublisher struct {
	keys []string
	err  error
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, key string, v any) error {
	p.keys = append(p.keys, key)
	return p.err
}

type recordingMailer struct {
	sent []string
	data []mailer.Data
}

func (m *recordingMailer) SendEmail(ctx context.Context, to, template string, data mailer.Data) error {
	m.sent = append(m.sent, to+":"+template)
	m.data = append(m.data, data)
	return nil
}

func TestNotificationDeliveredInlineWithoutQueue(t *testing.T) {
	pub := &recordingPublisher{}
	mail := &recordingMailer{}
	svc := NewNotificationService(pub, mail, zap.NewNop())

	svc.Notify(context.Background(), Notification{
		Event:   EventCertificateIssued,
		Email:   "s1@example.edu",
		Name:    "Student s1",
		Subject: "Beach cleanup",
		Link:    "http://localhost/download/t",
	})

	assert.Equal(t, []string{"ctxh.certificate.issued"}, pub.keys)
	require.Equal(t, []string{"s1@example.edu:" + mailer.TemplateCertificateIssued}, mail.sent)
	assert.Equal(t, "http://localhost/download/t", mail.data[0].Link)
}

func TestNotificationSkipsEmailWithoutAddress(t *testing.T) {
	mail := &recordingMailer{}
	svc := NewNotificationService(nil, mail, zap.NewNop())

	svc.Notify(context.Background(), Notification{Event: EventEnrollmentApproved})
	assert.Empty(t, mail.sent)
}

func TestNotificationQueuedAndHandled(t *testing.T) {
	pub := &recordingPublisher{}
	queue := &recordingQueue{}
	svc := NewNotificationService(pub, nil, zap.NewNop())
	svc.AttachQueue(queue)

	n := Notification{Event: EventEnrollmentRejected, Recipient: "s1"}
	svc.Notify(context.Background(), n)
	require.Equal(t, []string{JobNotification}, queue.types)
	assert.Empty(t, pub.keys)

	require.NoError(t, svc.HandleJob(context.Background(), jobs.Job{Type: JobNotification, Payload: queue.payloads[0]}))
	assert.Equal(t, []string{"ctxh.enrollment.rejected"}, pub.keys)

	assert.NoError(t, svc.HandleJob(context.Background(), jobs.Job{Type: JobNotification, Payload: "bogus"}))
}

func TestNotificationHandlerReportsFailures(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	svc := NewNotificationService(pub, nil, zap.NewNop())

	err := svc.HandleJob(context.Background(), jobs.Job{Type: JobNotification, Payload: Notification{Event: EventCertificateIssued}})
	assert.Error(t, err)
}
