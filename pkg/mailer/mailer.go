package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"gopkg.in/gomail.v2"

	"github.com/noah-isme/ctxh-api/pkg/config"
)

// Template names understood by Render.
const (
	TemplateEnrollmentApproved = "enrollment_approved"
	TemplateEnrollmentRejected = "enrollment_rejected"
	TemplateCertificateIssued  = "certificate_issued"
)

type mailTemplate struct {
	subject string
	body    *template.Template
}

var templates = map[string]mailTemplate{
	TemplateEnrollmentApproved: {
		subject: "Your community service registration was approved",
		body: template.Must(template.New(TemplateEnrollmentApproved).Parse(
			`<p>Hello {{.Name}},</p><p>Your registration for <b>{{.Subject}}</b> has been approved.</p>{{if .Link}}<p><a href="{{.Link}}">View activity</a></p>{{end}}`)),
	},
	TemplateEnrollmentRejected: {
		subject: "Your community service registration was not accepted",
		body: template.Must(template.New(TemplateEnrollmentRejected).Parse(
			`<p>Hello {{.Name}},</p><p>Your registration for <b>{{.Subject}}</b> was not accepted.</p>`)),
	},
	TemplateCertificateIssued: {
		subject: "Your community service certificate is ready",
		body: template.Must(template.New(TemplateCertificateIssued).Parse(
			`<p>Hello {{.Name}},</p><p>Your certificate for <b>{{.Subject}}</b> has been issued.</p>{{if .Link}}<p><a href="{{.Link}}">Download certificate</a></p>{{end}}`)),
	},
}

// Data fills a template.
type Data struct {
	Name    string
	Subject string
	Link    string
}

// Render returns the subject and HTML body for the named template.
func Render(name string, data Data) (string, string, error) {
	tpl, ok := templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown mail template %q", name)
	}
	buf := &bytes.Buffer{}
	if err := tpl.body.Execute(buf, data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", name, err)
	}
	return tpl.subject, buf.String(), nil
}

// Mailer sends templated HTML email over SMTP.
type Mailer struct {
	dialer *gomail.Dialer
	from   string
}

// New builds a Mailer from notification config.
func New(cfg config.NotificationsConfig) *Mailer {
	return &Mailer{
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword),
		from:   cfg.SMTPFrom,
	}
}

// SendEmail renders template name with data and delivers it to to.
func (m *Mailer) SendEmail(ctx context.Context, to, name string, data Data) error {
	if to == "" {
		return fmt.Errorf("recipient required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body, err := Render(name, data)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	return nil
}
