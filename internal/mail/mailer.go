// Package mail composes the handshake emails and hands them to the job
// queue; actual SMTP delivery happens in the worker.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-auth/gatehouse/internal/auth"
	"github.com/gatehouse-auth/gatehouse/jobs"
)

// Enqueuer submits send-email jobs. Satisfied by jobs.Client.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// Config parameterises the Mailer.
type Config struct {
	BaseURL       string
	ActivationTTL time.Duration
	ResetTTL      time.Duration
}

// Mailer renders and enqueues transactional emails.
type Mailer struct {
	enqueuer Enqueuer
	cfg      Config
}

// NewMailer constructs a Mailer.
func NewMailer(enqueuer Enqueuer, cfg Config) *Mailer {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Mailer{enqueuer: enqueuer, cfg: cfg}
}

const activationBody = `Hi {{.Username}},

Thanks for signing up. Please confirm your email address by opening the
link below:

    {{.URL}}

The link is valid for {{.TTL}}. If you did not create this account you can
ignore this message.
`

const resetBody = `Hi {{.Username}},

Someone requested a password reset for your account. Open the link below to
choose a new password:

    {{.URL}}

The link is valid for {{.TTL}} and can be used once. If you did not request
a reset you can ignore this message; your password has not changed.
`

var (
	activationTmpl = template.Must(template.New("activation").Parse(activationBody))
	resetTmpl      = template.Must(template.New("reset").Parse(resetBody))
)

type bodyData struct {
	Username string
	URL      string
	TTL      string
}

// SendActivation enqueues the account verification email.
func (m *Mailer) SendActivation(ctx context.Context, user *auth.User, ref, tok string) error {
	url := fmt.Sprintf("%s/auth/verify/%s/%s", m.cfg.BaseURL, ref, tok)
	body, err := renderBody(activationTmpl, bodyData{Username: user.Username, URL: url, TTL: humanDuration(m.cfg.ActivationTTL)})
	if err != nil {
		return err
	}
	_, err = m.enqueuer.EnqueueSendEmail(ctx, jobs.SendEmailPayload{
		To:      user.Email,
		Subject: "Confirm your email address",
		Body:    body,
	})
	return err
}

// SendPasswordReset enqueues the password reset email.
func (m *Mailer) SendPasswordReset(ctx context.Context, user *auth.User, ref, tok string) error {
	url := fmt.Sprintf("%s/auth/password/reset/confirm/%s/%s", m.cfg.BaseURL, ref, tok)
	body, err := renderBody(resetTmpl, bodyData{Username: user.Username, URL: url, TTL: humanDuration(m.cfg.ResetTTL)})
	if err != nil {
		return err
	}
	_, err = m.enqueuer.EnqueueSendEmail(ctx, jobs.SendEmailPayload{
		To:      user.Email,
		Subject: "Reset your password",
		Body:    body,
	})
	return err
}

func renderBody(tmpl *template.Template, data bodyData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "a limited time"
	}
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d / time.Hour)
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}

var _ auth.Mailer = (*Mailer)(nil)
