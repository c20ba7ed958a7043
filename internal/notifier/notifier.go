// Package notifier renders verification emails and hands them to a Mailer.
// A Notifier never retries; a returned error means the email was not sent
// and the caller decides whether to try again.
package notifier

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"

	"signupflow/internal/verification/models"
	"signupflow/pkg/email"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	subjectVerification       = "Verify your email address"
	subjectResendVerification = "Your new verification code"
)

// Email is a rendered message.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Mailer delivers one rendered email.
type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

type Notifier struct {
	mailer Mailer
}

func New(mailer Mailer) *Notifier {
	return &Notifier{mailer: mailer}
}

func (n *Notifier) SendVerification(ctx context.Context, to, username, code string) error {
	return n.send(ctx, "verification.html", subjectVerification, to, username, code)
}

func (n *Notifier) SendResendVerification(ctx context.Context, to, username, code string) error {
	return n.send(ctx, "resend_verification.html", subjectResendVerification, to, username, code)
}

func (n *Notifier) send(ctx context.Context, tmpl, subject, to, username, code string) error {
	body, err := render(tmpl, email.DisplayName(to, username), code)
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, Email{To: to, Subject: subject, HTML: body})
}

func render(name, displayName, code string) (string, error) {
	var buf bytes.Buffer
	err := templates.ExecuteTemplate(&buf, name, struct {
		Name     string
		Code     string
		ValidFor string
	}{displayName, code, fmt.Sprintf("%d hours", int(models.CodeTTL.Hours()))})
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
