// Package notify sends tenant notification emails via SMTP.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"approvals/api/internal/store"

	"github.com/rs/zerolog"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// TemplateStore loads tenant email templates.
type TemplateStore interface {
	GetEmailTemplate(ctx context.Context, tenantID int, templateName string) (*store.EmailTemplate, error)
}

// Service renders tenant templates and delivers them over SMTP. Sending is a
// no-op when SMTP is not configured.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	store  TemplateStore
	log    zerolog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new notification service
func NewService(config Config, templates TemplateStore, log zerolog.Logger) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		store:  templates,
		log:    log,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendTemplated renders a tenant's template with the given placeholder values
// and sends it. Placeholders appear in subject and body as #PlaceholderName#.
func (s *Service) SendTemplated(ctx context.Context, tenantID int, templateName string, to []string, values map[string]string) error {
	if !s.IsConfigured() {
		s.log.Debug().
			Int("tenant_id", tenantID).
			Str("template", templateName).
			Msg("notify: smtp not configured, skipping send")
		return nil
	}

	template, err := s.store.GetEmailTemplate(ctx, tenantID, templateName)
	if err != nil {
		return fmt.Errorf("load template %s: %w", templateName, err)
	}
	if template == nil {
		return fmt.Errorf("tenant %d has no template %q", tenantID, templateName)
	}

	subject := substitute(template.Subject, values)
	body := substitute(template.Body, values)
	return s.sendHTML(to, subject, body)
}

// substitute replaces every #Key# token with its value. Unknown tokens are
// left in place so a misrendered mail is visible instead of silently blank.
func substitute(text string, values map[string]string) string {
	for key, value := range values {
		text = strings.ReplaceAll(text, "#"+key+"#", value)
	}
	return text
}

func (s *Service) sendHTML(to []string, subject, htmlBody string) error {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-approvals"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}
