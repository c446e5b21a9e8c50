package email

import (
	"bytes"
	"context"
	"errors"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/rs/zerolog/log"
)

// ErrNotConfigured is returned when no SendGrid key is set.
var ErrNotConfigured = errors.New("email sender not configured")

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg *EmailMessage) error
}

// Service renders templated emails and sends them synchronously.
type Service struct {
	sender       Sender
	baseTemplate *htmltemplate.Template
	html         map[string]*htmltemplate.Template
	text         map[string]*texttemplate.Template
}

// ExpiringLine is one lot in the expiry reminder.
type ExpiringLine struct {
	Credits   int
	ExpiresAt string
}

// CreditsExpiringData feeds CreditsExpiringTemplate.
type CreditsExpiringData struct {
	Name       string
	Total      int
	WindowDays int
	Lots       []ExpiringLine
	ActionURL  string
}

// NewService creates email service backed by SendGrid
func NewService(config SendGridConfig) *Service {
	return NewServiceWithSender(NewSendGridClient(config))
}

// NewServiceWithSender creates email service with a custom sender.
func NewServiceWithSender(sender Sender) *Service {
	s := &Service{
		sender: sender,
		html:   make(map[string]*htmltemplate.Template),
		text:   make(map[string]*texttemplate.Template),
	}
	s.baseTemplate = htmltemplate.Must(htmltemplate.New("base").Parse(BaseTemplate))
	s.loadTemplates()
	return s
}

func (s *Service) loadTemplates() {
	html := map[string]string{
		"credits_expiring": CreditsExpiringTemplate,
	}
	text := map[string]string{
		"credits_expiring": CreditsExpiringText,
	}

	for name, content := range html {
		tmpl, err := htmltemplate.New(name).Parse(content)
		if err != nil {
			log.Error().Err(err).Str("template", name).Msg("Failed to parse email template")
			continue
		}
		s.html[name] = tmpl
	}
	for name, content := range text {
		tmpl, err := texttemplate.New(name).Parse(content)
		if err != nil {
			log.Error().Err(err).Str("template", name).Msg("Failed to parse text email template")
			continue
		}
		s.text[name] = tmpl
	}
}

// Render returns the html and text bodies of a template.
func (s *Service) Render(templateName string, data interface{}) (string, string, error) {
	tmpl, ok := s.html[templateName]
	if !ok {
		return "", "", errors.New("template " + templateName + " not found")
	}

	var contentBuf bytes.Buffer
	if err := tmpl.Execute(&contentBuf, data); err != nil {
		return "", "", err
	}

	var htmlBuf bytes.Buffer
	if err := s.baseTemplate.Execute(&htmlBuf, map[string]interface{}{
		"Content": htmltemplate.HTML(contentBuf.String()),
	}); err != nil {
		return "", "", err
	}

	var textBuf bytes.Buffer
	if t, ok := s.text[templateName]; ok {
		if err := t.Execute(&textBuf, data); err != nil {
			return "", "", err
		}
	}
	return htmlBuf.String(), textBuf.String(), nil
}

// SendSync renders and sends an email (blocking)
func (s *Service) SendSync(ctx context.Context, to, toName, templateName, subject string, data interface{}) error {
	html, text, err := s.Render(templateName, data)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, &EmailMessage{
		To:          to,
		ToName:      toName,
		Subject:     subject,
		HTMLContent: html,
		TextContent: strings.TrimSpace(text),
	})
}

// SendCreditsExpiring sends the expiry reminder.
func (s *Service) SendCreditsExpiring(ctx context.Context, to, toName string, data CreditsExpiringData) error {
	return s.SendSync(ctx, to, toName, "credits_expiring", "Your InkGen credits expire soon", data)
}
