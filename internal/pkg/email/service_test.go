package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type captureSender struct {
	msgs []*EmailMessage
}

func (c *captureSender) Send(ctx context.Context, msg *EmailMessage) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestSendCreditsExpiringRendersLots(t *testing.T) {
	sender := &captureSender{}
	svc := NewServiceWithSender(sender)

	err := svc.SendCreditsExpiring(context.Background(), "ana@example.com", "Ana", CreditsExpiringData{
		Name:       "Ana <script>",
		Total:      12,
		WindowDays: 3,
		Lots: []ExpiringLine{
			{Credits: 5, ExpiresAt: "Mar 2, 2026"},
			{Credits: 7, ExpiresAt: "Mar 3, 2026"},
		},
		ActionURL: "https://inkgen.app/generate",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.msgs))
	}

	msg := sender.msgs[0]
	if !strings.Contains(msg.HTMLContent, "12 credits") || !strings.Contains(msg.HTMLContent, "Mar 3, 2026") {
		t.Fatalf("html body misses lot data: %s", msg.HTMLContent)
	}
	if strings.Contains(msg.HTMLContent, "<script>") {
		t.Fatalf("html body must escape user data")
	}
	if !strings.Contains(msg.TextContent, "- 5 credits, expires Mar 2, 2026") {
		t.Fatalf("text body misses lot line: %s", msg.TextContent)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	svc := NewServiceWithSender(&captureSender{})
	if _, _, err := svc.Render("nope", nil); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}

func TestSendGridClientPostsMail(t *testing.T) {
	var got SendGridRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewSendGridClient(SendGridConfig{APIKey: "SG.key", FromEmail: "no-reply@inkgen.app", BaseURL: srv.URL})
	err := client.Send(context.Background(), &EmailMessage{To: "ana@example.com", Subject: "hi", HTMLContent: "<p>x</p>", TextContent: "x"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer SG.key" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if len(got.Content) != 2 || got.Content[0].Type != "text/plain" {
		t.Fatalf("unexpected content order: %+v", got.Content)
	}
}

func TestSendGridClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"bad key"}]}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewSendGridClient(SendGridConfig{APIKey: "SG.bad", BaseURL: srv.URL})
	err := client.Send(context.Background(), &EmailMessage{To: "ana@example.com"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}

	unconfigured := NewSendGridClient(SendGridConfig{})
	if err := unconfigured.Send(context.Background(), &EmailMessage{To: "a@b.c"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
