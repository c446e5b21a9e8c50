package storage

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"time"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// WebhookArchive keeps raw webhook bodies for audit and replay.
type WebhookArchive struct {
	store Storage
}

func NewWebhookArchive(store Storage) *WebhookArchive {
	return &WebhookArchive{store: store}
}

// Key returns webhooks/<gateway>/<yyyy>/<mm>/<dd>/<event-id>.json.
func Key(gateway, eventID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("webhooks/%s/%04d/%02d/%02d/%s.json",
		unsafeKeyChars.ReplaceAllString(gateway, "_"),
		at.Year(), int(at.Month()), at.Day(),
		unsafeKeyChars.ReplaceAllString(eventID, "_"),
	)
}

// Archive stores body and returns its key. A redelivered event keeps the
// body of its first delivery.
func (a *WebhookArchive) Archive(ctx context.Context, gateway, eventID string, body []byte, at time.Time) (string, error) {
	if eventID == "" {
		eventID = fmt.Sprintf("unknown-%d", at.UnixNano())
	}
	key := Key(gateway, eventID, at)
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("archive webhook %s: %w", eventID, err)
	}
	if exists {
		return key, nil
	}
	if err := a.store.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return "", fmt.Errorf("archive webhook %s: %w", eventID, err)
	}
	return key, nil
}
