package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKeyLayout(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("X", -5*3600))
	got := Key("paypal", "WH-1/../x", at)
	want := "webhooks/paypal/2026/03/08/WH-1_.._x.json"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestArchiveWritesLocal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	archive := NewWebhookArchive(store)

	body := []byte(`{"id":"WH-42","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)
	key, err := archive.Archive(context.Background(), "paypal", "WH-42", body, time.Now())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	ok, err := store.Exists(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected archived object, ok=%v err=%v", ok, err)
	}

	got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("body mismatch: %s", got)
	}
}

func TestArchiveKeepsFirstDelivery(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	archive := NewWebhookArchive(store)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := []byte(`{"id":"WH-7","attempt":1}`)
	key, err := archive.Archive(context.Background(), "paypal", "WH-7", first, at)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	again, err := archive.Archive(context.Background(), "paypal", "WH-7", []byte(`{"id":"WH-7","attempt":2}`), at)
	if err != nil {
		t.Fatalf("archive redelivery: %v", err)
	}
	if again != key {
		t.Fatalf("expected same key, got %s and %s", key, again)
	}

	got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(first) {
		t.Fatalf("expected first body kept, got %s", got)
	}
}

func TestLocalStorageMissingAndEscape(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}

	ok, err := store.Exists(context.Background(), "nope.json")
	if err != nil || ok {
		t.Fatalf("expected missing object, ok=%v err=%v", ok, err)
	}
	if _, err := store.Exists(context.Background(), "../outside.json"); err == nil {
		t.Fatalf("expected key outside base path to be rejected")
	}
}
