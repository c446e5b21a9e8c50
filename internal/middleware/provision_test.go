package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

type recordingEnsurer struct {
	calls []uuid.UUID
	err   error
}

func (e *recordingEnsurer) Ensure(ctx context.Context, id uuid.UUID, email string) error {
	e.calls = append(e.calls, id)
	return e.err
}

func TestEnsureUserProvisionsAuthenticatedUser(t *testing.T) {
	userID := uuid.New()
	ensurer := &recordingEnsurer{err: errors.New("db down")}

	h := EnsureUser(ensurer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), userID, "user", "u@example.com"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected request to continue, got %d", w.Code)
	}
	if len(ensurer.calls) != 1 || ensurer.calls[0] != userID {
		t.Fatalf("expected one Ensure call for %s, got %v", userID, ensurer.calls)
	}
}

func TestEnsureUserSkipsAnonymous(t *testing.T) {
	ensurer := &recordingEnsurer{}
	h := EnsureUser(ensurer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(ensurer.calls) != 0 {
		t.Fatalf("expected no Ensure call, got %d", len(ensurer.calls))
	}
}
