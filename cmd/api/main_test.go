package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/domain/credit/credittest"
	"github.com/inkgen/inkgen-api/internal/domain/payment"
	"github.com/inkgen/inkgen-api/internal/middleware"
	"github.com/inkgen/inkgen-api/internal/pkg/paypal"
)

type nopGateway struct{}

func (nopGateway) CreateOrder(ctx context.Context, req paypal.CreateOrderRequest) (*paypal.Order, error) {
	return &paypal.Order{ID: "ORDER-1"}, nil
}

func (nopGateway) CaptureOrder(ctx context.Context, orderID string) (*paypal.Capture, error) {
	return &paypal.Capture{OrderID: orderID, Status: paypal.StatusCompleted, CaptureStatus: paypal.StatusCompleted, CaptureID: "CAP-1"}, nil
}

func (nopGateway) RefundCapture(ctx context.Context, captureID string, amount decimal.Decimal, currency string) (*paypal.Refund, error) {
	return &paypal.Refund{ID: "REF-1"}, nil
}

func (nopGateway) VerifyWebhookSignature(ctx context.Context, headers http.Header, rawBody []byte, webhookID string) (bool, error) {
	return true, nil
}

// headerAuth trusts X-Test-Role so routing can be checked without tokens.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get("X-Test-Role")
		if role == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ctx := middleware.WithUser(r.Context(), uuid.New(), role, "t@example.com")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	credits := credit.NewService(credittest.NewLedger(), credittest.NewTiers())
	orders := payment.NewOrderService(credits, nopGateway{}, payment.DefaultCatalogue(), payment.OrderConfig{})
	reconciler := payment.NewReconciler(credits, nopGateway{}, nil, nil, payment.ReconcilerConfig{})

	return newRouter(routerDeps{
		allowedOrigins: []string{"http://localhost:3000"},
		auth:           headerAuth,
		credits:        credit.NewHandler(credits, 3),
		payments:       payment.NewHandler(orders, reconciler),
	})
}

func TestRouterRoutes(t *testing.T) {
	router := testRouter(t)

	cases := []struct {
		name   string
		method string
		path   string
		role   string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", "", http.StatusOK},
		{"plans are public", http.MethodGet, "/payment/plans", "", "", http.StatusOK},
		{"credits need auth", http.MethodGet, "/payment/credits", "", "", http.StatusUnauthorized},
		{"credit summary", http.MethodGet, "/payment/credits", "user", "", http.StatusOK},
		{"usage", http.MethodGet, "/payment/credits/usage", "user", "", http.StatusOK},
		{"orders", http.MethodGet, "/payment/orders", "user", "", http.StatusOK},
		{"create order", http.MethodPost, "/payment/order", "user", `{"planCode":"day7","method":"paypal"}`, http.StatusCreated},
		{"admin needs role", http.MethodGet, "/admin/credits/expiring", "user", "", http.StatusForbidden},
		{"admin expiring", http.MethodGet, "/admin/credits/expiring", "admin", "", http.StatusOK},
		{"admin refund unknown order", http.MethodPost, "/admin/payment/refund/ORDER-404", "admin", "", http.StatusNotFound},
		{"unknown gateway", http.MethodPost, "/webhooks/stripe", "", `{}`, http.StatusNotFound},
		{"paypal webhook", http.MethodPost, "/webhooks/paypal", "", `{"id":"WH-1","event_type":"CHECKOUT.ORDER.APPROVED","resource":{}}`, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var req *http.Request
			if tc.body != "" {
				req = httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
				req.Header.Set("Content-Type", "application/json")
			} else {
				req = httptest.NewRequest(tc.method, tc.path, nil)
			}
			if tc.role != "" {
				req.Header.Set("X-Test-Role", tc.role)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRouterSetsRequestID(t *testing.T) {
	router := testRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}
