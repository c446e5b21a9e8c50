package payment_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/domain/credit/credittest"
	"github.com/inkgen/inkgen-api/internal/domain/payment"
	"github.com/inkgen/inkgen-api/internal/domain/user"
	"github.com/inkgen/inkgen-api/internal/pkg/paypal"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type refundCall struct {
	CaptureID string
	Amount    decimal.Decimal
	Currency  string
}

type fakeGateway struct {
	mu           sync.Mutex
	seq          int
	captures     map[string]*paypal.Capture
	captureCalls int
	createErr    error
	captureErr   error
	refunds      []refundCall
	verifyOK     bool
	verifyErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{captures: map[string]*paypal.Capture{}, verifyOK: true}
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req paypal.CreateOrderRequest) (*paypal.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	id := fmt.Sprintf("ORDER-%d", g.seq)
	g.captures[id] = &paypal.Capture{
		OrderID:       id,
		Status:        paypal.StatusCompleted,
		CaptureID:     "CAP-" + id,
		CaptureStatus: paypal.StatusCompleted,
		Amount:        req.Amount,
	}
	return &paypal.Order{
		ID:     id,
		Status: "PAYER_ACTION_REQUIRED",
		Links:  []paypal.Link{{Href: "https://paypal.test/checkout/" + id, Rel: "payer-action"}},
	}, nil
}

func (g *fakeGateway) CaptureOrder(ctx context.Context, orderID string) (*paypal.Capture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	c, ok := g.captures[orderID]
	if !ok {
		return nil, &paypal.APIError{StatusCode: http.StatusNotFound, Name: "RESOURCE_NOT_FOUND"}
	}
	cp := *c
	return &cp, nil
}

func (g *fakeGateway) setCapture(orderID, status, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.captures[orderID]
	c.CaptureStatus = status
	c.Reason = reason
}

func (g *fakeGateway) RefundCapture(ctx context.Context, captureID string, amount decimal.Decimal, currency string) (*paypal.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, refundCall{CaptureID: captureID, Amount: amount, Currency: currency})
	return &paypal.Refund{ID: fmt.Sprintf("REF-%d", len(g.refunds)), Status: paypal.StatusCompleted, Amount: amount}, nil
}

func (g *fakeGateway) VerifyWebhookSignature(ctx context.Context, headers http.Header, rawBody []byte, webhookID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyOK, g.verifyErr
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memDeduper) Forget(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

type memArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *memArchive) Archive(ctx context.Context, gateway, eventID string, body []byte, at time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := gateway + "/" + eventID
	a.keys = append(a.keys, key)
	return key, nil
}

type harness struct {
	credits    *credit.Service
	ledger     *credittest.Ledger
	tiers      *credittest.Tiers
	gateway    *fakeGateway
	orders     *payment.OrderService
	reconciler *payment.Reconciler
	archive    *memArchive
}

func newHarness(t *testing.T, cfg payment.ReconcilerConfig) *harness {
	t.Helper()
	h := &harness{
		ledger:  credittest.NewLedger(),
		tiers:   credittest.NewTiers(),
		gateway: newFakeGateway(),
		archive: &memArchive{},
	}
	h.credits = credit.NewService(h.ledger, h.tiers)
	h.credits.SetClock(func() time.Time { return fixedNow })
	h.orders = payment.NewOrderService(h.credits, h.gateway, payment.DefaultCatalogue(), payment.OrderConfig{
		Currency:  "USD",
		ReturnURL: "https://inkgen.test/payment/return",
		CancelURL: "https://inkgen.test/payment/cancel",
	})
	h.reconciler = payment.NewReconciler(h.credits, h.gateway, &memDeduper{seen: map[string]bool{}}, h.archive, cfg)
	return h
}

func (h *harness) order(t *testing.T, userID uuid.UUID, plan string) string {
	t.Helper()
	res, err := h.orders.CreateOrder(context.Background(), userID, payment.CreateOrderRequest{PlanCode: plan, Method: "paypal"})
	require.NoError(t, err)
	return res.OrderID
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	total, err := h.credits.GetTotalCredits(context.Background(), userID)
	require.NoError(t, err)
	return total
}

func (h *harness) lot(t *testing.T, orderID string) *credit.Lot {
	t.Helper()
	lot, err := h.ledger.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return lot
}

/* =========================
   Orders
   ========================= */

func TestPurchaseDay7EndToEnd(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	ctx := context.Background()
	userID := uuid.New()

	created, err := h.orders.CreateOrder(ctx, userID, payment.CreateOrderRequest{PlanCode: "day7", Method: "paypal"})
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", created.OrderID)
	assert.Equal(t, 20, created.Credits)
	assert.Equal(t, 7, created.ValidDays)
	assert.True(t, created.Amount.Equal(decimal.RequireFromString("4.99")))
	assert.Equal(t, "https://paypal.test/checkout/ORDER-1", created.ApproveURL)

	pending := h.lot(t, created.OrderID)
	assert.Equal(t, credit.StatusPending, pending.Status)
	assert.Equal(t, 0, pending.RemainingCredits)
	assert.Equal(t, 20, pending.CreditsAdded)
	require.NotNil(t, pending.PlanCode)
	assert.Equal(t, "day7", *pending.PlanCode)
	assert.Equal(t, 0, h.balance(t, userID))

	res, err := h.orders.CaptureOrder(ctx, userID, created.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", res.Status)
	assert.Equal(t, "credits added", res.Message)
	assert.Equal(t, 20, res.CreditsAdded)
	require.NotNil(t, res.ExpiryDate)
	assert.True(t, res.ExpiryDate.Equal(fixedNow.AddDate(0, 0, 7)))

	active := h.lot(t, created.OrderID)
	assert.Equal(t, credit.StatusSuccess, active.Status)
	assert.Equal(t, 20, active.RemainingCredits)
	require.NotNil(t, active.CaptureID)
	assert.Equal(t, "CAP-ORDER-1", *active.CaptureID)
	assert.Equal(t, 20, h.balance(t, userID))
	assert.Equal(t, user.TierPaid, h.tiers.Tier(userID))
}

func TestCaptureTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	ctx := context.Background()
	userID := uuid.New()
	orderID := h.order(t, userID, "day14")

	_, err := h.orders.CaptureOrder(ctx, userID, orderID)
	require.NoError(t, err)

	res, err := h.orders.CaptureOrder(ctx, userID, orderID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", res.Status)
	assert.Equal(t, "already completed", res.Message)
	assert.Equal(t, 45, h.balance(t, userID))
	assert.Equal(t, 1, h.gateway.captureCalls)
}

func TestCreateOrderRejections(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	ctx := context.Background()
	userID := uuid.New()

	_, err := h.orders.CreateOrder(ctx, userID, payment.CreateOrderRequest{PlanCode: "day99", Method: "paypal"})
	assert.ErrorIs(t, err, payment.ErrUnknownPlan)

	_, err = h.orders.CreateOrder(ctx, userID, payment.CreateOrderRequest{PlanCode: "day7", Method: "system"})
	assert.ErrorIs(t, err, payment.ErrInvalidMethod)

	h.gateway.createErr = errors.New("connection reset")
	_, err = h.orders.CreateOrder(ctx, userID, payment.CreateOrderRequest{PlanCode: "day7", Method: "card"})
	assert.ErrorIs(t, err, payment.ErrGateway)

	assert.Empty(t, h.ledger.Lots())
}

func TestRepeatedCreateOrderMakesIndependentLots(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	userID := uuid.New()

	first := h.order(t, userID, "day7")
	second := h.order(t, userID, "day7")
	assert.NotEqual(t, first, second)
	assert.Len(t, h.ledger.Lots(), 2)
}

func TestCaptureOwnershipAndLookup(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	ctx := context.Background()
	owner := uuid.New()
	orderID := h.order(t, owner, "day7")

	_, err := h.orders.CaptureOrder(ctx, uuid.New(), orderID)
	assert.ErrorIs(t, err, payment.ErrNotOrderOwner)

	_, err = h.orders.CaptureOrder(ctx, owner, "ORDER-404")
	assert.ErrorIs(t, err, payment.ErrOrderNotFound)

	assert.Equal(t, 0, h.gateway.captureCalls)
}

func TestCaptureGatewayErrorKeepsLotPending(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	userID := uuid.New()
	orderID := h.order(t, userID, "day7")

	h.gateway.captureErr = errors.New("timeout")
	_, err := h.orders.CaptureOrder(context.Background(), userID, orderID)
	assert.ErrorIs(t, err, payment.ErrGateway)
	assert.Equal(t, credit.StatusPending, h.lot(t, orderID).Status)

	h.gateway.captureErr = nil
	res, err := h.orders.CaptureOrder(context.Background(), userID, orderID)
	require.NoError(t, err)
	assert.Equal(t, "credits added", res.Message)
}

func TestCaptureDeclinedMarksLotFailed(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	userID := uuid.New()
	orderID := h.order(t, userID, "day7")
	h.gateway.setCapture(orderID, paypal.StatusDeclined, "INSTRUMENT_DECLINED")

	res, err := h.orders.CaptureOrder(context.Background(), userID, orderID)
	require.NoError(t, err)
	assert.Equal(t, paypal.StatusDeclined, res.Status)

	lot := h.lot(t, orderID)
	assert.Equal(t, credit.StatusFailed, lot.Status)
	require.NotNil(t, lot.FailureReason)
	assert.Equal(t, "INSTRUMENT_DECLINED", *lot.FailureReason)
	assert.Equal(t, 0, h.balance(t, userID))

	again, err := h.orders.CaptureOrder(context.Background(), userID, orderID)
	require.NoError(t, err)
	assert.Equal(t, paypal.StatusDeclined, again.Status)
	assert.Equal(t, 1, h.gateway.captureCalls)
}

func TestCapturePendingLeavesLotPending(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	userID := uuid.New()
	orderID := h.order(t, userID, "day7")
	h.gateway.setCapture(orderID, paypal.StatusPending, "PENDING_REVIEW")

	res, err := h.orders.CaptureOrder(context.Background(), userID, orderID)
	require.NoError(t, err)
	assert.Equal(t, paypal.StatusPending, res.Status)
	assert.Equal(t, credit.StatusPending, h.lot(t, orderID).Status)
	assert.Equal(t, 0, h.balance(t, userID))
}

func TestRefundOrderCallsGatewayOnly(t *testing.T) {
	h := newHarness(t, payment.ReconcilerConfig{})
	ctx := context.Background()
	userID := uuid.New()
	orderID := h.order(t, userID, "day30")

	_, err := h.orders.RefundOrder(ctx, orderID, nil)
	assert.ErrorIs(t, err, payment.ErrNotRefundable)

	_, err = h.orders.CaptureOrder(ctx, userID, orderID)
	require.NoError(t, err)

	tooMuch := decimal.RequireFromString("20.00")
	_, err = h.orders.RefundOrder(ctx, orderID, &tooMuch)
	assert.ErrorIs(t, err, payment.ErrInvalidRefundAmount)

	res, err := h.orders.RefundOrder(ctx, orderID, nil)
	require.NoError(t, err)
	assert.Equal(t, "REF-1", res.RefundID)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("14.99")))

	require.Len(t, h.gateway.refunds, 1)
	assert.Equal(t, "CAP-ORDER-1", h.gateway.refunds[0].CaptureID)
	assert.Equal(t, "USD", h.gateway.refunds[0].Currency)

	assert.Equal(t, credit.StatusSuccess, h.lot(t, orderID).Status)
	assert.Equal(t, 100, h.balance(t, userID))

	_, err = h.orders.RefundOrder(ctx, "ORDER-404", nil)
	assert.ErrorIs(t, err, payment.ErrOrderNotFound)
}
