package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/pkg/paypal"
)

// Gateway is the external payment processor.
type Gateway interface {
	CreateOrder(ctx context.Context, req paypal.CreateOrderRequest) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*paypal.Capture, error)
	RefundCapture(ctx context.Context, captureID string, amount decimal.Decimal, currency string) (*paypal.Refund, error)
	VerifyWebhookSignature(ctx context.Context, headers http.Header, rawBody []byte, webhookID string) (bool, error)
}

// OrderConfig holds checkout settings.
type OrderConfig struct {
	Currency  string
	ReturnURL string
	CancelURL string
}

// OrderService creates gateway orders backed by pending lots and captures
// them into active credit.
type OrderService struct {
	credits *credit.Service
	ledger  credit.Ledger
	gateway Gateway
	plans   *Catalogue
	cfg     OrderConfig
}

// NewOrderService creates the order service.
func NewOrderService(credits *credit.Service, gateway Gateway, plans *Catalogue, cfg OrderConfig) *OrderService {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &OrderService{
		credits: credits,
		ledger:  credits.Ledger(),
		gateway: gateway,
		plans:   plans,
		cfg:     cfg,
	}
}

// Plans returns the catalogue in price order.
func (s *OrderService) Plans() []Plan {
	return s.plans.All()
}

// PlanCodes lists the codes CreateOrder accepts.
func (s *OrderService) PlanCodes() []string {
	return s.plans.Codes()
}

// CreateOrder opens a gateway order and records an inactive pending lot.
// Repeated calls create independent orders.
func (s *OrderService) CreateOrder(ctx context.Context, userID uuid.UUID, req CreateOrderRequest) (*CreateOrderResponse, error) {
	plan, err := s.plans.Lookup(req.PlanCode)
	if err != nil {
		return nil, err
	}
	method := credit.Method(req.Method)
	if !method.IsPurchase() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}

	order, err := s.gateway.CreateOrder(ctx, paypal.CreateOrderRequest{
		Amount:      plan.Amount,
		Currency:    s.cfg.Currency,
		Description: fmt.Sprintf("%d InkGen credits, valid %d days", plan.Credits, plan.ValidDays),
		Method:      req.Method,
		ReferenceID: plan.Code,
		ReturnURL:   s.cfg.ReturnURL,
		CancelURL:   s.cfg.CancelURL,
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Str("plan", plan.Code).Msg("Gateway order creation failed")
		return nil, fmt.Errorf("%w: create order: %w", ErrGateway, err)
	}

	orderID := order.ID
	planCode := plan.Code
	lot := &credit.Lot{
		UserID:           userID,
		OrderID:          &orderID,
		PlanCode:         &planCode,
		AmountPaid:       plan.Amount,
		Currency:         s.cfg.Currency,
		CreditsAdded:     plan.Credits,
		RemainingCredits: 0,
		Status:           credit.StatusPending,
		Method:           method,
		ValidDays:        plan.ValidDays,
	}
	if req.ChargeType != "" {
		chargeType := req.ChargeType
		lot.ChargeType = &chargeType
	}

	if err := s.ledger.Create(ctx, lot); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Str("order_id", orderID).Msg("Pending lot not recorded for gateway order")
		return nil, err
	}

	log.Info().
		Str("lot_id", lot.ID.String()).
		Str("user_id", userID.String()).
		Str("order_id", orderID).
		Str("plan", plan.Code).
		Msg("Pending credit lot created")

	return &CreateOrderResponse{
		OrderID:    orderID,
		Amount:     plan.Amount,
		Currency:   s.cfg.Currency,
		Credits:    plan.Credits,
		ValidDays:  plan.ValidDays,
		ApproveURL: order.ApproveURL(),
	}, nil
}

// CaptureOrder captures an approved order for its owner. It may race with
// the COMPLETED webhook; only one of them activates the lot.
func (s *OrderService) CaptureOrder(ctx context.Context, userID uuid.UUID, orderID string) (*CaptureResult, error) {
	lot, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if lot.UserID != userID {
		log.Warn().
			Str("order_id", orderID).
			Str("user_id", userID.String()).
			Msg("Capture attempted by non-owner")
		return nil, ErrNotOrderOwner
	}

	switch lot.Status {
	case credit.StatusSuccess:
		return alreadyCompleted(), nil
	case credit.StatusRefund:
		return &CaptureResult{Status: credit.CaptureStatusRefunded, Message: "order was refunded"}, nil
	case credit.StatusFailed:
		return &CaptureResult{Status: deref(lot.CaptureStatus, "FAILED"), Message: "payment failed"}, nil
	}

	capture, err := s.gateway.CaptureOrder(ctx, orderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Str("lot_id", lot.ID.String()).Msg("Gateway capture failed, lot stays pending")
		return nil, fmt.Errorf("%w: capture order: %w", ErrGateway, err)
	}

	captureStatus := capture.CaptureStatus
	if captureStatus == "" {
		captureStatus = capture.Status
	}

	switch {
	case capture.Status == paypal.StatusCompleted && captureStatus == paypal.StatusCompleted:
		res, err := s.credits.ActivateLot(ctx, credit.Activation{
			LotID:         lot.ID,
			UserID:        lot.UserID,
			Credits:       lot.CreditsAdded,
			ValidDays:     lot.ValidDays,
			CaptureID:     capture.CaptureID,
			CaptureStatus: credit.CaptureStatusCompleted,
		})
		if err != nil {
			return nil, err
		}
		if !res.Activated {
			return alreadyCompleted(), nil
		}
		return &CaptureResult{
			Status:       credit.CaptureStatusCompleted,
			Message:      "credits added",
			CreditsAdded: lot.CreditsAdded,
			ExpiryDate:   res.ExpiryDate,
			Warnings:     res.Warnings,
		}, nil

	case captureStatus == paypal.StatusPending:
		// Funds under review; the COMPLETED webhook settles the lot.
		log.Info().Str("order_id", orderID).Str("reason", capture.Reason).Msg("Capture pending at gateway")
		return &CaptureResult{Status: paypal.StatusPending, Message: "payment is being processed"}, nil

	default:
		reason := capture.Reason
		if reason == "" {
			reason = "capture returned " + captureStatus
		}
		marked, err := s.ledger.MarkFailed(ctx, lot.ID, captureStatus, reason)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("lot_id", lot.ID.String()).
			Str("order_id", orderID).
			Str("capture_status", captureStatus).
			Bool("marked", marked).
			Msg("Credit lot failed after capture")
		return &CaptureResult{Status: captureStatus, Message: "payment not completed"}, nil
	}
}

// RefundOrder asks the gateway to refund a captured order. The ledger is
// changed only when the REFUNDED webhook arrives.
func (s *OrderService) RefundOrder(ctx context.Context, orderID string, amount *decimal.Decimal) (*RefundResponse, error) {
	lot, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if lot.Status != credit.StatusSuccess || lot.CaptureID == nil || !lot.Method.IsPurchase() {
		return nil, fmt.Errorf("%w: lot %s is %s", ErrNotRefundable, lot.ID, lot.Status)
	}

	refundAmount := lot.AmountPaid
	if amount != nil {
		refundAmount = *amount
	}
	if !refundAmount.IsPositive() || refundAmount.GreaterThan(lot.AmountPaid) {
		return nil, fmt.Errorf("%w: %s of %s", ErrInvalidRefundAmount, refundAmount.StringFixed(2), lot.AmountPaid.StringFixed(2))
	}

	refund, err := s.gateway.RefundCapture(ctx, *lot.CaptureID, refundAmount, lot.Currency)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Str("capture_id", *lot.CaptureID).Msg("Gateway refund failed")
		return nil, fmt.Errorf("%w: refund capture: %w", ErrGateway, err)
	}

	log.Info().
		Str("lot_id", lot.ID.String()).
		Str("order_id", orderID).
		Str("refund_id", refund.ID).
		Str("amount", refundAmount.StringFixed(2)).
		Msg("Refund requested at gateway")

	return &RefundResponse{
		OrderID:  orderID,
		RefundID: refund.ID,
		Status:   refund.Status,
		Amount:   refundAmount,
		Currency: lot.Currency,
		Message:  "refund requested; unused credits are revoked when the gateway confirms",
	}, nil
}

// ListOrders returns the user's lots, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]credit.Lot, error) {
	return s.credits.ListLots(ctx, userID, limit, offset)
}

func (s *OrderService) findOrder(ctx context.Context, orderID string) (*credit.Lot, error) {
	lot, err := s.ledger.FindByOrderID(ctx, orderID)
	if errors.Is(err, credit.ErrLotNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return lot, err
}

func alreadyCompleted() *CaptureResult {
	return &CaptureResult{Status: credit.CaptureStatusCompleted, Message: "already completed"}
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
