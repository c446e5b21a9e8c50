package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateOrderRequest is the body of POST /payment/order.
type CreateOrderRequest struct {
	PlanCode   string `json:"planCode" validate:"required,plan_code"`
	Method     string `json:"method" validate:"required,payment_method"`
	ChargeType string `json:"chargeType" validate:"omitempty,max=50"`
}

// CreateOrderResponse carries the gateway order the client must approve.
type CreateOrderResponse struct {
	OrderID    string          `json:"orderId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Credits    int             `json:"credits"`
	ValidDays  int             `json:"validDays"`
	ApproveURL string          `json:"approveUrl,omitempty"`
}

// CaptureResult is the answer to POST /payment/capture/{orderId}.
type CaptureResult struct {
	Status       string     `json:"status"`
	Message      string     `json:"message"`
	CreditsAdded int        `json:"creditsAdded,omitempty"`
	ExpiryDate   *time.Time `json:"expiryDate,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
}

// RefundRequest is the body of POST /admin/payment/refund/{orderId}.
// An empty amount refunds the full price.
type RefundRequest struct {
	Amount string `json:"amount" validate:"omitempty,numeric"`
}

// RefundResponse reports the refund requested at the gateway.
type RefundResponse struct {
	OrderID  string          `json:"orderId"`
	RefundID string          `json:"refundId"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Message  string          `json:"message"`
}
