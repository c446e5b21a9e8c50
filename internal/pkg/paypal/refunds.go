package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Refund is the result of refunding a capture.
type Refund struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"-"`
}

type refundBody struct {
	Amount *Money `json:"amount,omitempty"`
}

// RefundCapture refunds a capture. A zero amount refunds the full capture.
func (c *Client) RefundCapture(ctx context.Context, captureID string, amount decimal.Decimal, currency string) (*Refund, error) {
	if strings.TrimSpace(captureID) == "" {
		return nil, fmt.Errorf("validation error: capture id must be non-empty")
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("validation error: refund amount must not be negative")
	}

	body := refundBody{}
	if amount.IsPositive() {
		m := NewMoney(amount, currency)
		body.Amount = &m
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount Money  `json:"amount"`
	}
	path := "/v2/payments/captures/" + url.PathEscape(captureID) + "/refund"
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.do(ctx, http.MethodPost, path, body, &out, headers); err != nil {
		return nil, err
	}
	return &Refund{ID: out.ID, Status: out.Status, Amount: out.Amount.Decimal()}, nil
}
