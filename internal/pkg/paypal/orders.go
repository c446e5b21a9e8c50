package paypal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateOrderRequest describes a single-item capture order.
type CreateOrderRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	// Method is "paypal" for wallet checkout or "card" for guest card checkout.
	Method      string
	ReferenceID string
	ReturnURL   string
	CancelURL   string
}

// Order is the subset of the Orders v2 resource the service reads.
type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         []Link         `json:"links"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units,omitempty"`
}

// ApproveURL is where the buyer approves the order.
func (o *Order) ApproveURL() string {
	if href := FindLink(o.Links, "payer-action"); href != "" {
		return href
	}
	return FindLink(o.Links, "approve")
}

type PurchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	Payments    struct {
		Captures []CaptureDetail `json:"captures"`
	} `json:"payments"`
}

type CaptureDetail struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        Money  `json:"amount"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

// Capture is the outcome of capturing an order.
type Capture struct {
	OrderID       string
	Status        string
	CaptureID     string
	CaptureStatus string
	Reason        string
	Amount        decimal.Decimal
}

type experienceContext struct {
	ReturnURL          string `json:"return_url,omitempty"`
	CancelURL          string `json:"cancel_url,omitempty"`
	UserAction         string `json:"user_action,omitempty"`
	ShippingPreference string `json:"shipping_preference,omitempty"`
	LandingPage        string `json:"landing_page,omitempty"`
}

type createOrderBody struct {
	Intent             string                   `json:"intent"`
	PurchaseUnits      []createPurchaseUnit     `json:"purchase_units"`
	PaymentSource      map[string]paymentSource `json:"payment_source,omitempty"`
	ApplicationContext *experienceContext       `json:"application_context,omitempty"`
}

type createPurchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      Money  `json:"amount"`
}

type paymentSource struct {
	ExperienceContext experienceContext `json:"experience_context"`
}

// CreateOrder creates a CAPTURE intent order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("validation error: amount must be > 0")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return nil, fmt.Errorf("validation error: currency must be non-empty")
	}

	body := createOrderBody{
		Intent: "CAPTURE",
		PurchaseUnits: []createPurchaseUnit{{
			ReferenceID: req.ReferenceID,
			Description: req.Description,
			Amount:      NewMoney(req.Amount, req.Currency),
		}},
	}

	ec := experienceContext{
		ReturnURL:          req.ReturnURL,
		CancelURL:          req.CancelURL,
		UserAction:         "PAY_NOW",
		ShippingPreference: "NO_SHIPPING",
	}
	if req.Method == "paypal" {
		body.PaymentSource = map[string]paymentSource{"paypal": {ExperienceContext: ec}}
	} else {
		// Guest card checkout: the approve link opens on the billing form.
		ec.LandingPage = "BILLING"
		body.ApplicationContext = &ec
	}

	var out Order
	headers := map[string]string{"PayPal-Request-Id": uuid.NewString()}
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &out, headers); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// CaptureOrder captures an approved order. An order that was already
// captured is read back so the caller still learns the capture id.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("validation error: order id must be non-empty")
	}

	var out Order
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	headers := map[string]string{
		"Prefer":            "return=representation",
		"PayPal-Request-Id": "capture-" + orderID,
	}
	err := c.do(ctx, http.MethodPost, path, struct{}{}, &out, headers)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HasIssue("ORDER_ALREADY_CAPTURED") {
		order, getErr := c.GetOrder(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		out = *order
		err = nil
	}
	if err != nil {
		return nil, err
	}

	capture := &Capture{OrderID: out.ID, Status: out.Status}
	for _, pu := range out.PurchaseUnits {
		if len(pu.Payments.Captures) == 0 {
			continue
		}
		detail := pu.Payments.Captures[0]
		capture.CaptureID = detail.ID
		capture.CaptureStatus = detail.Status
		capture.Reason = detail.StatusDetails.Reason
		capture.Amount = detail.Amount.Decimal()
		break
	}
	return capture, nil
}
