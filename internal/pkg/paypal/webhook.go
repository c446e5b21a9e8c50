package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Transmission headers PayPal attaches to every webhook delivery.
const (
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
)

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhookSignature asks PayPal to validate a delivery. Missing
// transmission headers fail verification without a remote call.
func (c *Client) VerifyWebhookSignature(ctx context.Context, headers http.Header, rawBody []byte, webhookID string) (bool, error) {
	req := verifyRequest{
		AuthAlgo:         headers.Get(HeaderAuthAlgo),
		CertURL:          headers.Get(HeaderCertURL),
		TransmissionID:   headers.Get(HeaderTransmissionID),
		TransmissionSig:  headers.Get(HeaderTransmissionSig),
		TransmissionTime: headers.Get(HeaderTransmissionTime),
		WebhookID:        webhookID,
		WebhookEvent:     json.RawMessage(rawBody),
	}
	if req.AuthAlgo == "" || req.CertURL == "" || req.TransmissionID == "" || req.TransmissionSig == "" || req.TransmissionTime == "" {
		return false, nil
	}
	if strings.TrimSpace(webhookID) == "" {
		return false, fmt.Errorf("paypal config error: webhook id is empty")
	}
	if !json.Valid(rawBody) {
		return false, nil
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &out, nil); err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}
