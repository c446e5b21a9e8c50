package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/pkg/paypal"
)

// GatewayPayPal is the only webhook source served.
const GatewayPayPal = "paypal"

// PayPal webhook event types.
const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	EventCaptureRefunded  = "PAYMENT.CAPTURE.REFUNDED"
	EventOrderApproved    = "CHECKOUT.ORDER.APPROVED"
	EventOrderCompleted   = "CHECKOUT.ORDER.COMPLETED"
)

// Outcome actions.
const (
	ActionActivated          = "activated"
	ActionDuplicate          = "duplicate"
	ActionFailed             = "failed"
	ActionRefunded           = "refunded"
	ActionAnnotated          = "annotated"
	ActionLogged             = "logged"
	ActionIgnored            = "ignored"
	ActionLotNotFound        = "lot_not_found"
	ActionInvariantViolation = "invariant_violation"
)

const eventKeyPrefix = "webhooks:paypal:event:"

// SignatureVerifier checks gateway transmission signatures.
type SignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, headers http.Header, rawBody []byte, webhookID string) (bool, error)
}

// EventDeduper remembers processed event ids.
type EventDeduper interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Archiver stores raw webhook bodies.
type Archiver interface {
	Archive(ctx context.Context, gateway, eventID string, body []byte, at time.Time) (string, error)
}

// ReconcilerConfig configures webhook processing. An empty WebhookID turns
// signature verification off.
type ReconcilerConfig struct {
	WebhookID string
	DedupeTTL time.Duration
}

// Event is a PayPal webhook envelope.
type Event struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Summary      string          `json:"summary"`
	CreateTime   string          `json:"create_time"`
	Resource     json.RawMessage `json:"resource"`
}

type resource struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	Amount            paypal.Money `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID   string `json:"order_id"`
			CaptureID string `json:"capture_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	Links []paypal.Link `json:"links"`
}

// Outcome describes what a delivery did.
type Outcome struct {
	EventID   string     `json:"eventId,omitempty"`
	EventType string     `json:"eventType,omitempty"`
	Action    string     `json:"action"`
	LotID     *uuid.UUID `json:"lotId,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// Reconciler applies gateway events to the lot state machine. Every handler
// is idempotent, so duplicated and reordered deliveries converge.
type Reconciler struct {
	credits  *credit.Service
	ledger   credit.Ledger
	verifier SignatureVerifier
	deduper  EventDeduper
	archive  Archiver
	cfg      ReconcilerConfig
}

// NewReconciler creates the webhook reconciler. deduper and archive may be nil.
func NewReconciler(credits *credit.Service, verifier SignatureVerifier, deduper EventDeduper, archive Archiver, cfg ReconcilerConfig) *Reconciler {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	return &Reconciler{
		credits:  credits,
		ledger:   credits.Ledger(),
		verifier: verifier,
		deduper:  deduper,
		archive:  archive,
		cfg:      cfg,
	}
}

// Handle verifies and processes one delivery. Errors other than
// ErrUnknownGateway and ErrInvalidSignature should be answered with 5xx so
// the gateway redelivers.
func (r *Reconciler) Handle(ctx context.Context, gateway string, headers http.Header, body []byte) (*Outcome, error) {
	if gateway != GatewayPayPal {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, gateway)
	}

	if r.cfg.WebhookID != "" {
		ok, err := r.verifier.VerifyWebhookSignature(ctx, headers, body, r.cfg.WebhookID)
		if err != nil {
			return nil, fmt.Errorf("%w: verify signature: %w", ErrGateway, err)
		}
		if !ok {
			log.Warn().
				Str("transmission_id", headers.Get(paypal.HeaderTransmissionID)).
				Msg("Webhook signature rejected")
			return nil, ErrInvalidSignature
		}
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil || evt.EventType == "" {
		log.Warn().Err(err).Int("size", len(body)).Msg("Unparsable webhook acknowledged")
		return &Outcome{Action: ActionIgnored, Warnings: []string{"unparsable event"}}, nil
	}

	r.store(ctx, gateway, &evt, body)

	key := eventKeyPrefix + evt.ID
	marked := false
	if r.deduper != nil && evt.ID != "" {
		first, err := r.deduper.MarkOnce(ctx, key, r.cfg.DedupeTTL)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("event_id", evt.ID).Msg("Webhook dedupe unavailable, processing anyway")
		case !first:
			log.Info().Str("event_id", evt.ID).Str("event_type", evt.EventType).Msg("Duplicate webhook delivery")
			return &Outcome{EventID: evt.ID, EventType: evt.EventType, Action: ActionDuplicate}, nil
		default:
			marked = true
		}
	}

	out, err := r.dispatch(ctx, &evt)
	if err != nil {
		if marked {
			if ferr := r.deduper.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				log.Warn().Err(ferr).Str("event_id", evt.ID).Msg("Failed to clear webhook dedupe mark")
			}
		}
		log.Error().Err(err).Str("event_id", evt.ID).Str("event_type", evt.EventType).Msg("Webhook processing failed")
		return nil, err
	}

	out.EventID, out.EventType = evt.ID, evt.EventType
	return out, nil
}

func (r *Reconciler) store(ctx context.Context, gateway string, evt *Event, body []byte) {
	if r.archive == nil {
		return
	}
	key, err := r.archive.Archive(ctx, gateway, evt.ID, body, r.credits.Now())
	if err != nil {
		log.Warn().Err(err).Str("event_id", evt.ID).Msg("Webhook archive failed")
		return
	}
	log.Debug().Str("event_id", evt.ID).Str("key", key).Msg("Webhook archived")
}

func (r *Reconciler) dispatch(ctx context.Context, evt *Event) (*Outcome, error) {
	switch evt.EventType {
	case EventCaptureCompleted:
		return r.onCaptureCompleted(ctx, evt)
	case EventCaptureDenied:
		return r.onCaptureDenied(ctx, evt)
	case EventCaptureRefunded:
		return r.onCaptureRefunded(ctx, evt)
	case EventOrderApproved, EventOrderCompleted:
		log.Info().Str("event_id", evt.ID).Str("event_type", evt.EventType).Msg("Order event received")
		return &Outcome{Action: ActionLogged}, nil
	default:
		log.Info().Str("event_id", evt.ID).Str("event_type", evt.EventType).Msg("Unhandled webhook event acknowledged")
		return &Outcome{Action: ActionIgnored}, nil
	}
}

func decodeResource(evt *Event) (*resource, error) {
	var res resource
	if len(evt.Resource) == 0 {
		return nil, errors.New("event without resource")
	}
	if err := json.Unmarshal(evt.Resource, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ignoredResource(evt *Event, err error) *Outcome {
	log.Warn().Err(err).Str("event_id", evt.ID).Str("event_type", evt.EventType).Msg("Webhook resource unreadable")
	return &Outcome{Action: ActionIgnored, Warnings: []string{"resource unreadable: " + err.Error()}}
}

// lotByOrder resolves the lot of a capture event. A nil lot with a nil
// error means the order is unknown here and the event is acknowledged.
func (r *Reconciler) lotByOrder(ctx context.Context, evt *Event, orderID string) (*credit.Lot, *Outcome, error) {
	if orderID == "" {
		log.Warn().Str("event_id", evt.ID).Msg("Capture event without related order id")
		return nil, &Outcome{Action: ActionLotNotFound, Warnings: []string{"no related order id"}}, nil
	}
	lot, err := r.ledger.FindByOrderID(ctx, orderID)
	if errors.Is(err, credit.ErrLotNotFound) {
		log.Warn().Str("event_id", evt.ID).Str("order_id", orderID).Msg("Webhook for unknown order acknowledged")
		return nil, &Outcome{Action: ActionLotNotFound}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return lot, nil, nil
}

func (r *Reconciler) onCaptureCompleted(ctx context.Context, evt *Event) (*Outcome, error) {
	res, err := decodeResource(evt)
	if err != nil {
		return ignoredResource(evt, err), nil
	}
	lot, out, err := r.lotByOrder(ctx, evt, res.SupplementaryData.RelatedIDs.OrderID)
	if lot == nil {
		return out, err
	}
	out = &Outcome{LotID: &lot.ID}

	switch lot.Status {
	case credit.StatusSuccess:
		out.Action = ActionDuplicate
		return out, nil
	case credit.StatusFailed, credit.StatusRefund:
		// Money arrived for a lot that can no longer be activated. Needs a manual refund.
		log.Error().
			Str("lot_id", lot.ID.String()).
			Str("user_id", lot.UserID.String()).
			Str("order_id", res.SupplementaryData.RelatedIDs.OrderID).
			Str("capture_id", res.ID).
			Str("status", string(lot.Status)).
			Str("capture_status", deref(lot.CaptureStatus, "")).
			Msg("Invariant violation: capture completed for a closed lot")
		out.Action = ActionInvariantViolation
		return out, nil
	}
	if deref(lot.CaptureStatus, "") == credit.CaptureStatusRefunded {
		// Refund notification overtook the completion. The payment is gone.
		log.Error().
			Str("lot_id", lot.ID.String()).
			Str("user_id", lot.UserID.String()).
			Str("order_id", res.SupplementaryData.RelatedIDs.OrderID).
			Str("capture_id", res.ID).
			Msg("Invariant violation: capture completed for a refunded payment")
		out.Action = ActionInvariantViolation
		return out, nil
	}

	result, err := r.credits.ActivateLot(ctx, credit.Activation{
		LotID:         lot.ID,
		UserID:        lot.UserID,
		Credits:       lot.CreditsAdded,
		ValidDays:     lot.ValidDays,
		CaptureID:     res.ID,
		CaptureStatus: credit.CaptureStatusCompleted,
	})
	if errors.Is(err, credit.ErrInvariantViolation) {
		log.Error().Err(err).Str("lot_id", lot.ID.String()).Str("capture_id", res.ID).Msg("Invariant violation on webhook activation")
		out.Action = ActionInvariantViolation
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	out.Warnings = result.Warnings
	if !result.Activated {
		out.Action = ActionDuplicate
		return out, nil
	}
	out.Action = ActionActivated
	return out, nil
}

func (r *Reconciler) onCaptureDenied(ctx context.Context, evt *Event) (*Outcome, error) {
	res, err := decodeResource(evt)
	if err != nil {
		return ignoredResource(evt, err), nil
	}
	lot, out, err := r.lotByOrder(ctx, evt, res.SupplementaryData.RelatedIDs.OrderID)
	if lot == nil {
		return out, err
	}
	out = &Outcome{LotID: &lot.ID}

	if lot.Status != credit.StatusPending {
		log.Warn().
			Str("lot_id", lot.ID.String()).
			Str("status", string(lot.Status)).
			Msg("Capture denied for a lot that is no longer pending")
		out.Action = ActionIgnored
		return out, nil
	}

	reason := res.StatusDetails.Reason
	if reason == "" {
		reason = "capture denied"
	}
	marked, err := r.ledger.MarkFailed(ctx, lot.ID, credit.CaptureStatusDenied, reason)
	if err != nil {
		return nil, err
	}
	if !marked {
		out.Action = ActionIgnored
		return out, nil
	}
	log.Info().
		Str("lot_id", lot.ID.String()).
		Str("user_id", lot.UserID.String()).
		Str("reason", reason).
		Msg("Credit lot failed, capture denied")
	out.Action = ActionFailed
	return out, nil
}

func (r *Reconciler) onCaptureRefunded(ctx context.Context, evt *Event) (*Outcome, error) {
	res, err := decodeResource(evt)
	if err != nil {
		return ignoredResource(evt, err), nil
	}

	captureID := res.SupplementaryData.RelatedIDs.CaptureID
	if href := paypal.FindLink(res.Links, "up"); href != "" {
		captureID = lastPathSegment(href)
	}

	var lot *credit.Lot
	if captureID != "" {
		lot, err = r.ledger.FindByCaptureID(ctx, captureID)
		if err != nil && !errors.Is(err, credit.ErrLotNotFound) {
			return nil, err
		}
	}
	if lot == nil {
		// Lots that were never activated carry no capture id.
		var out *Outcome
		lot, out, err = r.lotByOrder(ctx, evt, res.SupplementaryData.RelatedIDs.OrderID)
		if lot == nil {
			return out, err
		}
	}
	out := &Outcome{LotID: &lot.ID}

	result, err := r.credits.RefundLot(ctx, lot)
	if errors.Is(err, credit.ErrInvariantViolation) {
		log.Error().Err(err).
			Str("lot_id", lot.ID.String()).
			Str("capture_id", captureID).
			Msg("Invariant violation on refund")
		out.Action = ActionInvariantViolation
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	out.Warnings = result.Warnings
	if result.Refunded {
		out.Action = ActionRefunded
	} else {
		out.Action = ActionAnnotated
	}
	return out, nil
}

func lastPathSegment(href string) string {
	href = strings.TrimRight(href, "/")
	if i := strings.LastIndex(href, "/"); i >= 0 {
		return href[i+1:]
	}
	return href
}
