package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/inkgen/inkgen-api/internal/domain/credit"
	"github.com/inkgen/inkgen-api/internal/middleware"
	"github.com/inkgen/inkgen-api/internal/pkg/errorhandler"
	"github.com/inkgen/inkgen-api/internal/pkg/logger"
	"github.com/inkgen/inkgen-api/internal/pkg/response"
	"github.com/inkgen/inkgen-api/internal/pkg/validator"
)

const maxWebhookBody = 1 << 20

// Handler handles payment HTTP requests
type Handler struct {
	orders     *OrderService
	reconciler *Reconciler
}

// NewHandler creates payment handler
func NewHandler(orders *OrderService, reconciler *Reconciler) *Handler {
	return &Handler{orders: orders, reconciler: reconciler}
}

// ListPlans handles GET /payment/plans
// @Summary List purchasable credit plans
// @Tags Payment
// @Produce json
// @Success 200 {object} response.Response{data=[]Plan}
// @Router /payment/plans [get]
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.orders.Plans())
}

// CreateOrder handles POST /payment/order
// @Summary Create a gateway order for a plan
// @Tags Payment
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateOrderRequest true "Plan and method"
// @Success 201 {object} response.Response{data=CreateOrderResponse}
// @Failure 422 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /payment/order [post]
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateOrderRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	ctx := validator.WithPlanCodes(r.Context(), h.orders.PlanCodes()...)
	if errs := validator.ValidateCtx(ctx, &req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	res, err := h.orders.CreateOrder(r.Context(), userID, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.Created(w, res)
}

// CaptureOrder handles POST /payment/capture/{orderId}
// @Summary Capture an approved order
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Gateway order ID"
// @Success 200 {object} response.Response{data=CaptureResult}
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /payment/capture/{orderId} [post]
func (h *Handler) CaptureOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		response.BadRequest(w, "orderId is required")
		return
	}

	res, err := h.orders.CaptureOrder(r.Context(), userID, orderID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, res)
}

// ListOrders handles GET /payment/orders
// @Summary List the caller's credit lots
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Response{data=[]credit.Lot}
// @Router /payment/orders [get]
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := credit.Pagination(r)

	lots, err := h.orders.ListOrders(r.Context(), userID, limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.WithMeta(w, lots, limit, offset, len(lots))
}

// RefundOrder handles POST /admin/payment/refund/{orderId}
// @Summary Refund a captured order at the gateway
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Gateway order ID"
// @Param request body RefundRequest false "Partial amount"
// @Success 202 {object} response.Response{data=RefundResponse}
// @Failure 409 {object} response.Response
// @Router /admin/payment/refund/{orderId} [post]
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	var req RefundRequest
	if r.ContentLength != 0 {
		if err := response.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	var amount *decimal.Decimal
	if req.Amount != "" {
		d, err := decimal.NewFromString(req.Amount)
		if err != nil {
			response.ValidationError(w, map[string]string{"amount": "must be a decimal amount"})
			return
		}
		amount = &d
	}

	res, err := h.orders.RefundOrder(r.Context(), orderID, amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info().
		Str("admin_id", middleware.GetUserID(r.Context()).String()).
		Str("order_id", orderID).
		Str("refund_id", res.RefundID).
		Msg("Admin refund requested")
	response.Accepted(w, res)
}

// Webhook handles POST /webhooks/{gateway}
// Anything but a 2xx makes the gateway redeliver, so only failures worth
// retrying answer 5xx.
// @Summary Payment gateway webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param gateway path string true "Gateway name"
// @Success 200 {object} response.Response{data=Outcome}
// @Failure 401 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /webhooks/{gateway} [post]
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	gateway := chi.URLParam(r, "gateway")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "Failed to read body")
		return
	}

	out, err := h.reconciler.Handle(r.Context(), gateway, r.Header, body)
	switch {
	case err == nil:
		response.OK(w, out)
	case errors.Is(err, ErrUnknownGateway):
		response.NotFound(w, "Unknown gateway")
	case errors.Is(err, ErrInvalidSignature):
		response.Unauthorized(w, "Invalid webhook signature")
	default:
		h.handleError(w, r, err)
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnknownPlan):
		response.Error(w, http.StatusUnprocessableEntity, "UNKNOWN_PLAN", "Unknown plan code")
	case errors.Is(err, ErrInvalidMethod):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_METHOD", "Unsupported payment method")
	case errors.Is(err, ErrInvalidRefundAmount):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_REFUND_AMOUNT", "Refund amount must be positive and at most the price paid")
	case errors.Is(err, ErrOrderNotFound):
		response.NotFound(w, "Order not found")
	case errors.Is(err, ErrNotOrderOwner):
		response.Forbidden(w, "Order belongs to another user")
	case errors.Is(err, ErrNotRefundable):
		response.Conflict(w, "NOT_REFUNDABLE", "Order is not refundable")
	case errors.Is(err, credit.ErrInvariantViolation):
		errorhandler.HandleError(r.Context(), w, http.StatusConflict, "LEDGER_CONFLICT", "Ledger state conflict", err)
	case errors.Is(err, ErrGateway):
		errorhandler.HandleError(r.Context(), w, http.StatusBadGateway, "GATEWAY_ERROR", "Payment provider unavailable", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", err)
	}
}

// Routes returns the payment router, mounted under /payment.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/plans", h.ListPlans)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/order", h.CreateOrder)
		r.Post("/capture/{orderId}", h.CaptureOrder)
		r.Get("/orders", h.ListOrders)
	})

	return r
}

// AdminRoutes returns the admin payment router. The caller applies the role gate.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/refund/{orderId}", h.RefundOrder)
	return r
}

// WebhookRoutes returns the public webhook router, mounted under /webhooks.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{gateway}", h.Webhook)
	return r
}
