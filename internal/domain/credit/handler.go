package credit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/inkgen/inkgen-api/internal/domain/user"
	"github.com/inkgen/inkgen-api/internal/middleware"
	"github.com/inkgen/inkgen-api/internal/pkg/errorhandler"
	"github.com/inkgen/inkgen-api/internal/pkg/logger"
	"github.com/inkgen/inkgen-api/internal/pkg/response"
	"github.com/inkgen/inkgen-api/internal/pkg/validator"
)

// Handler handles credit HTTP requests
type Handler struct {
	service    *Service
	windowDays int
}

// NewHandler creates credit handler. windowDays is the default near-expiry
// window reported by the summary.
func NewHandler(service *Service, windowDays int) *Handler {
	if windowDays <= 0 {
		windowDays = 3
	}
	return &Handler{service: service, windowDays: windowDays}
}

// GetSummary handles GET /payment/credits
// @Summary Credit balance summary
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Param days query int false "Near-expiry window in days"
// @Success 200 {object} response.Response{data=Summary}
// @Failure 401 {object} response.Response
// @Router /payment/credits [get]
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	days := h.windowDays
	if d := r.URL.Query().Get("days"); d != "" {
		if v, err := strconv.Atoi(d); err == nil && v > 0 && v <= 365 {
			days = v
		}
	}

	summary, err := h.service.GetSummary(r.Context(), userID, days)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load credits", err)
		return
	}
	response.OK(w, summary)
}

// CheckBalance handles GET /payment/credits/check?required=N
// The answer is a preflight hint only; a later spend may still fail.
// @Summary Check whether the balance covers an amount
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Param required query int true "Credits required"
// @Success 200 {object} response.Response{data=BalanceResponse}
// @Router /payment/credits/check [get]
func (h *Handler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	required, err := strconv.Atoi(r.URL.Query().Get("required"))
	if err != nil || required <= 0 {
		response.BadRequest(w, "required must be a positive integer")
		return
	}

	res, err := h.service.ValidateSufficientCredits(r.Context(), userID, required)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, BalanceResponse{Sufficiency: *res, Required: required})
}

// Spend handles POST /payment/credits/spend
// @Summary Spend credits
// @Tags Credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SpendRequest true "Amount and reason"
// @Success 200 {object} response.Response{data=DeductionResult}
// @Failure 409 {object} response.Response
// @Failure 422 {object} response.Response
// @Router /payment/credits/spend [post]
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req SpendRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	res, err := h.service.DeductCredits(r.Context(), userID, req.Amount, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, res)
}

// ListUsage handles GET /payment/credits/usage
// @Summary Credit usage history
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Response{data=[]UsageLogEntry}
// @Router /payment/credits/usage [get]
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := Pagination(r)

	entries, err := h.service.ListUsage(r.Context(), userID, limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.WithMeta(w, entries, limit, offset, len(entries))
}

// GrantCredits handles POST /admin/credits/grant
// @Summary Grant system credits to a user
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body GrantRequest true "Grant"
// @Success 201 {object} response.Response{data=Lot}
// @Failure 403 {object} response.Response
// @Failure 422 {object} response.Response
// @Router /admin/credits/grant [post]
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}

	lot, err := h.service.GrantCredits(r.Context(), userID, req.Credits, req.ValidDays, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info().
		Str("admin_id", middleware.GetUserID(r.Context()).String()).
		Str("user_id", userID.String()).
		Int("credits", req.Credits).
		Msg("Admin granted credits")
	response.Created(w, lot)
}

// ListExpiring handles GET /admin/credits/expiring
// @Summary Lots expiring within a window
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param days query int false "Window in days"
// @Param limit query int false "Max lots (default 20, max 100)"
// @Success 200 {object} response.Response{data=[]ExpiringLot}
// @Router /admin/credits/expiring [get]
func (h *Handler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := h.windowDays
	if d := r.URL.Query().Get("days"); d != "" {
		if v, err := strconv.Atoi(d); err == nil && v > 0 && v <= 365 {
			days = v
		}
	}
	limit, _ := Pagination(r)

	lots, err := h.service.GetCreditsExpiringWithinDays(r.Context(), days, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, lots)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		response.Conflict(w, "INSUFFICIENT_CREDITS", "Not enough credits")
	case errors.Is(err, ErrInvalidAmount):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_AMOUNT", "Amount must be positive")
	case errors.Is(err, ErrInvalidValidity):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_VALIDITY", "Validity must not be negative")
	case errors.Is(err, ErrLotNotFound):
		response.NotFound(w, "Credit lot not found")
	case errors.Is(err, user.ErrUserNotFound):
		response.NotFound(w, "User not found")
	case errors.Is(err, ErrInvariantViolation):
		errorhandler.HandleError(r.Context(), w, http.StatusConflict, "LEDGER_CONFLICT", "Ledger state conflict", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", err)
	}
}

// Routes returns the user-facing credit router, mounted under /payment/credits.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", h.GetSummary)
		r.Get("/check", h.CheckBalance)
		r.Get("/usage", h.ListUsage)
		r.Post("/spend", h.Spend)
	})

	return r
}

// AdminRoutes returns the admin credit router. The caller applies the role gate.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/grant", h.GrantCredits)
	r.Get("/expiring", h.ListExpiring)
	return r
}

// Pagination reads limit/offset query params (default 20, max 100).
func Pagination(r *http.Request) (int, int) {
	limit := 20
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
