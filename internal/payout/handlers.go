package payout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hireloop/payments/internal/auth"
	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/logging"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/pagination"
	"github.com/hireloop/payments/internal/validation"
)

// Handler provides HTTP endpoints for payouts and withdrawals.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a new payout handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes sets up provider and wallet-owner routes. The group
// must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts", h.ListPayouts)
	r.GET("/payouts/preferences", h.GetPreference)
	r.PUT("/payouts/preferences", h.SetPreference)
	r.GET("/wallet/withdrawals", h.ListWithdrawals)
	r.GET("/wallet/withdrawals/:id", h.GetWithdrawal)
}

// RegisterMutationRoutes sets up money-moving routes. Callers put these
// behind the rate limiter.
func (h *Handler) RegisterMutationRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up admin payout routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/failed", h.ListFailed)
	r.GET("/payouts/:id", h.AdminGetPayout)
	r.POST("/payouts/:id/retry", h.Retry)
}

// PreferenceRequest sets how a provider is paid.
type PreferenceRequest struct {
	Method      string              `json:"method"`
	Destination gateway.Destination `json:"destination"`
}

// WithdrawRequest moves wallet balance to a bank account or UPI id.
type WithdrawRequest struct {
	Amount      string              `json:"amount"`
	Method      string              `json:"method"`
	Destination gateway.Destination `json:"destination"`
}

// ListPayouts handles GET /v1/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	payouts, meta, err := h.dispatcher.ListByProvider(c.Request.Context(), auth.UserID(c), pagination.FromQuery(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "pagination": meta})
}

// GetPreference handles GET /v1/payouts/preferences
func (h *Handler) GetPreference(c *gin.Context) {
	pref, err := h.dispatcher.GetPreference(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preference": pref})
}

// SetPreference handles PUT /v1/payouts/preferences
func (h *Handler) SetPreference(c *gin.Context) {
	var req PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := validation.Validate(
		validation.OneOf("method", req.Method, string(MethodWallet), string(MethodBankTransfer), string(MethodUPI)),
	); err != nil {
		h.writeError(c, err)
		return
	}
	pref, err := h.dispatcher.SetPreference(c.Request.Context(), auth.UserID(c), Method(req.Method), req.Destination)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preference": pref})
}

// Withdraw handles POST /v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.OneOf("method", req.Method, string(MethodBankTransfer), string(MethodUPI)),
	); err != nil {
		h.writeError(c, err)
		return
	}
	amount, _ := money.Parse(req.Amount)

	w, err := h.dispatcher.RequestWithdrawal(c.Request.Context(), auth.UserID(c), amount, Method(req.Method), req.Destination)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"withdrawal": w})
}

// ListWithdrawals handles GET /v1/wallet/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	ws, meta, err := h.dispatcher.ListWithdrawals(c.Request.Context(), auth.UserID(c), pagination.FromQuery(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws, "pagination": meta})
}

// GetWithdrawal handles GET /v1/wallet/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	w, err := h.dispatcher.GetWithdrawal(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ListFailed handles GET /v1/admin/payouts/failed
func (h *Handler) ListFailed(c *gin.Context) {
	payouts, err := h.dispatcher.ListFailed(c.Request.Context(), pagination.FromQuery(c).Limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// AdminGetPayout handles GET /v1/admin/payouts/:id
func (h *Handler) AdminGetPayout(c *gin.Context) {
	p, err := h.dispatcher.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// Retry handles POST /v1/admin/payouts/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	p, err := h.dispatcher.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"payout": p})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
			"details": validation.Details(err),
		})
	case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrInvalidMethod), errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Insufficient wallet balance"})
	case errors.Is(err, ErrPayoutNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payout not found"})
	case errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Withdrawal not found"})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrStaleStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, gateway.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": "Payment gateway unavailable, try again"})
	default:
		logging.L(c.Request.Context()).Error("payout request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}
