package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hireloop/payments/internal/auth"
	"github.com/hireloop/payments/internal/logging"
	"github.com/hireloop/payments/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes for order parties. The group must
// require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/escrow/:orderId", h.GetEscrow)
	r.POST("/payments/escrow/:orderId/dispute", h.DisputeEscrow)
}

// RegisterAdminRoutes sets up admin escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.AdminGetEscrow)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/release", h.AdminRelease)
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest records an administrator's dispute resolution.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// GetEscrow handles GET /v1/payments/escrow/:orderId
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.GetByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !escrow.IsParty(auth.UserID(c)) && auth.Role(c) != auth.RoleAdmin {
		h.writeError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/payments/escrow/:orderId/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	escrow, err := h.service.GetByOrder(ctx, c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	escrow, err = h.service.Dispute(ctx, escrow.ID, auth.UserID(c), validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// AdminGetEscrow handles GET /v1/admin/escrows/:id
func (h *Handler) AdminGetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveDispute handles POST /v1/admin/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := validation.Validate(
		validation.Required("resolution", req.Resolution),
		validation.MaxLength("resolution", req.Resolution, validation.MaxReasonLength),
	); err != nil {
		h.writeError(c, err)
		return
	}

	escrow, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Resolution)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// AdminRelease handles POST /v1/admin/escrows/:id/release
func (h *Handler) AdminRelease(c *gin.Context) {
	escrow, released, err := h.service.Release(c.Request.Context(), c.Param("id"), ReleasedByAdmin)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow, "released": released})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
			"details": validation.Details(err),
		})
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not a party to this escrow"})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrDisputed):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}
