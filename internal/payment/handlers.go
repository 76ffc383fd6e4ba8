package payment

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/auth"
	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/logging"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/orders"
	"github.com/hireloop/payments/internal/validation"
)

// maxWebhookBody bounds the raw webhook body read before verification.
const maxWebhookBody = 1 << 20

// Handler provides HTTP endpoints for payments, refunds and top-ups.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/refunds", h.ListRefunds)
	r.GET("/payments/refunds/:id", h.GetRefund)
	r.GET("/payments/order/:orderId", h.ListOrderPayments)
	r.GET("/payments/order/:orderId/status", h.GetOrderPaymentStatus)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/wallet/topup/:id", h.GetTopUp)
}

// RegisterMutationRoutes sets up money-moving routes. Callers put these
// behind the rate limiter.
func (h *Handler) RegisterMutationRoutes(r *gin.RouterGroup) {
	r.POST("/payments/create-order", h.CreateOrder)
	r.POST("/payments/verify", h.Verify)
	r.POST("/payments/release/:orderId", h.Release)
	r.POST("/payments/refund", h.RequestRefund)
	r.POST("/wallet/topup", h.CreateTopUp)
	r.POST("/wallet/topup/verify", h.VerifyTopUp)
}

// RegisterWebhookRoutes sets up the gateway webhook. It must not require
// auth; the body signature authenticates the caller.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.Webhook)
}

// RegisterAdminRoutes sets up refund review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/refunds/:id/approve", h.ApproveRefund)
	r.POST("/refunds/:id/reject", h.RejectRefund)
	r.POST("/refunds/:id/process", h.ProcessRefund)
}

// RegisterInternalRoutes sets up the hooks the order subsystem calls.
// The group must require the system or admin role.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.PUT("/orders/:id", h.UpsertOrder)
	r.POST("/orders/:id/completed", h.OrderCompleted)
}

// CreateOrderRequest starts a checkout.
type CreateOrderRequest struct {
	OrderID       string `json:"orderId"`
	Amount        string `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
	WalletAmount  string `json:"walletAmount,omitempty"`
	GatewayAmount string `json:"gatewayAmount,omitempty"`
}

// VerifyPaymentRequest is the checkout widget callback.
type VerifyPaymentRequest struct {
	PaymentID        string `json:"paymentId"`
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	Signature        string `json:"signature"`
}

// RefundRequestBody asks for money back on an order.
type RefundRequestBody struct {
	OrderID string `json:"orderId"`
	Amount  string `json:"amount,omitempty"`
	Reason  string `json:"reason"`
	Type    string `json:"type"`
}

// ReviewRequest carries an administrator's note.
type ReviewRequest struct {
	Note string `json:"note"`
}

// TopUpRequest starts a wallet top-up.
type TopUpRequest struct {
	Amount string `json:"amount"`
}

// VerifyTopUpBody is the checkout widget callback for a top-up.
type VerifyTopUpBody struct {
	TopUpID          string `json:"topUpId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	Signature        string `json:"signature"`
}

// OrderBody is an order pushed by the order subsystem.
type OrderBody struct {
	JobID      string     `json:"jobId"`
	ClientID   string     `json:"clientId"`
	ProviderID string     `json:"providerId"`
	Amount     string     `json:"amount"`
	Status     string     `json:"status"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

// CompletedBody optionally carries the completion time.
type CompletedBody struct {
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// parseOptional parses an optional amount field. Empty means zero.
func parseOptional(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, ok := money.Parse(s)
	if !ok {
		return decimal.Zero, validation.Fail(field, "must be a valid amount")
	}
	return d, nil
}

// CreateOrder handles POST /v1/payments/create-order
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.PositiveAmount("amount", req.Amount),
	); err != nil {
		h.writeError(c, err)
		return
	}
	amount, _ := money.Parse(req.Amount)
	walletAmount, err := parseOptional("walletAmount", req.WalletAmount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	gatewayAmount, err := parseOptional("gatewayAmount", req.GatewayAmount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	res, err := h.service.CreatePaymentOrder(c.Request.Context(), CheckoutRequest{
		OrderID:       req.OrderID,
		UserID:        auth.UserID(c),
		Amount:        amount,
		Method:        Method(req.PaymentMethod),
		WalletAmount:  walletAmount,
		GatewayAmount: gatewayAmount,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Verify handles POST /v1/payments/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	p, err := h.service.VerifyPayment(c.Request.Context(), VerifyRequest{
		PaymentID:        req.PaymentID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
		UserID:           auth.UserID(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Release handles POST /v1/payments/release/:orderId
func (h *Handler) Release(c *gin.Context) {
	e, err := h.service.ReleasePayment(c.Request.Context(), c.Param("orderId"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RequestRefund handles POST /v1/payments/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	var req RefundRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	amount, err := parseOptional("amount", req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	r, err := h.service.RequestRefund(c.Request.Context(), RefundRequest{
		OrderID: req.OrderID,
		UserID:  auth.UserID(c),
		Amount:  amount,
		Reason:  req.Reason,
		Type:    RefundType(req.Type),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": r})
}

// CreateTopUp handles POST /v1/wallet/topup
func (h *Handler) CreateTopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := validation.Validate(validation.PositiveAmount("amount", req.Amount)); err != nil {
		h.writeError(c, err)
		return
	}
	amount, _ := money.Parse(req.Amount)
	res, err := h.service.CreateTopUp(c.Request.Context(), auth.UserID(c), amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// VerifyTopUp handles POST /v1/wallet/topup/verify
func (h *Handler) VerifyTopUp(c *gin.Context) {
	var req VerifyTopUpBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	t, err := h.service.VerifyTopUp(c.Request.Context(), VerifyTopUpRequest{
		TopUpID:          req.TopUpID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
		UserID:           auth.UserID(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topUp": t})
}

// GetTopUp handles GET /v1/wallet/topup/:id
func (h *Handler) GetTopUp(c *gin.Context) {
	t, err := h.service.GetTopUp(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topUp": t})
}

// Webhook handles POST /v1/payments/webhook
func (h *Handler) Webhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c)
		return
	}
	err = h.service.HandleWebhook(c.Request.Context(), raw,
		c.GetHeader(gateway.SignatureHeader), c.GetHeader(gateway.EventIDHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.Role(c) == auth.RoleAdmin)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListOrderPayments handles GET /v1/payments/order/:orderId
func (h *Handler) ListOrderPayments(c *gin.Context) {
	payments, err := h.service.ListByOrder(c.Request.Context(), c.Param("orderId"), auth.UserID(c), auth.Role(c) == auth.RoleAdmin)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if payments == nil {
		payments = []*Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// GetOrderPaymentStatus handles GET /v1/payments/order/:orderId/status
func (h *Handler) GetOrderPaymentStatus(c *gin.Context) {
	st, err := h.service.GetOrderPaymentStatus(c.Request.Context(), c.Param("orderId"), auth.UserID(c), auth.Role(c) == auth.RoleAdmin)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListRefunds handles GET /v1/payments/refunds?status=
//
// Administrators see every refund; other users see the ones they asked for.
func (h *Handler) ListRefunds(c *gin.Context) {
	f := RefundFilter{Status: RefundStatus(c.Query("status"))}
	if auth.Role(c) != auth.RoleAdmin {
		f.RequestedBy = auth.UserID(c)
	}
	refunds, err := h.service.ListRefunds(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// GetRefund handles GET /v1/payments/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	r, err := h.service.GetRefund(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.Role(c) == auth.RoleAdmin)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

func (h *Handler) review(c *gin.Context) (string, bool) {
	var req ReviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return "", false
		}
	}
	return req.Note, true
}

// ApproveRefund handles POST /v1/admin/refunds/:id/approve
func (h *Handler) ApproveRefund(c *gin.Context) {
	note, ok := h.review(c)
	if !ok {
		return
	}
	r, err := h.service.ApproveRefund(c.Request.Context(), c.Param("id"), auth.UserID(c), note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// RejectRefund handles POST /v1/admin/refunds/:id/reject
func (h *Handler) RejectRefund(c *gin.Context) {
	note, ok := h.review(c)
	if !ok {
		return
	}
	r, err := h.service.RejectRefund(c.Request.Context(), c.Param("id"), auth.UserID(c), note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// ProcessRefund handles POST /v1/admin/refunds/:id/process
func (h *Handler) ProcessRefund(c *gin.Context) {
	r, err := h.service.ProcessRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// UpsertOrder handles PUT /v1/internal/orders/:id
func (h *Handler) UpsertOrder(c *gin.Context) {
	var req OrderBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := validation.Validate(
		validation.Required("clientId", req.ClientID),
		validation.Required("providerId", req.ProviderID),
		validation.PositiveAmount("amount", req.Amount),
	); err != nil {
		h.writeError(c, err)
		return
	}
	amount, _ := money.Parse(req.Amount)
	status := orders.Status(req.Status)
	if status == "" {
		status = orders.StatusPending
	}
	o, err := h.service.UpsertOrder(c.Request.Context(), &orders.Order{
		ID:         c.Param("id"),
		JobID:      req.JobID,
		ClientID:   req.ClientID,
		ProviderID: req.ProviderID,
		Amount:     amount,
		Status:     status,
		Deadline:   req.Deadline,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// OrderCompleted handles POST /v1/internal/orders/:id/completed
func (h *Handler) OrderCompleted(c *gin.Context) {
	var req CompletedBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
	}
	var at time.Time
	if req.CompletedAt != nil {
		at = *req.CompletedAt
	}
	e, err := h.service.OrderCompleted(c.Request.Context(), c.Param("id"), at)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": c.Param("id"), "escrow": e})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
			"details": validation.Details(err),
		})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
	case errors.Is(err, ErrOrderNotCompleted), errors.Is(err, ErrRefundExceedsPayment),
		errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, orders.ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Insufficient wallet balance"})
	case errors.Is(err, ErrUnauthorized), errors.Is(err, escrow.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrRefundNotFound), errors.Is(err, ErrTopUpNotFound),
		errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrCaptureRefunded), errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrStaleStatus),
		errors.Is(err, escrow.ErrInvalidStatus), errors.Is(err, escrow.ErrDisputed):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, gateway.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": "Payment gateway unavailable, try again"})
	case errors.Is(err, gateway.ErrDeclined):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_declined", "message": "Payment gateway declined the request"})
	default:
		logging.L(c.Request.Context()).Error("payment request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}
