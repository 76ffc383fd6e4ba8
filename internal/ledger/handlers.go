package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hireloop/payments/internal/auth"
	"github.com/hireloop/payments/internal/logging"
	"github.com/hireloop/payments/internal/pagination"
)

// Handler serves wallet read endpoints.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up wallet routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.GET("/wallet/transactions/:id", h.GetTransaction)
	r.GET("/wallet/stats", h.GetStats)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId/verify", h.Verify)
}

// GetWallet handles GET /wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.internalError(c, "get wallet", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /wallet/transactions?page=&limit=&type=&category=&status=
func (h *Handler) ListTransactions(c *gin.Context) {
	f := Filter{
		Type:     Type(c.Query("type")),
		Category: Category(c.Query("category")),
		Status:   Status(c.Query("status")),
		Page:     pagination.FromQuery(c),
	}
	if f.Type != "" && f.Type != TypeCredit && f.Type != TypeDebit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "type must be credit or debit"})
		return
	}
	if f.Category != "" && !f.Category.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "unknown category"})
		return
	}

	txns, meta, err := h.ledger.History(c.Request.Context(), auth.UserID(c), f)
	if err != nil {
		h.internalError(c, "list transactions", err)
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "pagination": meta})
}

// GetTransaction handles GET /wallet/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.ledger.GetTransaction(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if errors.Is(err, ErrTransactionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get transaction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// GetStats handles GET /wallet/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.internalError(c, "wallet stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Verify handles GET /admin/wallets/:userId/verify
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.ledger.Verify(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.internalError(c, "verify wallet", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
}
