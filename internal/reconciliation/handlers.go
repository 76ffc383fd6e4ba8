package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hireloop/payments/internal/logging"
)

// Handler serves the admin reconciliation endpoints.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetLast)
	r.POST("/reconciliation/run", h.RunNow)
}

// GetLast handles GET /v1/admin/reconciliation
func (h *Handler) GetLast(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// RunNow handles POST /v1/admin/reconciliation/run
func (h *Handler) RunNow(c *gin.Context) {
	report, err := h.runner.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
