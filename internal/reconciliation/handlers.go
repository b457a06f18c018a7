package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voxreseller/internal/logging"
)

// Handler exposes on-demand reconciliation runs.
type Handler struct {
	sweeper *TrialSweeper
	sync    *ResourceSync
}

// NewHandler creates a new reconciliation handler.
func NewHandler(sweeper *TrialSweeper, sync *ResourceSync) *Handler {
	return &Handler{sweeper: sweeper, sync: sync}
}

// RegisterAdminRoutes sets up the reconciliation routes. Callers mount
// them behind admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/trials", h.RunTrialSweep)
	r.POST("/reconciliation/resources", h.RunResourceSync)
}

// RunTrialSweep handles POST /reconciliation/trials
func (h *Handler) RunTrialSweep(c *gin.Context) {
	summary, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("trial sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Trial sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RunResourceSync handles POST /reconciliation/resources
func (h *Handler) RunResourceSync(c *gin.Context) {
	summary, err := h.sync.RunOnce(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("resource sync failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sync_failed",
			"message": "Resource sync failed",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}
