package commission

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voxreseller/internal/pagination"
	"github.com/mbd888/voxreseller/internal/tenant"
)

// Handler provides admin endpoints for the commission ledger.
type Handler struct {
	store   Store
	payouts *PayoutService
}

// NewHandler creates a new commission handler.
func NewHandler(store Store, payouts *PayoutService) *Handler {
	return &Handler{store: store, payouts: payouts}
}

// RegisterAdminRoutes sets up ledger routes (admin secret auth).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/agencies/:id/commissions", h.ListCommissions)
	r.POST("/agencies/:id/payout", h.Payout)
}

// ListCommissions handles GET /v1/admin/agencies/:id/commissions
func (h *Handler) ListCommissions(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	entries, err := h.store.ListByReferrer(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list commissions",
		})
		return
	}

	entries, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if entries == nil {
		entries = []*Entry{}
	}
	resp := gin.H{"commissions": entries, "count": len(entries), "hasMore": hasMore}
	if hasMore {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Payout handles POST /v1/admin/agencies/:id/payout
func (h *Handler) Payout(c *gin.Context) {
	result, err := h.payouts.Payout(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrAgencyNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agency not found",
			})
		case errors.Is(err, ErrNoPayoutDestination):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "no_payout_destination",
				"message": "Agency has no connected account with payouts enabled",
			})
		case errors.Is(err, ErrBelowMinimum):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "below_minimum",
				"message": "Pending commission is below the payout minimum",
			})
		case errors.Is(err, ErrPayoutConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "payout_conflict",
				"message": "Pending commissions changed during payout, retry",
			})
		case errors.Is(err, ErrTransferFailed):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "transfer_failed",
				"message": "Transfer to the connected account failed",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Payout failed",
			})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}
