package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voxreseller/internal/billinggw"
)

// Handler exposes the webhook endpoints.
type Handler struct {
	platform *Dispatcher
	connect  *Dispatcher
}

// NewHandler creates a new webhook handler.
func NewHandler(platform, connect *Dispatcher) *Handler {
	return &Handler{platform: platform, connect: connect}
}

// RegisterRoutes sets up the webhook routes. They authenticate by
// signature, not by API credentials.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe/platform", h.serve(h.platform))
	r.POST("/webhooks/stripe/connect", h.serve(h.connect))
}

func (h *Handler) serve(d *Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "payload_too_large",
					"message": "Webhook payload exceeds 1 MiB",
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Failed to read request body",
			})
			return
		}

		outcome, err := d.Dispatch(c.Request.Context(), payload, c.GetHeader(billinggw.SignatureHeader))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
		case errors.Is(err, ErrNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "not_configured",
				"message": "Webhook endpoint is not configured",
			})
		case errors.Is(err, ErrSignatureInvalid):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "processing_failed",
				"message": "Webhook could not be processed",
			})
		}
	}
}
