package webhooks

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/rift/internal/apperrors"
)

// maxPayloadBytes caps a webhook body.
const maxPayloadBytes = 65536

// Handler receives gateway webhook deliveries.
type Handler struct {
	processor  *Processor
	deliveries DeliveryStore
}

// NewHandler creates a new webhook handler.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor, deliveries: processor.deliveries}
}

// RegisterRoutes sets up the public delivery endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// RegisterAdminRoutes sets up delivery audit lookups.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks/deliveries/:eventId", h.GetDelivery)
}

// Receive handles POST /webhooks/stripe
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil || len(payload) > maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "invalid_request",
			"reason":  apperrors.ReasonInvalidRequest,
			"message": "payload unreadable or too large",
		})
		return
	}

	res, err := h.processor.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": res})
}

// GetDelivery handles GET /v1/webhooks/deliveries/:eventId
func (h *Handler) GetDelivery(c *gin.Context) {
	d, err := h.deliveries.Get(c.Request.Context(), c.Param("eventId"))
	if err == ErrDeliveryNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"reason":  apperrors.ReasonNotFound,
			"message": "delivery not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load delivery"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}
