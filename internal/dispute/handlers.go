package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/rift/internal/apperrors"
)

// Handler exposes dispute and restriction endpoints for support tooling.
type Handler struct {
	service *Service
}

// NewHandler creates a dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/disputes", h.ListDisputes)
	r.GET("/disputes/:disputeId", h.GetDispute)
	r.GET("/users/:userId/restrictions", h.ListRestrictions)
}

// RegisterReviewRoutes sets up manual-review routes.
func (h *Handler) RegisterReviewRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/restrictions/lift", h.LiftRestriction)
}

// ListDisputes handles GET /v1/transactions/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.ListForTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetDispute handles GET /v1/disputes/:disputeId
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("disputeId"))
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListRestrictions handles GET /v1/users/:userId/restrictions
func (h *Handler) ListRestrictions(c *gin.Context) {
	rs, err := h.service.Restrictions(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"restrictions": rs, "count": len(rs)})
}

type liftRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
}

// LiftRestriction handles POST /v1/users/:userId/restrictions/lift
func (h *Handler) LiftRestriction(c *gin.Context) {
	var req liftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reviewer is required",
		})
		return
	}
	n, err := h.service.LiftRestriction(c.Request.Context(), c.Param("userId"), req.Reviewer)
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"lifted": n})
}
