package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/rift/internal/apperrors"
)

// Handler exposes read-only wallet endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/:sellerId/wallet", h.GetWallet)
	r.GET("/transactions/:id/ledger", h.ListTransactionEntries)
}

// GetWallet handles GET /v1/sellers/:sellerId/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	sellerID := c.Param("sellerId")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	bal, err := h.service.Balance(c.Request.Context(), sellerID)
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
		return
	}
	history, err := h.service.History(c.Request.Context(), sellerID, limit)
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "entries": history})
}

// ListTransactionEntries handles GET /v1/transactions/:id/ledger
func (h *Handler) ListTransactionEntries(c *gin.Context) {
	entries, err := h.service.EntriesForTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
