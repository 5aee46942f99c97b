package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/money"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/events", h.ListEvents)
	r.GET("/transactions/:id/refunds", h.ListRefunds)
	r.GET("/transactions/:id/releases", h.ListReleases)
	r.GET("/transactions/:id/refund-eligibility", h.RefundEligibility)
	r.GET("/users/:userId/transactions", h.ListTransactions)
}

// RegisterProtectedRoutes sets up mutating transaction routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.POST("/transactions/:id/payment", h.StartPayment)
	r.POST("/transactions/:id/payment/sync", h.SyncPayment)
	r.POST("/transactions/:id/advance", h.Advance)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/transactions/:id/release", h.Release)
	r.POST("/transactions/:id/milestones/:index/release", h.ReleaseMilestone)
	r.POST("/transactions/:id/refund", h.Refund)
}

// AdvanceRequest names the delivery state to move to.
type AdvanceRequest struct {
	Status Status `json:"status" binding:"required"`
}

// RefundRequest optionally names a partial amount.
type RefundRequest struct {
	Amount string `json:"amount"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	t, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ListTransactions handles GET /v1/users/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	txs, err := h.service.ListForUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// ListEvents handles GET /v1/transactions/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ListRefunds handles GET /v1/transactions/:id/refunds
func (h *Handler) ListRefunds(c *gin.Context) {
	refunds, err := h.service.Refunds(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// ListReleases handles GET /v1/transactions/:id/releases
func (h *Handler) ListReleases(c *gin.Context) {
	rows, err := h.service.Releases(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"releases": rows, "count": len(rows)})
}

// RefundEligibility handles GET /v1/transactions/:id/refund-eligibility
func (h *Handler) RefundEligibility(c *gin.Context) {
	e, err := h.service.RefundEligibility(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligibility": e})
}

// StartPayment handles POST /v1/transactions/:id/payment
func (h *Handler) StartPayment(c *gin.Context) {
	start, err := h.service.StartPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, start)
}

// SyncPayment handles POST /v1/transactions/:id/payment/sync
func (h *Handler) SyncPayment(c *gin.Context) {
	t, err := h.service.SyncPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Advance handles POST /v1/transactions/:id/advance
func (h *Handler) Advance(c *gin.Context) {
	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}
	t, err := h.service.Advance(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Release handles POST /v1/transactions/:id/release
func (h *Handler) Release(c *gin.Context) {
	res, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReleaseMilestone handles POST /v1/transactions/:id/milestones/:index/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		badRequest(c, "milestone index must be a non-negative integer")
		return
	}
	res, err := h.service.ReleaseMilestone(c.Request.Context(), c.Param("id"), index)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if res.InFlight {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// Refund handles POST /v1/transactions/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}
	var amount *decimal.Decimal
	if req.Amount != "" {
		amt, ok := money.Parse(req.Amount)
		if !ok {
			respondError(c, apperrors.Validation(apperrors.ReasonInvalidAmount, "invalid refund amount %q", req.Amount))
			return
		}
		amount = &amt
	}
	res, err := h.service.Refund(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"reason":  apperrors.ReasonInvalidRequest,
		"message": message,
	})
}

// respondError renders err with its reason. Sentinels that escaped
// classification are mapped here.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, ErrTransactionNotFound) && apperrors.KindOf(err) == "" {
		err = apperrors.Wrap(apperrors.KindNotFound, apperrors.ReasonNotFound, "transaction not found", err)
	}
	if errors.Is(err, ErrAlreadyProcessed) && apperrors.KindOf(err) == "" {
		err = apperrors.Wrap(apperrors.KindValidation, apperrors.ReasonInvalidState, err.Error(), err)
	}
	c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
}
