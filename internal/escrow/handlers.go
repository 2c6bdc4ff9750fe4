package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/notemarket/internal/validation"
)

// Handler provides HTTP endpoints for escrow.
type Handler struct {
	service  *Service
	releaser *Releaser
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, releaser *Releaser) *Handler {
	return &Handler{service: service, releaser: releaser}
}

// RegisterRoutes sets up the seller-facing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/:id/wallet", h.GetWallet)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/sales", h.RecordSale)
	r.GET("/escrow/transactions/:id", h.GetTransaction)
	r.POST("/escrow/release", h.Release)
}

// GetWallet handles GET /v1/sellers/:id/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidIdentifier(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid seller id"})
		return
	}
	w, err := h.service.Wallet(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sellerId":         w.SellerID,
		"pendingBalance":   w.PendingBalance.StringFixed(2),
		"availableBalance": w.AvailableBalance.StringFixed(2),
		"updatedAt":        w.UpdatedAt,
	})
}

type saleBody struct {
	ID              string `json:"id"`
	SellerID        string `json:"sellerId" binding:"required"`
	PaymentID       string `json:"paymentId"`
	Amount          string `json:"amount" binding:"required"`
	EscrowReleaseAt string `json:"escrowReleaseAt"` // RFC 3339, optional
}

// RecordSale handles POST /v1/admin/escrow/sales
func (h *Handler) RecordSale(c *gin.Context) {
	var body saleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sellerId and amount are required",
		})
		return
	}
	amount, verr := validation.ParseAmount("amount", body.Amount)
	if verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Field + ": " + verr.Message})
		return
	}
	sale := Sale{ID: body.ID, SellerID: body.SellerID, PaymentID: body.PaymentID, Amount: amount}
	if body.EscrowReleaseAt != "" {
		at, err := time.Parse(time.RFC3339, body.EscrowReleaseAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "escrowReleaseAt must be RFC 3339"})
			return
		}
		sale.EscrowReleaseAt = at.UTC()
	}

	txn, err := h.service.RecordSale(c.Request.Context(), sale)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/admin/escrow/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Transaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Release handles POST /v1/admin/escrow/release
func (h *Handler) Release(c *gin.Context) {
	sum, err := h.releaser.ReleaseMatured(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scanned":  sum.Scanned,
		"released": sum.Released,
		"skipped":  sum.Skipped,
		"failed":   sum.Failed,
		"amount":   sum.Amount.StringFixed(2),
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidSale):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.Is(err, ErrDuplicateTransaction):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
