package reservation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/notemarket/internal/paygateway"
	"github.com/mbd888/notemarket/internal/validation"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// retryAfterSeconds is sent with 503 responses.
const retryAfterSeconds = "2"

// Handler provides HTTP endpoints for reservations.
type Handler struct {
	manager   *Manager
	processor *Processor
	janitor   *Janitor
}

// NewHandler creates a new reservation handler.
func NewHandler(manager *Manager, processor *Processor, janitor *Janitor) *Handler {
	return &Handler{manager: manager, processor: processor, janitor: janitor}
}

// RegisterRoutes sets up the payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/reserve", h.Reserve)
	r.POST("/payments/:id/order", validation.UUIDParamMiddleware("id"), h.CreateOrder)
	r.GET("/payments/:id", validation.UUIDParamMiddleware("id"), h.GetPayment)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reservations/sweep", h.Sweep)
}

type reserveBody struct {
	IdempotencyKey string   `json:"idempotencyKey"`
	PayerID        string   `json:"payerId"`
	ItemIDs        []string `json:"itemIds"`
}

// Reserve handles POST /v1/payments/reserve
func (h *Handler) Reserve(c *gin.Context) {
	var body reserveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	key := c.GetHeader(IdempotencyHeader)
	if key == "" {
		key = body.IdempotencyKey
	}

	res, err := h.manager.Reserve(c.Request.Context(), ReserveRequest{
		IdempotencyKey: key,
		PayerID:        body.PayerID,
		ItemIDs:        body.ItemIDs,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if res.Reserved {
		c.JSON(http.StatusCreated, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type orderBody struct {
	Amount string `json:"amount" binding:"required"`
}

// CreateOrder handles POST /v1/payments/:id/order
func (h *Handler) CreateOrder(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	amount, verr := validation.ParseAmount("amount", body.Amount)
	if verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Field + ": " + verr.Message,
		})
		return
	}

	res, err := h.processor.Process(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"paymentId":      res.PaymentID,
		"gatewayOrderId": res.GatewayOrderID,
		"amount":         res.Amount.StringFixed(2),
		"status":         res.Status,
	})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	r, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": r})
}

// Sweep handles POST /v1/admin/reservations/sweep
func (h *Handler) Sweep(c *gin.Context) {
	n, err := h.janitor.SweepExpired(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

func writeError(c *gin.Context, err error) {
	var stateErr *StateError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrReservationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment not found"})
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
			"status":  stateErr.Current,
		})
	case paygateway.IsInvalidRequest(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "gateway_rejected", "message": err.Error()})
	case errors.Is(err, ErrLockUnavailable), paygateway.IsTransient(err):
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Temporarily unavailable, retry later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
