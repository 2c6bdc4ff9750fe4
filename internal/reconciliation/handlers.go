package reconciliation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 30
	maxListLimit     = 366
)

// Handler provides operator endpoints for reconciliation.
type Handler struct {
	auditor *Auditor
}

// NewHandler creates a new reconciliation handler.
func NewHandler(auditor *Auditor) *Handler {
	return &Handler{auditor: auditor}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
	r.GET("/reconciliation", h.List)
	r.GET("/reconciliation/:date", h.Get)
}

type runBody struct {
	Date string `json:"date" binding:"required"`
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	var body runBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "date is required (YYYY-MM-DD)",
		})
		return
	}

	res, err := h.auditor.ReconcileDate(c.Request.Context(), body.Date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// List handles GET /v1/admin/reconciliation
func (h *Handler) List(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxListLimit {
			limit = n
		}
	}

	records, err := h.auditor.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// Get handles GET /v1/admin/reconciliation/:date
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.auditor.Get(c.Request.Context(), c.Param("date"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidDate):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date", "message": err.Error()})
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation for that date"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
	}
}
