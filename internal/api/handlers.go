package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"material-market/internal/models"
	"material-market/internal/store"
	"material-market/internal/submit"
)

// Submitter accepts new orders.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (*models.Order, error)
}

// OrderReader is the read side of the order store.
type OrderReader interface {
	Get(ctx context.Context, material, sortKey string) (*models.Order, error)
	List(ctx context.Context, material string, side models.Side, limit int) ([]*models.Order, error)
}

// FillHistory returns a material's recent fills, newest first.
type FillHistory interface {
	RecentFills(ctx context.Context, material string, limit int64) ([]*models.Fill, error)
}

type Handler struct {
	submitter Submitter
	orders    OrderReader
	fills     FillHistory
	logger    *zap.Logger
}

func NewHandler(submitter Submitter, orders OrderReader, fills FillHistory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		submitter: submitter,
		orders:    orders,
		fills:     fills,
		logger:    logger,
	}
}

// PlaceOrder handles POST /api/orders.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req submit.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	order, err := h.submitter.Submit(c.Request.Context(), req)
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		AbortWithErrorDetails(c, http.StatusBadRequest, ErrCodeValidationFailed, "Validation failed",
			map[string]string{verr.Field: verr.Message})
		return
	case errors.Is(err, store.ErrConflict):
		AbortWithError(c, http.StatusConflict, ErrCodeConflict, "order already exists")
		return
	case err != nil:
		h.logger.Error("order submission failed", zap.Error(err))
		AbortWithError(c, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
		return
	}

	c.JSON(http.StatusCreated, order)
}

// GetOrder handles GET /api/materials/:material/orders/:orderKey, where
// orderKey is the order's sort key.
func (h *Handler) GetOrder(c *gin.Context) {
	material := c.Param("material")
	if err := models.ValidateMaterial(material); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	order, err := h.orders.Get(c.Request.Context(), material, c.Param("orderKey"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		AbortWithError(c, http.StatusNotFound, ErrCodeOrderNotFound, "order not found")
		return
	case err != nil:
		h.logger.Error("order lookup failed", zap.String("material", material), zap.Error(err))
		AbortWithError(c, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, order)
}

// GetOrderBook handles GET /api/materials/:material/book?depth=N. Each side
// lists up to depth resting orders in matching priority.
func (h *Handler) GetOrderBook(c *gin.Context) {
	material := c.Param("material")
	if err := models.ValidateMaterial(material); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	depth := queryLimit(c, "depth", 20, 100)

	bids, err := h.orders.List(c.Request.Context(), material, models.Buy, depth)
	if err == nil {
		var asks []*models.Order
		asks, err = h.orders.List(c.Request.Context(), material, models.Sell, depth)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{
				"material": material,
				"bids":     nonNil(bids),
				"asks":     nonNil(asks),
			})
			return
		}
	}
	h.logger.Error("book listing failed", zap.String("material", material), zap.Error(err))
	AbortWithError(c, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
}

// GetFills handles GET /api/materials/:material/fills?limit=N.
func (h *Handler) GetFills(c *gin.Context) {
	if h.fills == nil {
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "recent fills are not enabled")
		return
	}
	material := c.Param("material")
	if err := models.ValidateMaterial(material); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	fills, err := h.fills.RecentFills(c.Request.Context(), material, int64(queryLimit(c, "limit", 50, 100)))
	if err != nil {
		h.logger.Warn("recent fills unavailable", zap.String("material", material), zap.Error(err))
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "recent fills unavailable")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"material": material,
		"fills":    fills,
		"count":    len(fills),
	})
}

// queryLimit reads a positive integer query parameter, falling back to def
// when it is missing or invalid and capping it at ceiling.
func queryLimit(c *gin.Context, name string, def, ceiling int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceiling)
}

func nonNil(orders []*models.Order) []*models.Order {
	if orders == nil {
		return []*models.Order{}
	}
	return orders
}
