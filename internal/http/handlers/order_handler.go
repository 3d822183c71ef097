// Order HTTP handlers.
//
// This file exposes REST endpoints for order resources:
//   - POST   /orders        (create; the write a ledger replays)
//   - GET    /orders        (list, paginated, ETag support)
//   - GET    /orders/{id}   (fetch)
//
// Handlers are transport-thin: they validate input, call the service, and
// translate results into HTTP responses. Exactly-once semantics for POST come
// from the idempotency middleware in front of them.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/repo"
	"github.com/tbourn/request-ledger/internal/services"
	"github.com/tbourn/request-ledger/internal/utils"
)

// OrderService defines order operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type OrderService interface {
	Create(ctx context.Context, item string, quantity int, note string) (*domain.Order, error)
	Get(ctx context.Context, id string) (*domain.Order, error)
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Order, int64, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger func(ctx context.Context) error

// Handlers groups the backend's HTTP endpoints.
type Handlers struct {
	orderSvc OrderService
	ping     Pinger
}

// New constructs Handlers. ping may be nil, in which case /health always
// reports ok.
func New(orderSvc OrderService, ping Pinger) *Handlers {
	return &Handlers{orderSvc: orderSvc, ping: ping}
}

//
// DTOs
//

// CreateOrderRequest is the JSON payload for creating an order.
type CreateOrderRequest struct {
	Item     string `json:"item" binding:"required" example:"widget"`
	Quantity int    `json:"quantity" example:"2"`
	Note     string `json:"note" example:"leave at the door"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListOrdersResponse wraps a page of orders and pagination information.
type ListOrdersResponse struct {
	Orders     []domain.Order `json:"orders"`
	Pagination Pagination     `json:"pagination"`
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

//
// Handlers
//

// CreateOrder godoc
// @ID          createOrder
// @Summary     Create an order
// @Description Creates an order. Send X-Idempotency-Key to make retries safe: repeats return the first response with Idempotency-Replayed: true.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-Idempotency-Key  header  string  false  "Idempotency key"  example(order-7f1c)
// @Param       body               body    handlers.CreateOrderRequest  true  "Order payload"
//
// @Success     201  {object}  domain.Order
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     422  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders [post]
func (h *Handlers) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	o, err := h.orderSvc.Create(c.Request.Context(), req.Item, req.Quantity, req.Note)
	switch {
	case errors.Is(err, services.ErrEmptyItem), errors.Is(err, services.ErrItemTooLong):
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidItem, err.Error())
		return
	case errors.Is(err, services.ErrInvalidQuantity):
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidQuantity, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	c.Header("Location", c.FullPath()+"/"+o.ID)
	ok(c, http.StatusCreated, o)
}

// GetOrder godoc
// @ID          getOrder
// @Summary     Fetch an order
// @Tags        Orders
// @Produce     json
// @Param       id   path      string  true  "Order ID (UUID)"  format(uuid)
// @Success     200  {object}  domain.Order
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Order not found"
// @Router      /orders/{id} [get]
func (h *Handlers) GetOrder(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order id must be a UUID")
		return
	}
	o, err := h.orderSvc.Get(c.Request.Context(), id)
	if errors.Is(err, services.ErrOrderNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, o)
}

// ListOrders godoc
// @ID          listOrders
// @Summary     List orders (paginated)
// @Description Returns a page of orders, oldest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Orders
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"orders:3:1717000000\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListOrdersResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /orders [get]
func (h *Handlers) ListOrders(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.orderSvc.(*services.OrderService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.OrdersStats(ctx, db)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"orders:%d:%d:%d:%d"`, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.orderSvc.ListPage(ctx, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListOrdersResponse{
		Orders: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// Health godoc
// @ID          health
// @Summary     Liveness and store reachability
// @Description Target of the ledger's connectivity probe. 503 while the store is unreachable.
// @Tags        Health
// @Produce     json
// @Success     200  {object}  map[string]string
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /health [get]
func (h *Handlers) Health(c *gin.Context) {
	if h.ping != nil {
		if err := h.ping(c.Request.Context()); err != nil {
			unavailable(c, 5*time.Second, "store unreachable")
			return
		}
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}
