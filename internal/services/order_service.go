// Package services – OrderService
//
// This file implements the OrderService behind the reference backend's
// /orders endpoints. Orders are the side-effecting writes a ledger replays;
// the service only validates and normalizes input, while exactly-once
// delivery is enforced one layer up by the idempotency middleware.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/request-ledger/internal/domain"
)

// OrderRepo defines the repository contract required by OrderService.
type OrderRepo interface {
	// CreateOrder inserts a new order row.
	CreateOrder(ctx context.Context, db *gorm.DB, item string, quantity int, note string) (*domain.Order, error)

	// GetOrder fetches an order by ID.
	GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error)

	// CountOrders returns the total number of orders for pagination.
	CountOrders(ctx context.Context, db *gorm.DB) (int64, error)

	// ListOrdersPage returns a page of orders, oldest first.
	ListOrdersPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Order, error)
}

// OrderService validates and persists orders.
type OrderService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the order repository used by this service.
	Repo OrderRepo

	// ItemMaxLen caps item names by rune length.
	ItemMaxLen int
	// NoteMaxLen clips notes by rune length.
	NoteMaxLen int
	// MaxQuantity bounds a single order line.
	MaxQuantity int
}

// NewOrderService constructs an OrderService with sane defaults.
func NewOrderService(db *gorm.DB, r OrderRepo) *OrderService {
	return &OrderService{
		DB:          db,
		Repo:        r,
		ItemMaxLen:  255,
		NoteMaxLen:  1000,
		MaxQuantity: 10000,
	}
}

// Create validates the order and stores it.
func (s *OrderService) Create(ctx context.Context, item string, quantity int, note string) (*domain.Order, error) {
	item = normalizeSpace(item)
	if item == "" {
		return nil, ErrEmptyItem
	}
	if s.ItemMaxLen > 0 && utf8.RuneCountInString(item) > s.ItemMaxLen {
		return nil, ErrItemTooLong
	}
	if quantity < 1 || (s.MaxQuantity > 0 && quantity > s.MaxQuantity) {
		return nil, ErrInvalidQuantity
	}
	note = clipRunes(strings.TrimSpace(note), s.NoteMaxLen)
	return s.Repo.CreateOrder(ctx, s.DB, item, quantity, note)
}

// Get returns a single order or ErrOrderNotFound.
func (s *OrderService) Get(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.Repo.GetOrder(ctx, s.DB, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// ListPage returns a page of orders and the total count. Invalid page or
// pageSize values fall back to defaults.
func (s *OrderService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountOrders(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Order{}, 0, nil
	}

	items, err := s.Repo.ListOrdersPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}

func clipRunes(s string, max int) string {
	if max > 0 && utf8.RuneCountInString(s) > max {
		return string([]rune(s)[:max])
	}
	return s
}

// normalizeSpace trims whitespace and collapses runs to one space.
func normalizeSpace(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

var whitespaceRE = regexp.MustCompile(`\s+`)
