// Package repo implements the data persistence layer, backed by GORM. This
// file provides repository functions for the Order model served by the
// reference backend.
//
// Functions follow the "thin repository" approach: no business logic, only
// CRUD persistence and query composition. A missing order is reported as
// ErrNotFound; other DB errors are propagated unchanged.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/request-ledger/internal/domain"
)

// CreateOrder inserts a new Order with a random UUID and UTC timestamps.
func CreateOrder(ctx context.Context, db *gorm.DB, item string, quantity int, note string) (*domain.Order, error) {
	now := time.Now().UTC()
	o := &domain.Order{
		ID:        uuid.NewString(),
		Item:      item,
		Quantity:  quantity,
		Note:      note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(o).Error; err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder fetches a single order by id, or ErrNotFound.
func GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// CountOrders returns the total number of orders.
func CountOrders(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Order{}).Count(&total).Error
	return total, err
}

// ListOrdersPage returns a page of orders, oldest first, so a client that
// replays a backlog sees them in delivery order.
func ListOrdersPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Order, error) {
	var out []domain.Order
	err := db.WithContext(ctx).
		Order("created_at asc, id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// OrdersStats returns the row count and the greatest UpdatedAt, used to
// build list ETags. maxUpdatedAt is nil when there are no orders.
func OrdersStats(ctx context.Context, db *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = db.WithContext(ctx).Model(&domain.Order{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = db.WithContext(ctx).Model(&domain.Order{}).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
