package domain

import "time"

// Order is the demo resource served by the reference backend. It is the
// kind of side-effecting write the ledger exists to deliver exactly once.
type Order struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Item      string    `json:"item"       gorm:"type:varchar(255);not null"`
	Quantity  int       `json:"quantity"   gorm:"not null;default:1;check:quantity > 0"`
	Note      string    `json:"note,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_orders_created"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }
