package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (Idempotency{}).TableName() != "idempotency" {
		t.Fatalf("Idempotency.TableName() = %q", (Idempotency{}).TableName())
	}
	if (Order{}).TableName() != "orders" {
		t.Fatalf("Order.TableName() = %q", (Order{}).TableName())
	}
}

func TestIdempotency_Migration_UniqueKeyMethodPath(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasIndex(&Idempotency{}, "ux_idem_key_method_path") {
		t.Fatalf("expected composite index ux_idem_key_method_path")
	}

	now := time.Now().UTC()
	rec := &Idempotency{
		ID:          "id-1",
		Key:         "k1",
		Method:      "POST",
		Path:        "/api/v1/orders",
		Status:      201,
		ContentType: "application/json",
		Body:        []byte(`{"id":"o1"}`),
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert valid: %v", err)
	}

	var got Idempotency
	if err := db.First(&got, "id = ?", "id-1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.Key != "k1" || got.Status != 201 || string(got.Body) != `{"id":"o1"}` {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt should be set by autoCreateTime")
	}

	// Same key on a different path is a different operation.
	other := *rec
	other.ID, other.Path = "id-2", "/api/v1/payments"
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("insert other path: %v", err)
	}

	dup := *rec
	dup.ID = "id-3"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on (key, method, path)")
	}
}

func TestOrder_QuantityCheck(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&Order{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := db.Create(&Order{ID: "o1", Item: "a", Quantity: 2}).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Create(&Order{ID: "o2", Item: "b", Quantity: -1}).Error; err == nil {
		t.Fatalf("expected CHECK violation for negative quantity")
	}
}
