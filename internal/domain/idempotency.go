// Package domain defines the core types of the request ledger. This file
// holds the server-side record the reference backend uses to honor the
// idempotency contract: the first response to a key is stored and replayed
// verbatim on every repeat delivery.
package domain

import "time"

// Idempotency is a recorded response, keyed by (key, method, path). It lets
// the backend answer a replayed ledger request with the original result
// instead of executing its side effects twice.
type Idempotency struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Key         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idem_key_method_path,priority:1"`
	Method      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idem_key_method_path,priority:2"`
	Path        string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idem_key_method_path,priority:3"`
	Status      int       `gorm:"type:INTEGER NOT NULL"`
	ContentType string    `gorm:"type:TEXT NOT NULL;default:''"`
	Body        []byte    `gorm:"type:BLOB"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
