// Package repo implements the data persistence layer, backed by GORM. This
// file provides EntryStore, the default durable storage.Storage backend of
// the ledger.
//
// Each ledger owns one table (the "store name"), so several independent
// ledgers can share a database file. Rows mirror domain.Entry with a few
// encoding choices:
//   - headers and metadata are JSON text, the body is raw bytes;
//   - timestamps are int64 Unix nanoseconds so ordering survives the round
//     trip exactly and GORM's auto timestamp handling never touches them;
//   - the error is split into two nullable columns.
//
// Error semantics follow the storage contract: domain.ErrDuplicateEntry on
// id reuse, domain.ErrEntryNotFound on unknown ids for Get/Update, and every
// other failure wrapped as domain.ErrPersistence.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/request-ledger/internal/domain"
)

// DefaultStoreName is the table used when no store name is configured.
const DefaultStoreName = "entries"

var storeNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidStoreName reports whether name can be used as a table name as-is.
func ValidStoreName(name string) bool {
	return len(name) <= 64 && storeNameRe.MatchString(name)
}

type entryRow struct {
	ID             string  `gorm:"column:id;type:TEXT;primaryKey"`
	URL            string  `gorm:"column:url;type:TEXT NOT NULL"`
	Method         string  `gorm:"column:method;type:TEXT NOT NULL"`
	Headers        string  `gorm:"column:headers;type:TEXT NOT NULL"`
	Body           []byte  `gorm:"column:body;type:BLOB"`
	Status         string  `gorm:"column:status;type:TEXT NOT NULL"`
	AttemptCount   int     `gorm:"column:attempt_count;type:INTEGER NOT NULL"`
	CreatedAtNs    int64   `gorm:"column:created_at_ns;type:INTEGER NOT NULL"`
	LastAttemptNs  *int64  `gorm:"column:last_attempt_at_ns;type:INTEGER"`
	ErrorMessage   *string `gorm:"column:error_message;type:TEXT"`
	ErrorCode      *string `gorm:"column:error_code;type:TEXT"`
	IdempotencyKey string  `gorm:"column:idempotency_key;type:TEXT NOT NULL"`
	Metadata       string  `gorm:"column:metadata;type:TEXT NOT NULL"`
}

// EntryStore persists ledger entries in one SQLite table.
type EntryStore struct {
	db         *gorm.DB
	table      string
	maxEntries int
	owned      bool

	// SQLite allows a single writer; serializing writes here keeps
	// read-then-write transactions from failing with SQLITE_BUSY.
	wmu sync.Mutex
}

// NewEntryStore migrates table on db and returns a store over it. The caller
// keeps ownership of db. maxEntries <= 0 disables the cap.
func NewEntryStore(db *gorm.DB, table string, maxEntries int) (*EntryStore, error) {
	if table == "" {
		table = DefaultStoreName
	}
	if !ValidStoreName(table) {
		return nil, domain.NewConfigError("store name %q must match %s", table, storeNameRe)
	}
	if err := db.Table(table).AutoMigrate(&entryRow{}); err != nil {
		return nil, domain.NewPersistenceError("migrate", err)
	}
	// Index names are global in SQLite, so they carry the table name.
	stmts := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_status_created ON %[1]s(status, created_at_ns, id)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_created ON %[1]s(created_at_ns, id)`, table),
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return nil, domain.NewPersistenceError("migrate", err)
		}
	}
	return &EntryStore{db: db, table: table, maxEntries: maxEntries}, nil
}

// OpenEntryStore opens the SQLite file at path and returns a store that
// closes the database on Close.
func OpenEntryStore(path, table string, maxEntries int) (*EntryStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, domain.NewPersistenceError("open", err)
	}
	s, err := NewEntryStore(db, table, maxEntries)
	if err != nil {
		closeDB(db)
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Table returns the backing table name.
func (s *EntryStore) Table() string { return s.table }

// Close releases the database when the store opened it.
func (s *EntryStore) Close() error {
	if !s.owned {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *EntryStore) q(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

func (s *EntryStore) Put(ctx context.Context, e *domain.Entry) error {
	row, err := toRow(e)
	if err != nil {
		return domain.NewPersistenceError("put", err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Table(s.table).Where("id = ?", e.ID).Count(&exists).Error; err != nil {
			return err
		}
		if exists > 0 {
			return domain.NewDuplicateEntryError(e.ID)
		}
		if s.maxEntries > 0 {
			if err := s.evictLocked(tx); err != nil {
				return err
			}
		}
		return tx.Table(s.table).Create(row).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrLedger):
		return err
	case isUniqueViolation(err):
		return domain.NewDuplicateEntryError(e.ID)
	default:
		return domain.NewPersistenceError("put", err)
	}
}

// evictLocked makes room for one more row by deleting the oldest completed
// entries. Other statuses are never evicted.
func (s *EntryStore) evictLocked(tx *gorm.DB) error {
	var n int64
	if err := tx.Table(s.table).Count(&n).Error; err != nil {
		return err
	}
	need := int(n) - s.maxEntries + 1
	if need <= 0 {
		return nil
	}
	var ids []string
	err := tx.Table(s.table).
		Where("status = ?", string(domain.StatusCompleted)).
		Order("created_at_ns ASC, id ASC").
		Limit(need).
		Pluck("id", &ids).Error
	if err != nil {
		return err
	}
	if len(ids) < need {
		return domain.NewPersistenceError("put", domain.ErrStoreFull)
	}
	return tx.Table(s.table).Where("id IN ?", ids).Delete(&entryRow{}).Error
}

func (s *EntryStore) Get(ctx context.Context, id string) (*domain.Entry, error) {
	var row entryRow
	err := s.q(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewEntryNotFoundError("get", id)
	}
	if err != nil {
		return nil, domain.NewPersistenceError("get", err)
	}
	e, err := row.toEntry()
	if err != nil {
		return nil, domain.NewPersistenceError("get", err)
	}
	return e, nil
}

// GetAll returns every entry ordered by (CreatedAt, ID).
func (s *EntryStore) GetAll(ctx context.Context) ([]domain.Entry, error) {
	var rows []entryRow
	if err := s.q(ctx).Order("created_at_ns ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, domain.NewPersistenceError("get_all", err)
	}
	out := make([]domain.Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, domain.NewPersistenceError("get_all", err)
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *EntryStore) Update(ctx context.Context, id string, p domain.Patch) error {
	cols := patchColumns(p)
	if len(cols) == 0 {
		_, err := s.Get(ctx, id)
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	res := s.q(ctx).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return domain.NewPersistenceError("update", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewEntryNotFoundError("update", id)
	}
	return nil
}

func (s *EntryStore) Remove(ctx context.Context, id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.q(ctx).Where("id = ?", id).Delete(&entryRow{}).Error; err != nil {
		return domain.NewPersistenceError("remove", err)
	}
	return nil
}

func (s *EntryStore) Clear(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.q(ctx).Where("1 = 1").Delete(&entryRow{}).Error; err != nil {
		return domain.NewPersistenceError("clear", err)
	}
	return nil
}

func (s *EntryStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.q(ctx).Count(&n).Error; err != nil {
		return 0, domain.NewPersistenceError("count", err)
	}
	return int(n), nil
}

// CountByStatus aggregates rows per status in one query.
func (s *EntryStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := s.q(ctx).Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, domain.NewPersistenceError("count", err)
	}
	out := make(map[domain.Status]int, len(rows))
	for _, r := range rows {
		out[domain.Status(r.Status)] = r.N
	}
	return out, nil
}

func patchColumns(p domain.Patch) map[string]any {
	cols := make(map[string]any, 5)
	if p.Status != nil {
		cols["status"] = string(*p.Status)
	}
	if p.AttemptCount != nil {
		cols["attempt_count"] = *p.AttemptCount
	}
	if p.LastAttemptAt != nil {
		cols["last_attempt_at_ns"] = p.LastAttemptAt.UnixNano()
	}
	switch {
	case p.ClearError:
		cols["error_message"] = nil
		cols["error_code"] = nil
	case p.Error != nil:
		cols["error_message"] = p.Error.Message
		cols["error_code"] = p.Error.Code
	}
	return cols
}

func toRow(e *domain.Entry) (*entryRow, error) {
	headers := e.Request.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	hb, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	meta := []byte("null")
	if e.Metadata != nil {
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	row := &entryRow{
		ID:             e.ID,
		URL:            e.Request.URL,
		Method:         e.Request.Method,
		Headers:        string(hb),
		Status:         string(e.Status),
		AttemptCount:   e.AttemptCount,
		CreatedAtNs:    e.CreatedAt.UnixNano(),
		IdempotencyKey: e.IdempotencyKey,
		Metadata:       string(meta),
	}
	if len(e.Request.Body) > 0 {
		row.Body = append([]byte(nil), e.Request.Body...)
	}
	if e.LastAttemptAt != nil {
		ns := e.LastAttemptAt.UnixNano()
		row.LastAttemptNs = &ns
	}
	if e.Error != nil {
		msg, code := e.Error.Message, e.Error.Code
		row.ErrorMessage, row.ErrorCode = &msg, &code
	}
	return row, nil
}

func (r *entryRow) toEntry() (*domain.Entry, error) {
	e := &domain.Entry{
		ID: r.ID,
		Request: domain.Request{
			URL:    r.URL,
			Method: r.Method,
		},
		Status:         domain.Status(r.Status),
		AttemptCount:   r.AttemptCount,
		CreatedAt:      time.Unix(0, r.CreatedAtNs).UTC(),
		IdempotencyKey: r.IdempotencyKey,
	}
	if err := json.Unmarshal([]byte(r.Headers), &e.Request.Headers); err != nil {
		return nil, fmt.Errorf("decode headers of %q: %w", r.ID, err)
	}
	if len(r.Body) > 0 {
		e.Request.Body = json.RawMessage(r.Body)
	}
	if r.Metadata != "" && r.Metadata != "null" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %q: %w", r.ID, err)
		}
	}
	if r.LastAttemptNs != nil {
		t := time.Unix(0, *r.LastAttemptNs).UTC()
		e.LastAttemptAt = &t
	}
	if r.ErrorMessage != nil {
		e.Error = &domain.EntryError{Message: *r.ErrorMessage}
		if r.ErrorCode != nil {
			e.Error.Code = *r.ErrorCode
		}
	}
	return e, nil
}

// isUniqueViolation matches GORM's translated error as well as the plain
// text glebarez/sqlite often returns for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
