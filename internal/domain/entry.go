// Package domain defines the core types of the request ledger: the durable
// Entry record, the immutable request snapshot it carries, the mutation
// shape accepted by storage backends, and the error taxonomy shared by the
// storage, executor, and ledger layers.
package domain

import (
	"encoding/json"
	"maps"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of an Entry.
//
// Allowed transitions:
//
//	pending    -> processing
//	processing -> completed | failed | pending
//	failed     -> pending
//
// completed is terminal and only leaves the store through eviction,
// Remove, or Clear.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// AllowedMethods lists the HTTP verbs a ledger request may use.
var AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// NormalizeMethod upper-cases m and reports whether it is allowed.
func NormalizeMethod(m string) (string, bool) {
	m = strings.ToUpper(strings.TrimSpace(m))
	for _, a := range AllowedMethods {
		if a == m {
			return m, true
		}
	}
	return m, false
}

// Request is the snapshot of an HTTP call captured when the entry is created.
// Replays send exactly this; nothing in the ledger mutates it after Put.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// EntryError describes the most recent failure of an entry.
type EntryError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Entry is the unit of durability.
//
// Fields:
//   - ID: caller-supplied primary key, unique for the lifetime of the store.
//   - Request: immutable request snapshot.
//   - Status: current lifecycle state.
//   - AttemptCount: number of execution attempts made so far.
//   - CreatedAt: ordering key; replay is FIFO on (CreatedAt, ID).
//   - LastAttemptAt: time of the latest attempt, nil before the first one.
//   - Error: last failure, nil when completed or never failed.
//   - IdempotencyKey: forwarded on every attempt when non-empty.
//   - Metadata: opaque caller data.
type Entry struct {
	ID             string         `json:"id"`
	Request        Request        `json:"request"`
	Status         Status         `json:"status"`
	AttemptCount   int            `json:"attemptCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAttemptAt  *time.Time     `json:"lastAttemptAt,omitempty"`
	Error          *EntryError    `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers (hooks, storage doubles) can never
// alias the ledger's internal state.
func (e Entry) Clone() Entry {
	out := e
	out.Request.Headers = maps.Clone(e.Request.Headers)
	if e.Request.Body != nil {
		out.Request.Body = append(json.RawMessage(nil), e.Request.Body...)
	}
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		out.LastAttemptAt = &t
	}
	if e.Error != nil {
		ee := *e.Error
		out.Error = &ee
	}
	if e.Metadata != nil {
		out.Metadata = cloneValue(e.Metadata).(map[string]any)
	}
	return out
}

// cloneValue copies the JSON-shaped containers (objects and arrays) inside
// Metadata. Other values are returned as is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = cloneValue(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = cloneValue(x)
		}
		return s
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	}
	return v
}

// Apply merges p into e. It does not validate the transition.
func (e *Entry) Apply(p Patch) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.AttemptCount != nil {
		e.AttemptCount = *p.AttemptCount
	}
	if p.LastAttemptAt != nil {
		t := *p.LastAttemptAt
		e.LastAttemptAt = &t
	}
	switch {
	case p.ClearError:
		e.Error = nil
	case p.Error != nil:
		ee := *p.Error
		e.Error = &ee
	}
}

// Patch is a partial update of the mutable entry fields. Nil fields are left
// untouched; ClearError wins over Error.
type Patch struct {
	Status        *Status
	AttemptCount  *int
	LastAttemptAt *time.Time
	Error         *EntryError
	ClearError    bool
}

// SortByCreation orders entries by (CreatedAt, ID) ascending in place.
func SortByCreation(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Ptr returns a pointer to v. Handy for building Patch literals.
func Ptr[T any](v T) *T { return &v }
