// Package domain defines the core types of the request ledger. This file
// centralizes the error taxonomy so storage backends, the executor, and the
// ledger core report failures in one matchable shape.
//
// Every error produced by the ledger is a *LedgerError. Callers match the
// broad family with errors.Is(err, ErrLedger) and the specific kind with the
// kind sentinels below; details (entry id, HTTP status) are available via
// errors.As.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrLedger is the base every ledger error matches.
var ErrLedger = errors.New("request ledger error")

// Kind sentinels.
var (
	// ErrPersistence indicates a storage operation failed (quota, corruption,
	// backend unavailable). The entry may or may not exist afterwards.
	ErrPersistence = errors.New("persistence error")

	// ErrDuplicateEntry is returned when an entry id is reused.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrEntryNotFound is returned when operating on an unknown id.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrNetwork indicates no response reached the client. Transient.
	ErrNetwork = errors.New("network error")

	// ErrHTTPStatus indicates the server answered with a 4xx or 5xx status.
	ErrHTTPStatus = errors.New("unsuccessful http status")

	// ErrInvalidTransition is returned when an operation would move an entry
	// along an edge the state machine does not have.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDestroyed is returned by every operation on a destroyed ledger.
	ErrDestroyed = errors.New("ledger destroyed")

	// ErrInvalidConfig is returned by construction-time validation.
	ErrInvalidConfig = errors.New("invalid ledger configuration")

	// ErrInvalidRequest is returned when request options fail validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrStoreFull is wrapped in a persistence error when MaxEntries is reached
// and no completed entry can be evicted.
var ErrStoreFull = errors.New("store is full")

// Kind classifies a LedgerError.
type Kind int

const (
	KindPersistence Kind = iota + 1
	KindDuplicate
	KindNotFound
	KindNetwork
	KindHTTPStatus
	KindInvalidTransition
	KindDestroyed
	KindInvalidConfig
	KindInvalidRequest
)

func (k Kind) sentinel() error {
	switch k {
	case KindPersistence:
		return ErrPersistence
	case KindDuplicate:
		return ErrDuplicateEntry
	case KindNotFound:
		return ErrEntryNotFound
	case KindNetwork:
		return ErrNetwork
	case KindHTTPStatus:
		return ErrHTTPStatus
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindDestroyed:
		return ErrDestroyed
	case KindInvalidConfig:
		return ErrInvalidConfig
	case KindInvalidRequest:
		return ErrInvalidRequest
	}
	return ErrLedger
}

// LedgerError is the single concrete error type of the module.
type LedgerError struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "put", "execute"
	ID         string // entry id, when one is involved
	StatusCode int    // HTTP status for KindHTTPStatus
	Err        error  // underlying cause, may be nil
}

func (e *LedgerError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Kind == KindHTTPStatus && e.StatusCode > 0 {
		msg = "HTTP " + strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" (id=%q)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerError) Unwrap() error { return e.Err }

// Is matches ErrLedger and the sentinel of e.Kind.
func (e *LedgerError) Is(target error) bool {
	return target == ErrLedger || target == e.Kind.sentinel()
}

// Code returns the stable machine-readable code recorded in EntryError.Code.
func (e *LedgerError) Code() string {
	switch e.Kind {
	case KindNetwork:
		return "NETWORK_ERROR"
	case KindHTTPStatus:
		return "HTTP_" + strconv.Itoa(e.StatusCode)
	case KindPersistence:
		return "PERSISTENCE_ERROR"
	case KindDuplicate:
		return "DUPLICATE_ENTRY"
	case KindNotFound:
		return "ENTRY_NOT_FOUND"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	case KindDestroyed:
		return "DESTROYED"
	case KindInvalidConfig:
		return "INVALID_CONFIG"
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	}
	return "LEDGER_ERROR"
}

// NewPersistenceError wraps a backend failure.
func NewPersistenceError(op string, err error) error {
	return &LedgerError{Kind: KindPersistence, Op: op, Err: err}
}

// NewDuplicateEntryError reports id reuse.
func NewDuplicateEntryError(id string) error {
	return &LedgerError{Kind: KindDuplicate, Op: "put", ID: id}
}

// NewEntryNotFoundError reports an unknown id.
func NewEntryNotFoundError(op, id string) error {
	return &LedgerError{Kind: KindNotFound, Op: op, ID: id}
}

// NewNetworkError reports a transport-level failure.
func NewNetworkError(id string, err error) error {
	return &LedgerError{Kind: KindNetwork, Op: "execute", ID: id, Err: err}
}

// NewHTTPStatusError reports a 4xx/5xx answer.
func NewHTTPStatusError(id string, status int) error {
	return &LedgerError{Kind: KindHTTPStatus, Op: "execute", ID: id, StatusCode: status}
}

// NewTransitionError reports a forbidden state change.
func NewTransitionError(id string, from, to Status) error {
	return &LedgerError{
		Kind: KindInvalidTransition,
		Op:   "transition",
		ID:   id,
		Err:  fmt.Errorf("%s -> %s", from, to),
	}
}

// NewDestroyedError reports use of a destroyed ledger.
func NewDestroyedError(op string) error {
	return &LedgerError{Kind: KindDestroyed, Op: op}
}

// NewConfigError reports an invalid configuration field.
func NewConfigError(format string, args ...any) error {
	return &LedgerError{Kind: KindInvalidConfig, Op: "config", Err: fmt.Errorf(format, args...)}
}

// NewRequestError reports invalid request options.
func NewRequestError(id, format string, args ...any) error {
	return &LedgerError{Kind: KindInvalidRequest, Op: "request", ID: id, Err: fmt.Errorf(format, args...)}
}

// ToEntryError converts any error into the persisted failure shape.
func ToEntryError(err error) *EntryError {
	if err == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return &EntryError{Message: le.Error(), Code: le.Code()}
	}
	return &EntryError{Message: err.Error()}
}
