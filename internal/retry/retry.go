// Package retry decides whether and when a failed ledger attempt is tried
// again. Everything here is pure: no clocks, no goroutines.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/tbourn/request-ledger/internal/domain"
)

// Type selects the backoff strategy.
type Type string

const (
	Fixed       Type = "fixed"
	Exponential Type = "exponential"
	// Manual disables automatic rescheduling. Entries that fail stay failed
	// until Ledger.Retry is called.
	Manual Type = "manual"
)

// Defaults.
const (
	DefaultType        = Exponential
	DefaultDelay       = time.Second
	DefaultBase        = time.Second
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Config describes a retry policy. Zero fields are filled by WithDefaults.
type Config struct {
	Type        Type          `json:"type"`
	Delay       time.Duration `json:"delay,omitempty"` // fixed only
	Base        time.Duration `json:"base,omitempty"`  // exponential only
	Max         time.Duration `json:"max,omitempty"`   // exponential only
	MaxAttempts int           `json:"maxAttempts"`
}

// WithDefaults returns c with zero fields replaced by package defaults.
func (c Config) WithDefaults() Config {
	if c.Type == "" {
		c.Type = DefaultType
	}
	if c.Delay == 0 {
		c.Delay = DefaultDelay
	}
	if c.Base == 0 {
		c.Base = DefaultBase
	}
	if c.Max == 0 {
		c.Max = DefaultMax
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Validate rejects configurations Next cannot honor.
func (c Config) Validate() error {
	switch c.Type {
	case Fixed, Exponential, Manual:
	default:
		return domain.NewConfigError("retry type %q must be one of fixed|exponential|manual", c.Type)
	}
	if c.Delay < 0 || c.Base < 0 || c.Max < 0 {
		return domain.NewConfigError("retry durations must not be negative")
	}
	if c.Type != Manual && c.MaxAttempts < 1 {
		return domain.NewConfigError("retry maxAttempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.Type == Exponential && c.Max < c.Base {
		return domain.NewConfigError("retry max (%s) must be >= base (%s)", c.Max, c.Base)
	}
	return nil
}

func (c Config) String() string {
	switch c.Type {
	case Fixed:
		return fmt.Sprintf("fixed(delay=%s, maxAttempts=%d)", c.Delay, c.MaxAttempts)
	case Exponential:
		return fmt.Sprintf("exponential(base=%s, max=%s, maxAttempts=%d)", c.Base, c.Max, c.MaxAttempts)
	}
	return string(c.Type)
}

// Decision is the outcome of Next.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// Next decides what happens after a retryable failure, given the number of
// attempts already made.
func Next(attemptCount int, c Config) Decision {
	if c.Type == Manual || attemptCount >= c.MaxAttempts {
		return Decision{}
	}
	switch c.Type {
	case Fixed:
		return Decision{ShouldRetry: true, Delay: c.Delay}
	default:
		return Decision{ShouldRetry: true, Delay: Backoff(attemptCount-1, c)}
	}
}

// Backoff returns min(Base * 2^n, Max) for the zero-indexed retry n.
func Backoff(n int, c Config) time.Duration {
	if n < 0 {
		n = 0
	}
	if c.Base <= 0 {
		return 0
	}
	// Past this many doublings Base would overflow int64.
	if n >= 62 || float64(c.Base)*math.Exp2(float64(n)) >= float64(c.Max) {
		return c.Max
	}
	return c.Base << uint(n)
}
