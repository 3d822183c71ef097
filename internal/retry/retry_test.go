package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/tbourn/request-ledger/internal/domain"
)

func TestBackoff_Sequence(t *testing.T) {
	c := Config{Type: Exponential, Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10}
	want := []time.Duration{1, 2, 4, 8, 16, 30}
	for n, w := range want {
		if got := Backoff(n, c); got != w*time.Second {
			t.Fatalf("Backoff(%d)=%s want %s", n, got, w*time.Second)
		}
	}
	if got := Backoff(500, c); got != c.Max {
		t.Fatalf("large n should clamp to max, got %s", got)
	}
	if got := Backoff(-3, c); got != time.Second {
		t.Fatalf("negative n should act as 0, got %s", got)
	}
}

func TestNext_Exponential(t *testing.T) {
	c := Config{}.WithDefaults()
	cases := []struct {
		attempts int
		retry    bool
		delay    time.Duration
	}{
		{1, true, time.Second},
		{2, true, 2 * time.Second},
		{3, false, 0},
		{4, false, 0},
	}
	for _, tc := range cases {
		d := Next(tc.attempts, c)
		if d.ShouldRetry != tc.retry || d.Delay != tc.delay {
			t.Fatalf("Next(%d)=%+v want retry=%v delay=%s", tc.attempts, d, tc.retry, tc.delay)
		}
	}
}

func TestNext_Fixed(t *testing.T) {
	c := Config{Type: Fixed, Delay: 250 * time.Millisecond, MaxAttempts: 2}
	if d := Next(1, c); !d.ShouldRetry || d.Delay != 250*time.Millisecond {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d := Next(2, c); d.ShouldRetry {
		t.Fatalf("attempts exhausted, got %+v", d)
	}
}

func TestNext_Manual(t *testing.T) {
	c := Config{Type: Manual}.WithDefaults()
	if d := Next(0, c); d.ShouldRetry {
		t.Fatalf("manual must never retry, got %+v", d)
	}
}

func TestWithDefaults(t *testing.T) {
	c := Config{}.WithDefaults()
	if c.Type != Exponential || c.Base != time.Second || c.Max != 30*time.Second ||
		c.MaxAttempts != 3 || c.Delay != time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	kept := Config{Type: Fixed, Delay: 5 * time.Second, MaxAttempts: 7}.WithDefaults()
	if kept.Type != Fixed || kept.Delay != 5*time.Second || kept.MaxAttempts != 7 {
		t.Fatalf("explicit values overwritten: %+v", kept)
	}
}

func TestValidate(t *testing.T) {
	bad := []Config{
		{Type: "linear", MaxAttempts: 1},
		{Type: Fixed, Delay: -time.Second, MaxAttempts: 1},
		{Type: Exponential, Base: 10 * time.Second, Max: time.Second, MaxAttempts: 1},
		{Type: Fixed, Delay: time.Second, MaxAttempts: -1},
	}
	for _, c := range bad {
		if err := c.Validate(); !errors.Is(err, domain.ErrInvalidConfig) {
			t.Fatalf("%+v: expected ErrInvalidConfig, got %v", c, err)
		}
	}
	if err := (Config{Type: Manual}).Validate(); err != nil {
		t.Fatalf("manual with zero attempts should be valid: %v", err)
	}
	if err := (Config{}).WithDefaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
