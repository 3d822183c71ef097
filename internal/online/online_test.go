package online

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIsOnline_DefaultsToTrue(t *testing.T) {
	d := New(Config{}, nil, zerolog.Nop())
	if !d.IsOnline(context.Background()) {
		t.Fatalf("detector without checks should report online")
	}
}

func TestIsOnline_PassiveOfflineWins(t *testing.T) {
	called := false
	d := New(Config{CustomCheck: func(context.Context) bool { called = true; return true }}, nil, zerolog.Nop())
	d.SetOnline(false)
	if d.IsOnline(context.Background()) {
		t.Fatalf("passive offline must short-circuit")
	}
	if called {
		t.Fatalf("custom check should not run while passively offline")
	}
	d.SetOnline(true)
	if !d.IsOnline(context.Background()) || !called {
		t.Fatalf("custom check should decide once passively online")
	}
}

func TestIsOnline_CustomCheckPanicIsOffline(t *testing.T) {
	d := New(Config{CustomCheck: func(context.Context) bool { panic("boom") }}, nil, zerolog.Nop())
	if d.IsOnline(context.Background()) {
		t.Fatalf("panicking check should report offline")
	}
}

func TestIsOnline_Ping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("ping should use GET, got %s", r.Method)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	d := New(Config{PingURL: srv.URL}, srv.Client(), zerolog.Nop())
	ctx := context.Background()

	if !d.IsOnline(ctx) {
		t.Fatalf("200 should be online")
	}
	status.Store(http.StatusNotFound)
	if !d.IsOnline(ctx) {
		t.Fatalf("4xx still proves reachability")
	}
	status.Store(http.StatusServiceUnavailable)
	if d.IsOnline(ctx) {
		t.Fatalf("5xx should be offline")
	}
}

func TestIsOnline_PingTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := New(Config{PingURL: srv.URL, PingTimeout: 50 * time.Millisecond}, srv.Client(), zerolog.Nop())
	start := time.Now()
	if d.IsOnline(context.Background()) {
		t.Fatalf("timed-out ping should be offline")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("ping timeout not honored")
	}
}

func TestIsOnline_UnreachableURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := New(Config{PingURL: url, PingTimeout: time.Second}, nil, zerolog.Nop())
	if d.IsOnline(context.Background()) {
		t.Fatalf("closed server should be offline")
	}
}

func TestStart_EmitsDebouncedChanges(t *testing.T) {
	d := New(Config{PingInterval: time.Hour, Debounce: 20 * time.Millisecond}, nil, zerolog.Nop())
	changes := make(chan bool, 8)
	d.Start(context.Background(), func(v bool) { changes <- v })
	defer d.Stop()

	// A flap inside the debounce window collapses to no change at all.
	d.SetOnline(false)
	d.SetOnline(true)
	select {
	case v := <-changes:
		t.Fatalf("unexpected change %v for a flap", v)
	case <-time.After(100 * time.Millisecond):
	}

	d.SetOnline(false)
	select {
	case v := <-changes:
		if v {
			t.Fatalf("expected offline, got online")
		}
	case <-time.After(time.Second):
		t.Fatalf("offline change not emitted")
	}

	d.SetOnline(true)
	select {
	case v := <-changes:
		if !v {
			t.Fatalf("expected online, got offline")
		}
	case <-time.After(time.Second):
		t.Fatalf("online change not emitted")
	}
}

func TestStart_PollsCustomCheck(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	d := New(Config{
		CustomCheck:  func(context.Context) bool { return up.Load() },
		PingInterval: 10 * time.Millisecond,
		Debounce:     5 * time.Millisecond,
	}, nil, zerolog.Nop())
	changes := make(chan bool, 8)
	d.Start(context.Background(), func(v bool) { changes <- v })
	defer d.Stop()

	up.Store(false)
	select {
	case v := <-changes:
		if v {
			t.Fatalf("expected offline")
		}
	case <-time.After(time.Second):
		t.Fatalf("poll did not detect outage")
	}
}

func TestStop_Idempotent(t *testing.T) {
	d := New(Config{}, nil, zerolog.Nop())
	d.Stop()
	d.Start(context.Background(), func(bool) { t.Errorf("stopped detector must not emit") })
	d.Stop()
	d.Stop()
}

func TestMarkOffline_ReportsRecoveryMissedByPolls(t *testing.T) {
	d := New(Config{PingInterval: time.Hour, Debounce: 5 * time.Millisecond}, nil, zerolog.Nop())
	changes := make(chan bool, 8)
	d.Start(context.Background(), func(v bool) { changes <- v })
	defer d.Stop()

	// The outage was seen by a caller, not by the watcher, and is already over.
	d.MarkOffline()
	select {
	case v := <-changes:
		if !v {
			t.Fatalf("expected online, got offline")
		}
	case <-time.After(time.Second):
		t.Fatalf("recovery after a missed outage not emitted")
	}

	select {
	case v := <-changes:
		t.Fatalf("unexpected second change %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}
