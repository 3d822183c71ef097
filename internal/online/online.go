// Package online tracks network reachability for the ledger.
//
// Three signals are combined, strongest first:
//   - a passive flag flipped by SetOnline (the host's own view of the link);
//   - a caller-supplied CustomCheck;
//   - an active HTTP probe of PingURL.
//
// With none configured the detector assumes it is online.
package online

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Defaults.
const (
	DefaultPingTimeout  = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultDebounce     = time.Second
)

// Config configures a Detector. Zero durations take the defaults.
type Config struct {
	PingURL      string
	PingTimeout  time.Duration
	PingInterval time.Duration
	Debounce     time.Duration
	// CustomCheck replaces the HTTP probe when set.
	CustomCheck func(ctx context.Context) bool
}

func (c Config) withDefaults() Config {
	if c.PingTimeout == 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	}
	return c
}

// Detector answers "are we online?" and, once started, reports changes.
type Detector struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	passive atomic.Bool
	signal  chan struct{}
	// missed is set when a caller saw the link down between polls.
	missed atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New returns a detector that starts in the passive-online state.
func New(cfg Config, client *http.Client, log zerolog.Logger) *Detector {
	if client == nil {
		client = http.DefaultClient
	}
	d := &Detector{
		cfg:    cfg.withDefaults(),
		client: client,
		log:    log,
		signal: make(chan struct{}, 1),
	}
	d.passive.Store(true)
	return d
}

// SetOnline records a passive connectivity signal and wakes the watcher.
func (d *Detector) SetOnline(v bool) {
	d.passive.Store(v)
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// MarkOffline tells the watcher a caller observed the link down, so the next
// online observation is reported as a change even if no poll saw the outage.
func (d *Detector) MarkOffline() {
	d.missed.Store(true)
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// IsOnline evaluates connectivity now.
func (d *Detector) IsOnline(ctx context.Context) bool {
	if !d.passive.Load() {
		return false
	}
	if d.cfg.CustomCheck != nil {
		return d.safeCustom(ctx)
	}
	if d.cfg.PingURL != "" {
		return d.ping(ctx)
	}
	return true
}

func (d *Detector) safeCustom(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("online check panicked; treating as offline")
			ok = false
		}
	}()
	return d.cfg.CustomCheck(ctx)
}

func (d *Detector) ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.PingURL, nil)
	if err != nil {
		d.log.Warn().Err(err).Str("url", d.cfg.PingURL).Msg("bad ping url")
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Debug().Err(err).Msg("ping failed")
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// Start launches the watcher. onChange is called from the watcher goroutine
// with the new state whenever the debounced state differs from the last one
// reported. The initial state counts as reported. Calling Start twice is a
// no-op.
func (d *Detector) Start(ctx context.Context, onChange func(online bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || d.stopped {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	last := d.IsOnline(ctx)
	go d.watch(ctx, last, onChange)
}

func (d *Detector) watch(ctx context.Context, last bool, onChange func(bool)) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	// debounce is armed on every observation and fires once things settle.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			debounce.Reset(d.cfg.Debounce)
		case <-d.signal:
			debounce.Reset(d.cfg.Debounce)
		case <-debounce.C:
			now := d.IsOnline(ctx)
			if ctx.Err() != nil {
				return
			}
			if d.missed.Swap(false) {
				last = false
			}
			if now != last {
				last = now
				d.log.Info().Bool("online", now).Msg("connectivity changed")
				onChange(now)
			}
		}
	}
}

// Stop halts the watcher and waits for it to exit. It is idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.stopped = true
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
