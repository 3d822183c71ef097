// Package ledger is a durable outbox for HTTP requests.
//
// A Ledger either answers a request immediately or records it in storage and
// replays it later, in creation order, when connectivity allows. Every entry
// moves through a small state machine:
//
//	pending -> processing -> completed | failed
//	processing -> pending   (retry scheduled, or crash recovery)
//	failed -> pending       (explicit Retry)
//
// The caller of Request is never left guessing: it either gets a response
// or the request is durably tracked (or an error says neither happened).
//
// Concurrency model: drains are serialized per ledger. Automatic drains
// (reconnect, resume, startup) never queue up behind each other; a trigger
// that arrives during a drain makes the running drain re-check the queue
// when it finishes. Hooks run synchronously on the goroutine that drives
// the transition.
package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/executor"
	"github.com/tbourn/request-ledger/internal/online"
	"github.com/tbourn/request-ledger/internal/repo"
	"github.com/tbourn/request-ledger/internal/retry"
	"github.com/tbourn/request-ledger/internal/storage"
)

// StaleAfter is how long an entry may stay processing before New treats it
// as abandoned by a crashed process.
const StaleAfter = 5 * time.Minute

// DefaultDBName is the SQLite file used when StorageConfig.DBName is empty.
const DefaultDBName = "request-ledger.db"

// StorageConfig selects the default SQLite backend.
type StorageConfig struct {
	DBName     string // file path
	StoreName  string // table name
	MaxEntries int    // <= 0 disables the cap
}

// Hooks are optional lifecycle callbacks. They receive copies of the entry.
type Hooks struct {
	OnPersist       func(e domain.Entry)
	OnReplayStart   func(e domain.Entry)
	OnReplaySuccess func(e domain.Entry, resp *http.Response)
	OnReplayFailure func(e domain.Entry, err error)
}

// ProcessOptions tune one drain.
type ProcessOptions struct {
	// Concurrency bounds in-flight replays. 0 means 1, which keeps strict
	// FIFO delivery; above 1 entries are only started in order.
	Concurrency int
	// StopOnError halts the drain at the first failed attempt. Entries not
	// yet dispatched stay pending.
	StopOnError bool
	OnSuccess   func(e domain.Entry, resp *http.Response)
	OnFailure   func(e domain.Entry, err error)
}

// DefaultProcessOptions is what Process uses when given nil.
func DefaultProcessOptions() ProcessOptions {
	return ProcessOptions{Concurrency: 1, StopOnError: true}
}

func (o ProcessOptions) validate() error {
	if o.Concurrency < 0 {
		return domain.NewConfigError("concurrency must be >= 1, got %d", o.Concurrency)
	}
	return nil
}

func (o ProcessOptions) workers() int {
	if o.Concurrency < 1 {
		return 1
	}
	return o.Concurrency
}

// Config configures New.
type Config struct {
	StorageConfig StorageConfig
	// Storage overrides the default SQLite backend. The ledger does not
	// close storage it did not create.
	Storage storage.Storage

	Retry       retry.Config
	OnlineCheck online.Config
	Hooks       Hooks

	IdempotencyHeader  string
	AutoProcess        bool
	AutoProcessOptions ProcessOptions

	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Now        func() time.Time
}

// RequestOptions describe one request. ID, URL and Method are required.
type RequestOptions struct {
	ID             string
	URL            string
	Method         string
	Headers        map[string]string
	Body           json.RawMessage
	IdempotencyKey string
	Metadata       map[string]any
}

// State is the aggregate view returned by Ledger.State.
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateError      State = "error"
)

// Ledger is safe for concurrent use.
type Ledger struct {
	store     storage.Storage
	ownsStore bool
	retry     retry.Config
	exec      *executor.Executor
	detector  *online.Detector
	hooks     Hooks
	auto      bool
	autoOpts  ProcessOptions
	log       zerolog.Logger
	now       func() time.Time

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex // guards destroyed, lastCreated and wg.Add
	destroyed   bool
	lastCreated time.Time

	drainMu sync.Mutex
	recheck atomic.Bool
	paused  atomic.Bool
}

// New validates cfg, opens storage, recovers abandoned entries and, with
// AutoProcess, starts watching connectivity and kicks off an initial drain.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	rc := cfg.Retry.WithDefaults()
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.AutoProcessOptions.validate(); err != nil {
		return nil, err
	}
	if cfg.OnlineCheck.PingTimeout < 0 || cfg.OnlineCheck.PingInterval < 0 || cfg.OnlineCheck.Debounce < 0 {
		return nil, domain.NewConfigError("online check durations must not be negative")
	}
	if cfg.StorageConfig.MaxEntries < 0 {
		return nil, domain.NewConfigError("maxEntries must not be negative")
	}
	if n := cfg.StorageConfig.StoreName; n != "" && !repo.ValidStoreName(n) {
		return nil, domain.NewConfigError("invalid store name %q", n)
	}

	lg := log.Logger
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	lg = lg.With().Str("component", "ledger").Logger()

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	header := cfg.IdempotencyHeader
	if header == "" {
		header = executor.DefaultIdempotencyHeader
	}

	l := &Ledger{
		store:    cfg.Storage,
		retry:    rc,
		exec:     executor.New(cfg.HTTPClient, header),
		detector: online.New(cfg.OnlineCheck, cfg.HTTPClient, lg),
		hooks:    cfg.Hooks,
		auto:     cfg.AutoProcess,
		autoOpts: cfg.AutoProcessOptions,
		log:      lg,
		now:      now,
	}
	if l.store == nil {
		path := cfg.StorageConfig.DBName
		if path == "" {
			path = DefaultDBName
		}
		es, err := repo.OpenEntryStore(path, cfg.StorageConfig.StoreName, cfg.StorageConfig.MaxEntries)
		if err != nil {
			return nil, err
		}
		l.store, l.ownsStore = es, true
		lg.Debug().Str("db", path).Str("table", es.Table()).Msg("entry store opened")
	}

	if err := l.recoverStale(ctx); err != nil {
		l.closeStore()
		return nil, err
	}

	l.life, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if l.auto {
		l.detector.Start(l.life, func(up bool) {
			if up {
				l.triggerDrain()
			}
		})
		l.triggerDrain()
	}
	l.log.Debug().Str("retry", rc.String()).Bool("auto_process", l.auto).Msg("ledger ready")
	return l, nil
}

func (l *Ledger) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

// track registers work Destroy must wait for. It fails once the ledger is
// destroyed; on success the caller must call l.wg.Done.
func (l *Ledger) track() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return false
	}
	l.wg.Add(1)
	return true
}

// goBackground runs fn on a tracked goroutine unless the ledger is destroyed.
func (l *Ledger) goBackground(fn func()) bool {
	if !l.track() {
		return false
	}
	go func() {
		defer l.wg.Done()
		fn()
	}()
	return true
}

// nextCreatedAt returns a timestamp strictly after every one handed out
// before, so (CreatedAt, ID) ordering matches submission order.
func (l *Ledger) nextCreatedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now().UTC()
	if !t.After(l.lastCreated) {
		t = l.lastCreated.Add(time.Nanosecond)
	}
	l.lastCreated = t
	return t
}

// Pause stops dispatching. Entries already in flight finish normally.
func (l *Ledger) Pause() {
	l.paused.Store(true)
	l.log.Info().Msg("paused")
}

// Resume re-enables dispatching and, with AutoProcess, starts a drain.
func (l *Ledger) Resume() {
	if !l.paused.Swap(false) {
		return
	}
	l.log.Info().Msg("resumed")
	l.triggerDrain()
}

// SetOnline forwards a passive connectivity signal to the detector.
func (l *Ledger) SetOnline(up bool) {
	l.detector.SetOnline(up)
}

// IsOnline evaluates connectivity now.
func (l *Ledger) IsOnline(ctx context.Context) bool {
	return l.detector.IsOnline(ctx)
}

// State summarizes the queue: paused > processing > pending > error > idle.
func (l *Ledger) State(ctx context.Context) (State, error) {
	if l.isDestroyed() {
		return "", domain.NewDestroyedError("state")
	}
	if l.paused.Load() {
		return StatePaused, nil
	}
	counts, err := storage.CountByStatus(ctx, l.store)
	if err != nil {
		return "", err
	}
	switch {
	case counts[domain.StatusProcessing] > 0:
		return StateProcessing, nil
	case counts[domain.StatusPending] > 0:
		return StatePending, nil
	case counts[domain.StatusFailed] > 0:
		return StateError, nil
	}
	return StateIdle, nil
}

// List returns every entry ordered by (CreatedAt, ID).
func (l *Ledger) List(ctx context.Context) ([]domain.Entry, error) {
	if l.isDestroyed() {
		return nil, domain.NewDestroyedError("list")
	}
	all, err := l.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	domain.SortByCreation(all)
	return all, nil
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.Entry, error) {
	if l.isDestroyed() {
		return nil, domain.NewDestroyedError("get")
	}
	return l.store.Get(ctx, id)
}

// Retry moves a failed entry back to pending with a fresh attempt budget.
// It works under every retry type, including manual.
func (l *Ledger) Retry(ctx context.Context, id string) error {
	if l.isDestroyed() {
		return domain.NewDestroyedError("retry")
	}
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != domain.StatusFailed {
		return domain.NewTransitionError(id, e.Status, domain.StatusPending)
	}
	err = l.store.Update(ctx, id, domain.Patch{
		Status:       domain.Ptr(domain.StatusPending),
		AttemptCount: domain.Ptr(0),
		ClearError:   true,
	})
	if err != nil {
		return err
	}
	l.log.Info().Str("id", id).Msg("entry requeued")
	l.triggerDrain()
	return nil
}

// Remove deletes one entry.
func (l *Ledger) Remove(ctx context.Context, id string) error {
	if l.isDestroyed() {
		return domain.NewDestroyedError("remove")
	}
	if _, err := l.store.Get(ctx, id); err != nil {
		return err
	}
	return l.store.Remove(ctx, id)
}

// Clear deletes every entry.
func (l *Ledger) Clear(ctx context.Context) error {
	if l.isDestroyed() {
		return domain.NewDestroyedError("clear")
	}
	return l.store.Clear(ctx)
}

// Destroy stops the detector and timers, waits for running drains (manual
// or automatic) to return, and closes storage the ledger opened. Replies of requests still
// in flight are dropped. It is idempotent.
func (l *Ledger) Destroy() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	l.mu.Unlock()

	l.cancel()
	l.detector.Stop()
	l.wg.Wait()

	l.log.Debug().Msg("destroyed")
	return l.closeStore()
}

func (l *Ledger) closeStore() error {
	if !l.ownsStore {
		return nil
	}
	if c, ok := l.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// sortedPending returns the ids of pending entries in replay order.
func sortedPending(all []domain.Entry) []string {
	pending := all[:0:0]
	for _, e := range all {
		if e.Status == domain.StatusPending {
			pending = append(pending, e)
		}
	}
	domain.SortByCreation(pending)
	ids := make([]string, len(pending))
	for i := range pending {
		ids[i] = pending[i].ID
	}
	return ids
}
