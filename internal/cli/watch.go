package cli

import (
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/ledger"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Concurrency int
	StopOnError bool
}

// WatchEvent is one line of watch output.
type WatchEvent struct {
	Time       time.Time     `json:"time"`
	Event      string        `json:"event"` // persisted | replay_start | replay_success | replay_failure
	ID         string        `json:"id"`
	Status     domain.Status `json:"status"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Replay the queue automatically until interrupted",
		Long: `Keep the ledger open with auto-processing on. The queue is drained at
startup, whenever connectivity returns (PING_URL is probed every
PING_INTERVAL), and after each retry delay. Every lifecycle event is printed.

Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "c", 0, "max in-flight replays (default PROCESS_CONCURRENCY)")
	cmd.Flags().BoolVar(&opts.StopOnError, "stop-on-error", false, "halt a drain at the first failed attempt (default PROCESS_STOP_ON_ERROR)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc := opts.Config.Ledger
	if cmd.Flags().Changed("concurrency") {
		lc.ProcessConcurrency = opts.Concurrency
	}
	if cmd.Flags().Changed("stop-on-error") {
		lc.ProcessStopOnError = opts.StopOnError
	}

	p := opts.printer(cmd)
	var mu sync.Mutex
	emit := func(ev WatchEvent) {
		ev.Time = time.Now().UTC()
		mu.Lock()
		defer mu.Unlock()
		if p.isJSON() {
			_ = p.json(ev)
			return
		}
		switch {
		case ev.Error != "":
			p.line("%s  %-15s %s (attempt %d): %s", ev.Time.Local().Format(time.TimeOnly), ev.Event, ev.ID, ev.Attempt, ev.Error)
		case ev.StatusCode != 0:
			p.line("%s  %-15s %s (attempt %d): %d", ev.Time.Local().Format(time.TimeOnly), ev.Event, ev.ID, ev.Attempt, ev.StatusCode)
		default:
			p.line("%s  %-15s %s %s", ev.Time.Local().Format(time.TimeOnly), ev.Event, ev.ID, statusLabel(ev.Status))
		}
	}

	hooks := ledger.Hooks{
		OnPersist: func(e domain.Entry) {
			emit(WatchEvent{Event: "persisted", ID: e.ID, Status: e.Status, Attempt: e.AttemptCount})
		},
		OnReplayStart: func(e domain.Entry) {
			emit(WatchEvent{Event: "replay_start", ID: e.ID, Status: e.Status, Attempt: e.AttemptCount})
		},
		OnReplaySuccess: func(e domain.Entry, resp *http.Response) {
			emit(WatchEvent{Event: "replay_success", ID: e.ID, Status: e.Status, Attempt: e.AttemptCount, StatusCode: resp.StatusCode})
		},
		OnReplayFailure: func(e domain.Entry, err error) {
			emit(WatchEvent{Event: "replay_failure", ID: e.ID, Status: e.Status, Attempt: e.AttemptCount, Error: err.Error()})
		},
	}

	l, err := ledger.New(ctx, ledgerConfig(lc, true, hooks))
	if err != nil {
		return ledgerExit("open ledger", err)
	}
	log.Info().
		Str("db", lc.DBPath).
		Str("ping_url", lc.PingURL).
		Int("concurrency", lc.ProcessConcurrency).
		Msg("watching")

	<-ctx.Done()

	log.Info().Msg("stopping")
	if err := l.Destroy(); err != nil {
		return ledgerExit("close ledger", err)
	}
	return nil
}
