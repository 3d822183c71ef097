package cli

import (
	"errors"
	"net/http"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/ledger"
)

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	*RootOptions
	Concurrency int
	StopOnError bool
}

// ProcessFailure describes one entry that failed during a drain.
type ProcessFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ProcessResult summarizes one drain.
type ProcessResult struct {
	Delivered []string         `json:"delivered"`
	Failed    []ProcessFailure `json:"failed"`
	Halted    bool             `json:"halted"`
	State     ledger.State     `json:"state"`
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Replay pending entries now",
		Long: `Replay every pending entry in creation order.

By default entries are sent one at a time and the drain stops at the first
failed attempt; the entry stays pending when its failure is retryable.

Exit codes:
  0 - Drain finished
  1 - Drain halted by --stop-on-error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(opts, cmd)
		},
	}

	def := ledger.DefaultProcessOptions()
	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "c", def.Concurrency, "max in-flight replays (1 keeps strict FIFO)")
	cmd.Flags().BoolVar(&opts.StopOnError, "stop-on-error", def.StopOnError, "halt at the first failed attempt")

	return cmd
}

func runProcess(opts *ProcessOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	return opts.withLedger(ctx, func(l *ledger.Ledger) error {
		var (
			mu  sync.Mutex
			res = ProcessResult{Delivered: []string{}, Failed: []ProcessFailure{}}
		)
		perr := l.Process(ctx, &ledger.ProcessOptions{
			Concurrency: opts.Concurrency,
			StopOnError: opts.StopOnError,
			OnSuccess: func(e domain.Entry, _ *http.Response) {
				mu.Lock()
				res.Delivered = append(res.Delivered, e.ID)
				mu.Unlock()
			},
			OnFailure: func(e domain.Entry, err error) {
				mu.Lock()
				res.Failed = append(res.Failed, ProcessFailure{ID: e.ID, Error: err.Error()})
				mu.Unlock()
			},
		})
		if perr != nil && (fatalDrainErr(perr) || ctx.Err() != nil) {
			return ledgerExit("process", perr)
		}
		res.Halted = perr != nil

		st, err := l.State(ctx)
		if err != nil {
			return ledgerExit("state", err)
		}
		res.State = st

		p := opts.printer(cmd)
		if p.isJSON() {
			if err := p.json(res); err != nil {
				return err
			}
		} else {
			p.line("Delivered: %d", len(res.Delivered))
			p.line("Failed:    %d", len(res.Failed))
			for _, f := range res.Failed {
				p.line("  %s: %s", f.ID, f.Error)
			}
			if perr != nil {
				p.line("Halted:    %v", perr)
			}
			p.line("State:     %s", title(string(st)))
		}
		if perr != nil {
			return WrapExitError(ExitFailure, "drain halted", perr)
		}
		return nil
	})
}

// fatalDrainErr reports whether a drain error is about the ledger itself
// rather than a failed delivery.
func fatalDrainErr(err error) bool {
	return errors.Is(err, domain.ErrDestroyed) ||
		errors.Is(err, domain.ErrPersistence) ||
		errors.Is(err, domain.ErrInvalidConfig)
}
