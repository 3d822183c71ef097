package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tbourn/request-ledger/internal/ledger"
	"github.com/tbourn/request-ledger/internal/sysutil"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rootOpts.withLedger(ctx, func(l *ledger.Ledger) error {
				e, err := l.Get(ctx, args[0])
				if err != nil {
					return ledgerExit("get", err)
				}
				p := rootOpts.printer(cmd)
				if p.isJSON() {
					return p.json(e)
				}
				p.entry(e)
				return nil
			})
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Move a failed entry back to pending",
		Long: `Move a failed entry back to pending with a fresh attempt budget. The entry is
sent by the next "process" run or by a running "watch".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rootOpts.withLedger(ctx, func(l *ledger.Ledger) error {
				if err := l.Retry(ctx, args[0]); err != nil {
					return ledgerExit("retry", err)
				}
				return rootOpts.ack(cmd, args[0], "requeued")
			})
		},
	}
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Delete one entry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rootOpts.withLedger(ctx, func(l *ledger.Ledger) error {
				if err := l.Remove(ctx, args[0]); err != nil {
					return ledgerExit("remove", err)
				}
				return rootOpts.ack(cmd, args[0], "removed")
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entry",
		Long:  `Delete every entry, pending ones included. Asks for confirmation unless --yes is given.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Fprint(cmd.ErrOrStderr(), "Delete all entries? [y/N] ")
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if !sysutil.IsTruthy(strings.TrimSpace(answer)) {
					return NewExitError(ExitFailure, "aborted")
				}
			}
			ctx := cmd.Context()
			return rootOpts.withLedger(ctx, func(l *ledger.Ledger) error {
				if err := l.Clear(ctx); err != nil {
					return ledgerExit("clear", err)
				}
				return rootOpts.ack(cmd, "", "cleared")
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// StateResult is the JSON shape of the state command.
type StateResult struct {
	State  ledger.State   `json:"state"`
	Counts map[string]int `json:"counts"`
	Online bool           `json:"online"`
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the aggregate ledger state",
		Long: `Show the aggregate state (idle, pending, processing, paused or error), the
number of entries per status, and whether the connectivity check passes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rootOpts.withLedger(ctx, func(l *ledger.Ledger) error {
				st, err := l.State(ctx)
				if err != nil {
					return ledgerExit("state", err)
				}
				all, err := l.List(ctx)
				if err != nil {
					return ledgerExit("state", err)
				}
				res := StateResult{State: st, Counts: map[string]int{}, Online: l.IsOnline(ctx)}
				for _, e := range all {
					res.Counts[string(e.Status)]++
				}

				p := rootOpts.printer(cmd)
				if p.isJSON() {
					return p.json(res)
				}
				p.line("State:   %s", title(string(st)))
				p.line("Online:  %v", res.Online)
				for _, s := range []string{"pending", "processing", "completed", "failed"} {
					p.line("%-9s%d", title(s)+":", res.Counts[s])
				}
				return nil
			})
		},
	}
}

// ack prints a one-line confirmation.
func (o *RootOptions) ack(cmd *cobra.Command, id, action string) error {
	p := o.printer(cmd)
	if p.isJSON() {
		return p.json(map[string]string{"id": id, "result": action})
	}
	if id == "" {
		p.line("%s", title(action))
		return nil
	}
	p.line("%s %s", id, action)
	return nil
}
