package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/ledger"
	"github.com/tbourn/request-ledger/internal/utils"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Status   string
	Page     int
	PageSize int
}

// ListResult is the JSON shape of the list command.
type ListResult struct {
	Entries    []domain.Entry `json:"entries"`
	Total      int            `json:"total"`
	Page       int            `json:"page,omitempty"`
	TotalPages int            `json:"total_pages,omitempty"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries in replay order",
		Long: `List ledger entries ordered by creation time.

Examples:
  request-ledger list
  request-ledger list --status failed
  request-ledger list --page 2 --page-size 50 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only entries with this status (pending|processing|completed|failed)")
	cmd.Flags().IntVar(&opts.Page, "page", 0, "page number (1-based); 0 lists everything")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 20, "entries per page")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	var want domain.Status
	if opts.Status != "" {
		want = domain.Status(opts.Status)
		if !want.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", opts.Status))
		}
	}

	ctx := cmd.Context()
	return opts.withLedger(ctx, func(l *ledger.Ledger) error {
		all, err := l.List(ctx)
		if err != nil {
			return ledgerExit("list", err)
		}
		if want != "" {
			filtered := all[:0]
			for _, e := range all {
				if e.Status == want {
					filtered = append(filtered, e)
				}
			}
			all = filtered
		}

		res := ListResult{Entries: all, Total: len(all)}
		if opts.Page > 0 {
			size := utils.Clamp(opts.PageSize, 1, 1000)
			start, end := utils.Window(len(all), opts.Page, size)
			res.Entries = all[start:end]
			res.Page = opts.Page
			res.TotalPages = utils.TotalPages(int64(len(all)), size)
		}

		p := opts.printer(cmd)
		if p.isJSON() {
			return p.json(res)
		}
		p.entries(res.Entries)
		if res.Page > 0 {
			p.line("Page %d of %d (%d entries)", res.Page, res.TotalPages, res.Total)
		}
		return nil
	})
}
