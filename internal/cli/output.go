package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/request-ledger/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A ledger operation failed (unknown id, failed delivery, halted drain)
	ExitCommandError = 2 // Command error (bad flags, invalid config, storage unavailable)
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError without an underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Errors that are not an
// ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ledgerExit maps ledger errors onto exit codes: configuration and invalid
// input are command errors, everything else is an operation failure.
func ledgerExit(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, domain.ErrInvalidRequest):
		return WrapExitError(ExitCommandError, op, err)
	default:
		return WrapExitError(ExitFailure, op, err)
	}
}

// title renders an enum value for humans, e.g. "pending" -> "Pending". A
// Caser is not safe for concurrent use, so one is built per call.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

func statusLabel(s domain.Status) string { return title(string(s)) }

// printer writes command results as text or indented JSON.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) isJSON() bool { return p.format == "json" }

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// entries prints a table of entries.
func (p printer) entries(es []domain.Entry) {
	if len(es) == 0 {
		p.line("No entries.")
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tMETHOD\tURL\tCREATED\tERROR")
	for _, e := range es {
		msg := ""
		if e.Error != nil {
			msg = e.Error.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, statusLabel(e.Status), e.AttemptCount, e.Request.Method, e.Request.URL,
			e.CreatedAt.Local().Format(time.DateTime), truncate(msg, 60))
	}
	_ = tw.Flush()
}

// entry prints one entry as key/value lines.
func (p printer) entry(e *domain.Entry) {
	p.line("ID:        %s", e.ID)
	p.line("Status:    %s", statusLabel(e.Status))
	p.line("Request:   %s %s", e.Request.Method, e.Request.URL)
	p.line("Attempts:  %d", e.AttemptCount)
	p.line("Created:   %s", e.CreatedAt.Local().Format(time.RFC3339))
	if e.LastAttemptAt != nil {
		p.line("Last try:  %s", e.LastAttemptAt.Local().Format(time.RFC3339))
	}
	if e.IdempotencyKey != "" {
		p.line("Idem key:  %s", e.IdempotencyKey)
	}
	if e.Error != nil {
		if e.Error.Code != "" {
			p.line("Error:     [%s] %s", e.Error.Code, e.Error.Message)
		} else {
			p.line("Error:     %s", e.Error.Message)
		}
	}
	if len(e.Request.Headers) > 0 {
		keys := make([]string, 0, len(e.Request.Headers))
		for k := range e.Request.Headers {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		p.line("Headers:   %s", strings.Join(keys, ", "))
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
