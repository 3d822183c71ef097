package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/ledger"
)

// maxShownBody caps how much of a response body the request command prints.
const maxShownBody = 64 << 10

// RequestOptions holds flags for the request command.
type RequestOptions struct {
	*RootOptions
	ID             string
	Method         string
	Headers        []string
	Data           string
	IdempotencyKey string
	Meta           map[string]string
}

// RequestResult is what the request command reports.
type RequestResult struct {
	ID         string        `json:"id"`
	Outcome    string        `json:"outcome"` // delivered | queued | failed
	StatusCode int           `json:"status_code,omitempty"`
	Body       string        `json:"body,omitempty"`
	Entry      *domain.Entry `json:"entry,omitempty"`
}

// NewRequestCommand creates the request command.
func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "request URL",
		Short: "Send a request now, or record it for replay",
		Long: `Send an HTTP request through the ledger.

Online and with an empty queue the request is sent right away and the response
is printed. Otherwise (offline, paused, behind a backlog, or after a retryable
failure) it is stored as pending and replayed later by "process" or "watch".

Examples:
  request-ledger request https://api.example.com/orders -d '{"item":"widget"}'
  request-ledger request https://api.example.com/orders/7 -X DELETE --idempotency-key del-7
  request-ledger request https://api.example.com/orders -d @order.json -H 'Authorization: Bearer x'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd.Context(), opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "entry id (default: random UUID)")
	cmd.Flags().StringVarP(&opts.Method, "method", "X", http.MethodPost, "HTTP method (GET|POST|PUT|PATCH|DELETE)")
	cmd.Flags().StringArrayVarP(&opts.Headers, "header", "H", nil, `request header "Name: value" (repeatable)`)
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "JSON body, or @file to read it from a file")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "key sent on every delivery attempt")
	cmd.Flags().StringToStringVar(&opts.Meta, "meta", nil, "metadata key=value pairs stored with the entry")

	return cmd
}

func runRequest(ctx context.Context, opts *RequestOptions, cmd *cobra.Command, url string) error {
	headers, err := parseHeaders(opts.Headers)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid header", err)
	}
	body, err := readBody(opts.Data)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid body", err)
	}
	if body != nil {
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	var meta map[string]any
	if len(opts.Meta) > 0 {
		meta = make(map[string]any, len(opts.Meta))
		for k, v := range opts.Meta {
			meta[k] = v
		}
	}

	return opts.withLedger(ctx, func(l *ledger.Ledger) error {
		resp, err := l.Request(ctx, ledger.RequestOptions{
			ID:             id,
			URL:            url,
			Method:         opts.Method,
			Headers:        headers,
			Body:           body,
			IdempotencyKey: opts.IdempotencyKey,
			Metadata:       meta,
		})
		if err != nil {
			return ledgerExit("request", err)
		}

		res := RequestResult{ID: id}
		if resp != nil {
			defer resp.Body.Close()
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxShownBody))
			res.Outcome = "delivered"
			res.StatusCode = resp.StatusCode
			res.Body = string(b)
		} else {
			e, err := l.Get(ctx, id)
			if err != nil {
				return ledgerExit("request", err)
			}
			res.Entry = e
			res.Outcome = "queued"
			if e.Status == domain.StatusFailed {
				res.Outcome = "failed"
			}
		}

		p := opts.printer(cmd)
		if p.isJSON() {
			if err := p.json(res); err != nil {
				return err
			}
		} else {
			switch res.Outcome {
			case "delivered":
				p.line("%s delivered: %d %s", id, res.StatusCode, http.StatusText(res.StatusCode))
				if res.Body != "" {
					p.line("%s", strings.TrimRight(res.Body, "\n"))
				}
			default:
				p.line("%s %s (%s)", id, res.Outcome, statusLabel(res.Entry.Status))
				if res.Entry.Error != nil {
					p.line("last error: %s", res.Entry.Error.Message)
				}
			}
		}
		if res.Outcome == "failed" {
			return NewExitError(ExitFailure, fmt.Sprintf("request %s failed permanently", id))
		}
		return nil
	})
}

// parseHeaders turns "Name: value" strings into a canonicalized map.
func parseHeaders(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%q is not of the form \"Name: value\"", h)
		}
		out[http.CanonicalHeaderKey(name)] = strings.TrimSpace(value)
	}
	return out, nil
}

// readBody returns the JSON body given inline or as @file. Empty means none.
func readBody(data string) (json.RawMessage, error) {
	if data == "" {
		return nil, nil
	}
	b := []byte(data)
	if path, ok := strings.CutPrefix(data, "@"); ok {
		var err error
		if b, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return json.RawMessage(b), nil
}
