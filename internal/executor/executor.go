// Package executor performs one HTTP attempt for a ledger entry and
// classifies the outcome.
//
// Classification:
//   - transport error: retryable, domain.ErrNetwork
//   - 5xx: retryable, domain.ErrHTTPStatus
//   - 4xx: permanent, domain.ErrHTTPStatus
//   - anything else: success
//
// Observability: every attempt runs in a client span and the trace context
// is propagated to the server.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/request-ledger/internal/domain"
)

// DefaultIdempotencyHeader carries the entry's idempotency key.
const DefaultIdempotencyHeader = "X-Idempotency-Key"

// maxDrainBytes bounds how much of a discarded body is read so the
// connection can be reused.
const maxDrainBytes = 64 << 10

// Executor sends entry requests. The zero value uses http.DefaultClient and
// DefaultIdempotencyHeader.
type Executor struct {
	Client            *http.Client
	IdempotencyHeader string
}

// New returns an Executor with the given client and header name.
func New(client *http.Client, header string) *Executor {
	return &Executor{Client: client, IdempotencyHeader: header}
}

func (x *Executor) client() *http.Client {
	if x.Client != nil {
		return x.Client
	}
	return http.DefaultClient
}

func (x *Executor) header() string {
	if x.IdempotencyHeader != "" {
		return x.IdempotencyHeader
	}
	return DefaultIdempotencyHeader
}

// Do sends e's request snapshot once. On success the caller owns the
// response body; with buffer set the body is read fully first so the
// response stays usable after the connection is gone. On failure the
// response is consumed and closed and only the error is returned.
func (x *Executor) Do(ctx context.Context, e *domain.Entry, buffer bool) (*http.Response, error) {
	ctx, span := otel.Tracer("executor").Start(ctx, "Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ledger.entry.id", e.ID),
			attribute.String("http.request.method", e.Request.Method),
			attribute.String("url.full", e.Request.URL),
			attribute.Int("ledger.entry.attempt", e.AttemptCount),
		),
	)
	defer span.End()

	req, err := Build(ctx, e, x.header())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := x.client().Do(req)
	if err != nil {
		err = domain.NewNetworkError(e.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		discard(resp)
		err := domain.NewHTTPStatusError(e.ID, resp.StatusCode)
		span.SetStatus(codes.Error, resp.Status)
		return nil, err
	}

	if buffer {
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			// Headers arrived but the body did not; the server may or may
			// not have applied the request, so treat it like a lost reply.
			err = domain.NewNetworkError(e.ID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "read body")
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
	}
	return resp, nil
}

// Build turns the stored snapshot into an *http.Request. Content-Type
// defaults to application/json when a body is present, and the idempotency
// header is set whenever the entry carries a key.
func Build(ctx context.Context, e *domain.Entry, idemHeader string) (*http.Request, error) {
	var body io.Reader
	if len(e.Request.Body) > 0 {
		body = bytes.NewReader(e.Request.Body)
	}
	req, err := http.NewRequestWithContext(ctx, e.Request.Method, e.Request.URL, body)
	if err != nil {
		return nil, domain.NewRequestError(e.ID, "build http request: %v", err)
	}
	for k, v := range e.Request.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.IdempotencyKey != "" {
		req.Header.Set(idemHeader, e.IdempotencyKey)
	}
	return req, nil
}

// Retryable reports whether err is worth another attempt: transport
// failures and 5xx answers are, everything else is not.
func Retryable(err error) bool {
	var le *domain.LedgerError
	if !errors.As(err, &le) {
		return false
	}
	switch le.Kind {
	case domain.KindNetwork:
		return true
	case domain.KindHTTPStatus:
		return le.StatusCode >= 500
	}
	return false
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}
