// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the server half of the ledger's idempotency contract.
// For unsafe methods carrying an idempotency key it:
//   - validates the key (length and token charset)
//   - answers a repeat delivery with the stored first response
//   - captures and stores the first response when it is final (status < 500)
//
// Persistence is decoupled through the IdempotencyLookup and IdempotencySave
// function types so the middleware stays free of storage concerns.
package middleware

import (
	"bytes"
	"context"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the default request header carrying the key. It
// matches the header the ledger attaches to every delivery attempt.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// HeaderIdempotencyReplayed marks a response served from the stored record.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

// Context keys used internally to stash idempotency state.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when a stored response was served
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by IdempotencyReplay. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the request was answered from a stored response.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// StoredResponse is what a lookup returns for a previously answered key.
type StoredResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// IdempotencyLookup returns the stored response for (key, method, path), or
// nil when there is none (or it has expired). Errors are logged and the
// request proceeds as a first delivery.
type IdempotencyLookup func(ctx context.Context, key, method, path string, now time.Time) (*StoredResponse, error)

// IdempotencySave persists the first final response for (key, method, path).
type IdempotencySave func(ctx context.Context, key, method, path string, resp StoredResponse) error

// IdempotencyOptions configures IdempotencyReplay.
type IdempotencyOptions struct {
	// Header names the key header. Empty means HeaderIdempotencyKey.
	Header string
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil, a conservative RFC7230-like
	// token pattern is used: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// IdempotencyReplay returns the replay middleware.
//
// Behavior:
//   - Safe methods and requests without the header pass through untouched.
//   - An invalid key is rejected with 400 bad_idempotency_key.
//   - A stored response is written back verbatim with Idempotency-Replayed: true,
//     and the rate-limit bypass flag is set.
//   - Otherwise the handler runs; a response with status < 500 is stored so
//     later deliveries see the same result. 5xx stays retryable.
//
// Concurrent requests with the same tuple are serialized in-process so a
// redelivery racing the first attempt waits for it and then replays.
func IdempotencyReplay(opts IdempotencyOptions, lookup IdempotencyLookup, save IdempotencySave) gin.HandlerFunc {
	header := opts.Header
	if header == "" {
		header = HeaderIdempotencyKey
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}
	locks := newKeyedMutex()

	return func(c *gin.Context) {
		if !isUnsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		key := c.GetHeader(header)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid " + header,
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		ctx := c.Request.Context()
		method, path := c.Request.Method, c.Request.URL.Path
		tuple := method + " " + path + " " + key

		unlock := locks.lock(tuple)
		defer unlock()

		if lookup != nil {
			stored, err := lookup(ctx, key, method, path, time.Now().UTC())
			if err != nil {
				LoggerFrom(c).Warn().Err(err).Str("idempotency_key", maskKey(key)).Msg("idempotency lookup failed")
			} else if stored != nil {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
				idemReplays.WithLabelValues(method, routeLabel(c)).Inc()
				writeStored(c, stored)
				return
			}
		}

		rec := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		// 5xx and throttled responses are not final answers.
		status := rec.Status()
		if save == nil || status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return
		}
		resp := StoredResponse{
			Status:      status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.buf.Bytes(),
		}
		if err := save(ctx, key, method, path, resp); err != nil {
			LoggerFrom(c).Warn().Err(err).Str("idempotency_key", maskKey(key)).Msg("idempotency save failed")
		}
	}
}

func writeStored(c *gin.Context, s *StoredResponse) {
	h := c.Writer.Header()
	h.Set(HeaderIdempotencyReplayed, "true")
	ct := s.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Data(s.Status, ct, s.Body)
	c.Abort()
}

func isUnsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// captureWriter tees the response body into buf.
type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
