package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/executor"
	"github.com/tbourn/request-ledger/internal/retry"
	"github.com/tbourn/request-ledger/internal/storage"
)

// Request submits opts.
//
// Online with an empty queue, the request is sent right away: a success
// returns the live response (the caller closes its body) and nothing is
// stored. A retryable failure is stored as pending and a permanent one as
// failed; both return (nil, nil). Offline, or behind a backlog, the request
// is stored as pending without touching the network, again returning
// (nil, nil). An error means the request was neither answered nor stored.
func (l *Ledger) Request(ctx context.Context, opts RequestOptions) (*http.Response, error) {
	if l.isDestroyed() {
		return nil, domain.NewDestroyedError("request")
	}
	e, err := l.newEntry(opts)
	if err != nil {
		requestsTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, err
	}

	// Reject reused ids before anything leaves the process.
	if _, err := l.store.Get(ctx, e.ID); err == nil {
		requestsTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, domain.NewDuplicateEntryError(e.ID)
	} else if !errors.Is(err, domain.ErrEntryNotFound) {
		return nil, err
	}

	backlog, err := l.hasBacklog(ctx)
	if err != nil {
		return nil, err
	}
	paused := l.paused.Load()
	offline := !backlog && !paused && !l.detector.IsOnline(ctx)
	if backlog || paused || offline {
		if err := l.persist(ctx, e); err != nil {
			return nil, err
		}
		requestsTotal.WithLabelValues(outcomeQueued).Inc()
		l.log.Debug().Str("id", e.ID).Bool("backlog", backlog).Bool("offline", offline).Msg("request queued")
		switch {
		case backlog:
			l.triggerDrain()
		case offline:
			// The watcher may not have polled during this outage; make sure
			// it reports the recovery.
			l.detector.MarkOffline()
		}
		return nil, nil
	}

	e.AttemptCount = 1
	at := l.now().UTC()
	e.LastAttemptAt = &at
	resp, err := l.execute(ctx, e, false)
	if err == nil {
		requestsTotal.WithLabelValues(outcomeSuccess).Inc()
		return resp, nil
	}
	if errors.Is(err, domain.ErrDestroyed) {
		return nil, err
	}

	// The write must land even if the caller gave up meanwhile.
	wctx := context.WithoutCancel(ctx)
	e.Error = domain.ToEntryError(err)
	if d := retry.Next(e.AttemptCount, l.retry); d.ShouldRetry && executor.Retryable(err) {
		e.Status = domain.StatusPending
		if perr := l.persist(wctx, e); perr != nil {
			return nil, perr
		}
		requestsTotal.WithLabelValues(outcomeQueued).Inc()
		l.log.Info().Err(err).Str("id", e.ID).Dur("retry_in", d.Delay).Msg("immediate attempt failed; queued for retry")
		l.scheduleDrain(d.Delay)
		return nil, nil
	}

	e.Status = domain.StatusFailed
	if perr := l.persist(wctx, e); perr != nil {
		return nil, perr
	}
	requestsTotal.WithLabelValues(outcomeFailed).Inc()
	l.log.Warn().Err(err).Str("id", e.ID).Msg("immediate attempt failed; marked failed")
	l.fireFailure(e, err, ProcessOptions{})
	return nil, nil
}

func (l *Ledger) newEntry(opts RequestOptions) (*domain.Entry, error) {
	if opts.ID == "" {
		return nil, domain.NewRequestError("", "id is required")
	}
	method, ok := domain.NormalizeMethod(opts.Method)
	if !ok {
		return nil, domain.NewRequestError(opts.ID, "method %q not in %v", opts.Method, domain.AllowedMethods)
	}
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, domain.NewRequestError(opts.ID, "url %q must be absolute", opts.URL)
	}
	e := &domain.Entry{
		ID: opts.ID,
		Request: domain.Request{
			URL:     opts.URL,
			Method:  method,
			Headers: opts.Headers,
			Body:    opts.Body,
		},
		Status:         domain.StatusPending,
		IdempotencyKey: opts.IdempotencyKey,
		Metadata:       opts.Metadata,
	}
	*e = e.Clone()
	if e.Request.Headers == nil {
		e.Request.Headers = map[string]string{}
	}
	e.CreatedAt = l.nextCreatedAt()
	return e, nil
}

func (l *Ledger) hasBacklog(ctx context.Context) (bool, error) {
	counts, err := storage.CountByStatus(ctx, l.store)
	if err != nil {
		return false, err
	}
	return counts[domain.StatusPending] > 0 || counts[domain.StatusProcessing] > 0, nil
}

func (l *Ledger) persist(ctx context.Context, e *domain.Entry) error {
	if err := l.store.Put(ctx, e); err != nil {
		return err
	}
	l.firePersist(e)
	return nil
}

// execute runs one attempt off the caller's cancellation. If the ledger is
// destroyed first, the attempt is abandoned and its reply discarded.
func (l *Ledger) execute(ctx context.Context, e *domain.Entry, buffer bool) (*http.Response, error) {
	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	snapshot := e.Clone()
	go func() {
		resp, err := l.exec.Do(context.WithoutCancel(ctx), &snapshot, buffer)
		ch <- result{resp, err}
	}()

	start := time.Now()
	replayInflight.Inc()
	defer replayInflight.Dec()

	select {
	case r := <-ch:
		replayDuration.Observe(time.Since(start).Seconds())
		if l.isDestroyed() {
			closeBody(r.resp)
			return nil, domain.NewDestroyedError("execute")
		}
		return r.resp, r.err
	case <-l.life.Done():
		go func() { closeBody((<-ch).resp) }()
		return nil, domain.NewDestroyedError("execute")
	}
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}
