package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/executor"
	"github.com/tbourn/request-ledger/internal/retry"
)

// Process drains pending entries now, in (CreatedAt, ID) order. A nil opts
// means DefaultProcessOptions. Per-entry failures are reported through
// hooks and callbacks; Process itself fails only when the ledger is
// destroyed, the queue cannot be read, ctx ends, or StopOnError halted the
// drain. Offline or paused, it returns nil without dispatching.
func (l *Ledger) Process(ctx context.Context, opts *ProcessOptions) error {
	if l.isDestroyed() {
		return domain.NewDestroyedError("process")
	}
	o := DefaultProcessOptions()
	if opts != nil {
		o = *opts
	}
	if err := o.validate(); err != nil {
		return err
	}

	if !l.track() {
		return domain.NewDestroyedError("process")
	}
	defer l.wg.Done()

	l.drainMu.Lock()
	err := func() error {
		defer l.drainMu.Unlock()
		if l.isDestroyed() {
			return domain.NewDestroyedError("process")
		}
		drainsTotal.WithLabelValues("manual").Inc()
		return l.drain(ctx, o)
	}()

	// An auto trigger may have bounced off the lock while we held it.
	if l.recheck.Load() {
		l.triggerDrain()
	}
	return err
}

// triggerDrain starts an automatic drain in the background.
func (l *Ledger) triggerDrain() {
	if !l.auto || l.paused.Load() {
		return
	}
	l.goBackground(l.autoDrain)
}

// scheduleDrain starts an automatic drain after d.
func (l *Ledger) scheduleDrain(d time.Duration) {
	if !l.auto {
		return
	}
	l.goBackground(func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-l.life.Done():
			return
		case <-t.C:
		}
		l.autoDrain()
	})
}

// autoDrain drains unless a drain is already running, in which case the
// running one is asked to look at the queue again before it gives up.
func (l *Ledger) autoDrain() {
	l.recheck.Store(true)
	for l.recheck.Load() {
		if l.paused.Load() || l.life.Err() != nil {
			return
		}
		if !l.drainMu.TryLock() {
			return
		}
		l.recheck.Store(false)
		drainsTotal.WithLabelValues("auto").Inc()
		err := l.drain(l.life, l.autoOpts)
		l.drainMu.Unlock()
		if err != nil && !errors.Is(err, domain.ErrDestroyed) {
			l.log.Warn().Err(err).Msg("auto drain stopped")
		}
	}
}

// entryResult is how processEntry left an entry.
type entryResult int

const (
	resultSkipped   entryResult = iota // no longer pending when reached
	resultCompleted                    // delivered
	resultFailed                       // marked failed, or a failed attempt under StopOnError
	resultHalted                       // still pending; went offline or paused mid-retry
	resultAborted                      // ledger destroyed or ctx ended
)

// drain must be called with drainMu held.
func (l *Ledger) drain(ctx context.Context, opts ProcessOptions) error {
	if l.paused.Load() {
		return nil
	}
	if !l.detector.IsOnline(ctx) {
		l.log.Debug().Msg("offline; drain skipped")
		l.detector.MarkOffline()
		return nil
	}
	all, err := l.store.GetAll(ctx)
	if err != nil {
		return err
	}
	ids := sortedPending(all)
	if len(ids) == 0 {
		return nil
	}
	l.log.Debug().Int("pending", len(ids)).Int("concurrency", opts.workers()).Msg("drain started")

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, opts.workers())
		halt     atomic.Bool
		errMu    sync.Mutex
		firstErr error
	)
	stop := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		halt.Store(true)
	}

dispatch:
	for _, id := range ids {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		case <-l.life.Done():
			break dispatch
		}
		// Checked after the slot frees up so that, at concurrency 1, the
		// previous entry's outcome is known before the next is dequeued.
		if halt.Load() || l.paused.Load() || ctx.Err() != nil || l.life.Err() != nil {
			<-sem
			break
		}
		wg.Add(1)
		go func(id string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			res, err := l.processEntry(ctx, id, opts)
			switch res {
			case resultFailed:
				if opts.StopOnError || errors.Is(err, domain.ErrPersistence) {
					stop(err)
				}
			case resultHalted, resultAborted:
				halt.Store(true)
			}
		}(id)
	}
	wg.Wait()

	switch {
	case l.isDestroyed():
		return domain.NewDestroyedError("process")
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return firstErr
}

// processEntry delivers one entry, retrying in place while the retry policy
// allows it.
func (l *Ledger) processEntry(ctx context.Context, id string, opts ProcessOptions) (entryResult, error) {
	e, err := l.store.Get(ctx, id)
	if errors.Is(err, domain.ErrEntryNotFound) {
		return resultSkipped, nil
	}
	if err != nil {
		l.log.Error().Err(err).Str("id", id).Msg("load entry")
		return resultFailed, err
	}

	for {
		if !e.Status.CanTransitionTo(domain.StatusProcessing) {
			return resultSkipped, nil
		}

		at := l.now().UTC()
		start := domain.Patch{
			Status:        domain.Ptr(domain.StatusProcessing),
			AttemptCount:  domain.Ptr(e.AttemptCount + 1),
			LastAttemptAt: &at,
		}
		if err := l.store.Update(ctx, id, start); err != nil {
			if errors.Is(err, domain.ErrEntryNotFound) {
				return resultSkipped, nil
			}
			l.log.Error().Err(err).Str("id", id).Msg("mark processing")
			return resultFailed, err
		}
		e.Apply(start)
		l.fireReplayStart(e)

		resp, err := l.execute(ctx, e, true)
		if errors.Is(err, domain.ErrDestroyed) {
			replayAttempts.WithLabelValues(outcomeAbandon).Inc()
			return resultAborted, err
		}

		// Record the outcome even if ctx ended during the attempt.
		wctx := context.WithoutCancel(ctx)

		if err == nil {
			replayAttempts.WithLabelValues(outcomeSuccess).Inc()
			done := domain.Patch{Status: domain.Ptr(domain.StatusCompleted), ClearError: true}
			if uerr := l.store.Update(wctx, id, done); uerr != nil {
				closeBody(resp)
				l.log.Error().Err(uerr).Str("id", id).Msg("record completion")
				return resultFailed, uerr
			}
			e.Apply(done)
			l.log.Info().Str("id", id).Int("attempt", e.AttemptCount).Int("status", resp.StatusCode).Msg("replayed")
			l.fireSuccess(e, resp, opts)
			closeBody(resp)
			return resultCompleted, nil
		}

		e.Error = domain.ToEntryError(err)
		d := retry.Next(e.AttemptCount, l.retry)
		if !executor.Retryable(err) || !d.ShouldRetry {
			replayAttempts.WithLabelValues(outcomeFailed).Inc()
			failed := domain.Patch{Status: domain.Ptr(domain.StatusFailed), Error: e.Error}
			if uerr := l.store.Update(wctx, id, failed); uerr != nil {
				l.log.Error().Err(uerr).Str("id", id).Msg("record failure")
				return resultFailed, uerr
			}
			e.Apply(failed)
			l.log.Warn().Err(err).Str("id", id).Int("attempt", e.AttemptCount).Msg("entry failed")
			l.fireFailure(e, err, opts)
			return resultFailed, err
		}

		replayAttempts.WithLabelValues(outcomeRetry).Inc()
		again := domain.Patch{Status: domain.Ptr(domain.StatusPending), Error: e.Error}
		if uerr := l.store.Update(wctx, id, again); uerr != nil {
			l.log.Error().Err(uerr).Str("id", id).Msg("requeue")
			return resultFailed, uerr
		}
		e.Apply(again)
		l.log.Info().Err(err).Str("id", id).Int("attempt", e.AttemptCount).Dur("retry_in", d.Delay).Msg("attempt failed; will retry")

		if opts.StopOnError {
			l.scheduleDrain(d.Delay)
			return resultFailed, err
		}
		if !l.sleep(ctx, d.Delay) {
			return resultAborted, nil
		}
		if l.paused.Load() {
			return resultHalted, nil
		}
		if !l.detector.IsOnline(ctx) {
			l.detector.MarkOffline()
			return resultHalted, nil
		}

		e, err = l.store.Get(ctx, id)
		if errors.Is(err, domain.ErrEntryNotFound) {
			return resultSkipped, nil
		}
		if err != nil {
			return resultFailed, err
		}
	}
}

// sleep waits d and reports whether the wait ran to completion.
func (l *Ledger) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && l.life.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-l.life.Done():
		return false
	}
}
