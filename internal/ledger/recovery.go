package ledger

import (
	"context"

	"github.com/tbourn/request-ledger/internal/domain"
)

// recoverStale returns abandoned processing entries to pending and seeds the
// creation clock from the newest stored entry. It runs once, before any
// drain can start.
func (l *Ledger) recoverStale(ctx context.Context) error {
	all, err := l.store.GetAll(ctx)
	if err != nil {
		return err
	}
	cutoff := l.now().Add(-StaleAfter)
	recovered := 0
	for _, e := range all {
		if e.CreatedAt.After(l.lastCreated) {
			l.lastCreated = e.CreatedAt
		}
		if e.Status != domain.StatusProcessing {
			continue
		}
		if e.LastAttemptAt != nil && e.LastAttemptAt.After(cutoff) {
			l.log.Warn().Str("id", e.ID).Time("last_attempt_at", *e.LastAttemptAt).
				Msg("entry still processing; leaving it to its owner")
			continue
		}
		if err := l.store.Update(ctx, e.ID, domain.Patch{Status: domain.Ptr(domain.StatusPending)}); err != nil {
			return err
		}
		recovered++
		l.log.Info().Str("id", e.ID).Int("attempt_count", e.AttemptCount).Msg("recovered abandoned entry")
	}
	if recovered > 0 {
		recoveredTotal.Add(float64(recovered))
	}
	return nil
}
