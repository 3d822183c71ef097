package ledger

import (
	"net/http"

	"github.com/tbourn/request-ledger/internal/domain"
)

// safely runs a caller callback. A panic is logged and swallowed so one bad
// hook cannot wedge the state machine.
func (l *Ledger) safely(name, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("hook", name).Str("id", id).Interface("panic", r).Msg("hook panicked")
		}
	}()
	fn()
}

func (l *Ledger) firePersist(e *domain.Entry) {
	if l.hooks.OnPersist != nil {
		c := e.Clone()
		l.safely("OnPersist", e.ID, func() { l.hooks.OnPersist(c) })
	}
}

func (l *Ledger) fireReplayStart(e *domain.Entry) {
	if l.hooks.OnReplayStart != nil {
		c := e.Clone()
		l.safely("OnReplayStart", e.ID, func() { l.hooks.OnReplayStart(c) })
	}
}

func (l *Ledger) fireSuccess(e *domain.Entry, resp *http.Response, opts ProcessOptions) {
	if l.hooks.OnReplaySuccess != nil {
		c := e.Clone()
		l.safely("OnReplaySuccess", e.ID, func() { l.hooks.OnReplaySuccess(c, resp) })
	}
	if opts.OnSuccess != nil {
		c := e.Clone()
		l.safely("OnSuccess", e.ID, func() { opts.OnSuccess(c, resp) })
	}
}

func (l *Ledger) fireFailure(e *domain.Entry, err error, opts ProcessOptions) {
	if l.hooks.OnReplayFailure != nil {
		c := e.Clone()
		l.safely("OnReplayFailure", e.ID, func() { l.hooks.OnReplayFailure(c, err) })
	}
	if opts.OnFailure != nil {
		c := e.Clone()
		l.safely("OnFailure", e.ID, func() { opts.OnFailure(c, err) })
	}
}
