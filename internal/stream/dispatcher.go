package stream

import "encoding/json"

// Handlers receive dispatched events. Nil handlers are skipped.
type Handlers struct {
	OnToken          func(content string)
	OnCitation       func(c Citation)
	OnProfileSummary func(profile json.RawMessage)
	OnComplete       func()
	OnError          func(err error)
}

// Dispatcher routes events of a single connection to Handlers.
//
// Exactly one of OnComplete or OnError fires per connection and it fires
// last: after the first terminal event every further event, including a
// duplicate terminal, is dropped. A Dispatcher is used from one goroutine.
type Dispatcher struct {
	h    Handlers
	done bool
}

// NewDispatcher returns a dispatcher for one connection lifetime.
func NewDispatcher(h Handlers) *Dispatcher {
	return &Dispatcher{h: h}
}

// Done reports whether a terminal event has been dispatched.
func (d *Dispatcher) Done() bool { return d.done }

// Dispatch routes ev and reports whether the connection is now terminal.
// Unknown kinds are dropped.
func (d *Dispatcher) Dispatch(ev StreamEvent) bool {
	if d.done {
		return true
	}
	switch ev.Kind {
	case KindToken:
		if d.h.OnToken != nil {
			d.h.OnToken(ev.Content)
		}
	case KindCitation:
		if d.h.OnCitation != nil && ev.Citation != nil {
			d.h.OnCitation(*ev.Citation)
		}
	case KindProfileSummary:
		if d.h.OnProfileSummary != nil {
			d.h.OnProfileSummary(ev.Profile)
		}
	case KindComplete:
		d.done = true
		if d.h.OnComplete != nil {
			d.h.OnComplete()
		}
	case KindError:
		d.done = true
		if d.h.OnError != nil {
			d.h.OnError(ev.Error())
		}
	}
	return d.done
}

// DispatchFrame parses a raw frame payload and dispatches it. A malformed
// payload is dispatched as a terminal error carrying the *DecodeError.
func (d *Dispatcher) DispatchFrame(data []byte) bool {
	ev, ok, err := ParseFrame(data)
	if err != nil {
		return d.Dispatch(DecodeErrorEvent(err))
	}
	if !ok {
		return d.done
	}
	return d.Dispatch(ev)
}

// Fail dispatches a transport-level failure as the terminal error.
func (d *Dispatcher) Fail(err error) bool {
	return d.Dispatch(StreamEvent{Kind: KindError, Message: err.Error(), Err: err})
}
