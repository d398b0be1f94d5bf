// Package session owns one "ask a question, watch the answer stream in"
// interaction: it drives a stream.Transport, keeps the ordered event log
// and exposes the connection state machine to a UI consumer.
package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/auth"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/sse"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/stream"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/transcript"

	"github.com/google/uuid"
)

// State is the connection state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is closed or failed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Transport is the streaming connection a Session drives.
// *stream.Transport implements it.
type Transport interface {
	Connect(ctx context.Context, url string, opts stream.ConnectOptions) error
	Disconnect()
	IsConnected() bool
}

// Session accumulates the events of one streaming answer.
//
// A Session is owned by a single consumer, which must call Disconnect when
// it is done with it. All methods are safe for concurrent use.
type Session struct {
	url       string
	withAuth  bool
	transport Transport

	mu      sync.Mutex
	state   State
	log     []stream.StreamEvent
	err     error
	id      string
	gen     uint64 // bumped on every Connect, Disconnect and Reset
	halted  bool   // Next delivers nothing until the next Connect
	cursor  int    // next log index handed out by Next
	changed chan struct{}
}

type settings struct {
	transport     Transport
	withAuth      bool
	transportOpts []stream.TransportOption
}

// Option configures a Session.
type Option func(*settings)

// WithTransport uses t instead of building a stream.Transport.
func WithTransport(t Transport) Option {
	return func(s *settings) { s.transport = t }
}

// WithAuth attaches the bearer token on connect. Default true.
func WithAuth(on bool) Option {
	return func(s *settings) { s.withAuth = on }
}

// WithTokenProvider sets where bearer tokens come from.
func WithTokenProvider(p auth.TokenProvider) Option {
	return func(s *settings) { s.transportOpts = append(s.transportOpts, stream.WithTokenProvider(p)) }
}

// WithTimeouts enables first-frame and idle timeouts.
func WithTimeouts(t stream.Timeouts) Option {
	return func(s *settings) { s.transportOpts = append(s.transportOpts, stream.WithTimeouts(t)) }
}

// WithHTTPClient sets the HTTP client of the built transport.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.transportOpts = append(s.transportOpts, stream.WithHTTPClient(c)) }
}

// New creates an idle session for the streaming endpoint url.
func New(url string, opts ...Option) *Session {
	cfg := settings{withAuth: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.transport == nil {
		cfg.transport = stream.NewTransport(cfg.transportOpts...)
	}
	return &Session{
		url:       url,
		withAuth:  cfg.withAuth,
		transport: cfg.transport,
		halted:    true,
		changed:   make(chan struct{}),
	}
}

// Connect starts streaming. It is a no-op unless the session is idle and
// its transport is not connected. A transport that refuses to connect
// moves the session to failed and the error is returned.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle || s.transport.IsConnected() {
		logging.SessionDebug("connect ignored in state %s", s.state)
		return nil
	}

	s.gen++
	gen := s.gen
	s.id = uuid.NewString()
	s.halted = false
	s.state = StateConnecting

	d := stream.NewDispatcher(stream.Handlers{
		OnComplete: func() { s.state = StateClosed },
		OnError: func(err error) {
			s.state = StateFailed
			s.err = err
		},
	})

	err := s.transport.Connect(ctx, s.url, stream.ConnectOptions{
		WithAuth: s.withAuth,
		OnFrame:  func(f sse.Frame) { s.onFrame(gen, d, f) },
		OnClose:  func(err error) { s.onClose(gen, d, err) },
	})
	if err != nil {
		s.state = StateFailed
		s.err = err
		logging.Get(logging.CategorySession).Warn("session %s: connect failed: %v", s.id, err)
	} else {
		logging.Session("session %s: connecting to %s", s.id, s.url)
	}
	s.notify()
	return err
}

func (s *Session) onFrame(gen uint64, d *stream.Dispatcher, f sse.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.halted || d.Done() {
		return
	}

	ev, ok, err := stream.ParseFrame(f.Data)
	switch {
	case err != nil:
		ev = stream.DecodeErrorEvent(err)
	case !ok:
		logging.SessionDebug("session %s: dropped frame of unknown type", s.id)
		return
	}

	if s.state == StateConnecting {
		s.state = StateOpen
	}
	s.record(d, ev)
}

func (s *Session) onClose(gen uint64, d *stream.Dispatcher, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.halted || d.Done() {
		return
	}
	s.record(d, stream.StreamEvent{Kind: stream.KindError, Message: err.Error(), Err: err})
}

// record appends ev to the log, runs it through the connection's
// dispatcher and wakes consumers. Caller holds s.mu.
func (s *Session) record(d *stream.Dispatcher, ev stream.StreamEvent) {
	ev.Seq = len(s.log)
	s.log = append(s.log, ev)

	if d.Dispatch(ev) {
		s.transport.Disconnect()
		if s.state == StateFailed {
			logging.Get(logging.CategorySession).Warn("session %s: failed after %d events: %v", s.id, len(s.log), s.err)
		} else {
			logging.Session("session %s: completed with %d events", s.id, len(s.log))
		}
	}
	s.notify()
}

// Disconnect stops the transport and moves any non-idle session to closed.
// No event is delivered by Next afterwards. Safe to call repeatedly and in
// any state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transport.Disconnect()
	s.gen++
	if s.halted && (s.state == StateIdle || s.state == StateClosed) {
		return
	}
	s.halted = true
	if s.state != StateIdle {
		s.state = StateClosed
	}
	logging.SessionDebug("session %s: disconnected", s.id)
	s.notify()
}

// Reset disconnects and returns the session to idle with an empty log.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transport.Disconnect()
	s.gen++
	s.halted = true
	s.state = StateIdle
	s.log = nil
	s.cursor = 0
	s.err = nil
	s.id = ""
	s.notify()
}

// Next returns the next logged event in order, blocking until one is
// available. It returns false once the session is terminal and every event
// has been returned, when the session is idle, after Disconnect or Reset,
// or when ctx is done. Events are handed out once; a single consumer should
// drive Next.
func (s *Session) Next(ctx context.Context) (stream.StreamEvent, bool) {
	for {
		s.mu.Lock()
		if s.halted {
			s.mu.Unlock()
			return stream.StreamEvent{}, false
		}
		if s.cursor < len(s.log) {
			ev := s.log[s.cursor]
			s.cursor++
			s.mu.Unlock()
			return ev, true
		}
		if s.state == StateIdle || s.state.Terminal() {
			s.mu.Unlock()
			return stream.StreamEvent{}, false
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return stream.StreamEvent{}, false
		case <-ch:
		}
	}
}

// Run feeds events from Next to h until the terminal event has been
// handled, the session is disconnected, or ctx is done. Exactly one of
// OnComplete or OnError fires, last, unless the stream is cut short by
// Disconnect.
func (s *Session) Run(ctx context.Context, h stream.Handlers) error {
	d := stream.NewDispatcher(h)
	for {
		ev, ok := s.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if d.Dispatch(ev) {
			return nil
		}
	}
}

// Changed returns a channel closed at the next change to the log or state.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Session) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log returns a copy of the events logged since the last Reset.
func (s *Session) Log() []stream.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.StreamEvent(nil), s.log...)
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ID returns the identifier of the current connection attempt, or "" when
// the session has not connected since the last Reset.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// URL returns the streaming endpoint.
func (s *Session) URL() string { return s.url }

// Transcript snapshots the session for storage. The caller fills in the
// question.
func (s *Session) Transcript() *transcript.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &transcript.Transcript{
		ID:       s.id,
		Endpoint: s.url,
		State:    s.state.String(),
	}
	t.SetEvents(s.log)
	if s.err != nil {
		t.Error = s.err.Error()
	}
	return t
}
