package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/auth"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/mockstream"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/sse"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/stream"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeTransport hands frames to the session on demand. Unlike the real
// transport it keeps delivering after Disconnect, which lets tests check
// that the session itself stays silent.
type fakeTransport struct {
	mu          sync.Mutex
	opts        stream.ConnectOptions
	connected   bool
	connects    int
	disconnects int
}

func (f *fakeTransport) Connect(_ context.Context, _ string, opts stream.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return stream.ErrAlreadyConnected
	}
	f.opts = opts
	f.connected = true
	f.connects++
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) frame(data string) {
	f.mu.Lock()
	onFrame := f.opts.OnFrame
	f.mu.Unlock()
	onFrame(sse.Frame{Data: []byte(data)})
}

func (f *fakeTransport) close(err error) {
	f.mu.Lock()
	onClose := f.opts.OnClose
	f.mu.Unlock()
	onClose(err)
}

func newFakeSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	s := New("http://x.test/stream", WithTransport(ft))
	t.Cleanup(s.Disconnect)
	return s, ft
}

// callRecorder records handler calls from Run.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *callRecorder) add(c string) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *callRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *callRecorder) handlers() stream.Handlers {
	return stream.Handlers{
		OnToken:          func(s string) { r.add("token:" + s) },
		OnCitation:       func(c stream.Citation) { r.add("citation:" + c.ID) },
		OnProfileSummary: func(json.RawMessage) { r.add("profile") },
		OnComplete:       func() { r.add("complete") },
		OnError: func(err error) {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			r.add("error")
		},
	}
}

func kinds(events []stream.StreamEvent) []stream.Kind {
	out := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func answer(events []stream.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == stream.KindToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

// -----------------------------------------------------------------------------
// End to end against the mock SSE server
// -----------------------------------------------------------------------------

func verifyNoLeaks(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t,
			goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
			goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		)
	})
}

func newServerSession(t *testing.T, script mockstream.Script, opts ...Option) (*Session, *mockstream.Handler) {
	t.Helper()
	h := mockstream.NewHandler(script)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	client := stream.NewHTTPClient(time.Second)
	t.Cleanup(client.CloseIdleConnections)

	s := New(srv.URL+"/api/agent/stream", append([]Option{WithHTTPClient(client)}, opts...)...)
	t.Cleanup(s.Disconnect)
	return s, h
}

func runWithTimeout(t *testing.T, s *Session, h stream.Handlers) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx, h)
	require.NoError(t, ctx.Err(), "Run did not finish in time")
	return err
}

func TestSessionStreamsHello(t *testing.T) {
	verifyNoLeaks(t)
	s, _ := newServerSession(t, mockstream.Script{Frames: []mockstream.Frame{
		mockstream.Token("Hel"),
		mockstream.Token("lo"),
		mockstream.Complete(),
	}})

	require.NoError(t, s.Connect(context.Background()))
	rec := &callRecorder{}
	require.NoError(t, runWithTimeout(t, s, rec.handlers()))

	assert.Equal(t, StateClosed, s.State())
	log := s.Log()
	assert.Len(t, log, 3)
	assert.Equal(t, "Hello", answer(log))
	assert.Equal(t, []string{"token:Hel", "token:lo", "complete"}, rec.Calls())
	assert.NoError(t, s.Err())
	assert.NotEmpty(t, s.ID())
}

func TestSessionServerErrorFrame(t *testing.T) {
	verifyNoLeaks(t)
	s, _ := newServerSession(t, mockstream.Script{Frames: []mockstream.Frame{mockstream.Error("rate limited")}})

	require.NoError(t, s.Connect(context.Background()))
	rec := &callRecorder{}
	require.NoError(t, runWithTimeout(t, s, rec.handlers()))

	assert.Equal(t, StateFailed, s.State())
	require.Error(t, s.Err())
	assert.Equal(t, "rate limited", s.Err().Error())
	var se *stream.ServerError
	assert.ErrorAs(t, s.Err(), &se)
	assert.Equal(t, []string{"error"}, rec.Calls())
}

func TestSessionDisconnectBeforeFirstFrame(t *testing.T) {
	verifyNoLeaks(t)
	gate := make(chan struct{})
	s, _ := newServerSession(t, mockstream.Script{
		Frames:   []mockstream.Frame{mockstream.Token("never").Gated(gate), mockstream.Complete()},
		HoldOpen: true,
	})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnecting, s.State())

	rec := &callRecorder{}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), rec.handlers()) }()

	s.Disconnect()
	close(gate)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Disconnect")
	}

	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, s.Log())
	assert.Empty(t, rec.Calls())
}

func TestSessionDispatchesAllKindsInOrder(t *testing.T) {
	verifyNoLeaks(t)
	s, _ := newServerSession(t, mockstream.Script{Frames: []mockstream.Frame{
		mockstream.Citation("c1", "Guide", "https://x.test/c1"),
		mockstream.Token("answer"),
		mockstream.ProfileSummary(map[string]any{"years": 3}),
		mockstream.Complete(),
	}})

	require.NoError(t, s.Connect(context.Background()))
	rec := &callRecorder{}
	require.NoError(t, runWithTimeout(t, s, rec.handlers()))

	assert.Equal(t, []string{"citation:c1", "token:answer", "profile", "complete"}, rec.Calls())
	assert.Equal(t, []stream.Kind{stream.KindCitation, stream.KindToken, stream.KindProfileSummary, stream.KindComplete}, kinds(s.Log()))

	profiles := 0
	for _, c := range rec.Calls() {
		if c == "profile" {
			profiles++
		}
	}
	assert.Equal(t, 1, profiles)
}

func TestSessionNon2xxFails(t *testing.T) {
	verifyNoLeaks(t)
	s, _ := newServerSession(t, mockstream.Script{Status: http.StatusUnauthorized})

	require.NoError(t, s.Connect(context.Background()))
	rec := &callRecorder{}
	require.NoError(t, runWithTimeout(t, s, rec.handlers()))

	assert.Equal(t, StateFailed, s.State())
	var te *stream.TransportError
	require.ErrorAs(t, s.Err(), &te)
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.Equal(t, []stream.Kind{stream.KindError}, kinds(s.Log()))
	assert.Equal(t, []string{"error"}, rec.Calls())
}

func TestSessionPrematureEOFFails(t *testing.T) {
	verifyNoLeaks(t)
	s, _ := newServerSession(t, mockstream.Script{Frames: []mockstream.Frame{mockstream.Token("half")}})

	require.NoError(t, s.Connect(context.Background()))
	rec := &callRecorder{}
	require.NoError(t, runWithTimeout(t, s, rec.handlers()))

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), stream.ErrStreamClosed)
	assert.Equal(t, []string{"token:half", "error"}, rec.Calls())
}

func TestSessionMalformedFrameOverHTTP(t *testing.T) {
	verifyNoLeaks(t)
	s, _ := newServerSession(t, mockstream.Script{
		Frames:   []mockstream.Frame{mockstream.Token("a"), mockstream.Raw("not json"), mockstream.Token("b")},
		HoldOpen: true,
	})

	require.NoError(t, s.Connect(context.Background()))
	rec := &callRecorder{}
	require.NoError(t, runWithTimeout(t, s, rec.handlers()))

	assert.Equal(t, StateFailed, s.State())
	var de *stream.DecodeError
	assert.ErrorAs(t, s.Err(), &de)
	assert.Equal(t, []string{"token:a", "error"}, rec.Calls())
}

func TestSessionSendsBearerToken(t *testing.T) {
	verifyNoLeaks(t)
	s, h := newServerSession(t,
		mockstream.Script{Frames: []mockstream.Frame{mockstream.Complete()}},
		WithTokenProvider(auth.StaticToken("tok-123")),
	)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, runWithTimeout(t, s, stream.Handlers{}))

	reqs := h.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer tok-123", reqs[0].Authorization)
	assert.Equal(t, "/api/agent/stream", reqs[0].URL)
}

func TestSessionWithoutAuth(t *testing.T) {
	verifyNoLeaks(t)
	s, h := newServerSession(t,
		mockstream.Script{Frames: []mockstream.Frame{mockstream.Complete()}},
		WithTokenProvider(auth.StaticToken("tok-123")),
		WithAuth(false),
	)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, runWithTimeout(t, s, stream.Handlers{}))
	assert.Empty(t, h.Requests()[0].Authorization)
}

func TestSessionFirstFrameTimeout(t *testing.T) {
	verifyNoLeaks(t)
	s, _ := newServerSession(t, mockstream.Script{HoldOpen: true},
		WithTimeouts(stream.Timeouts{FirstFrame: 50 * time.Millisecond}))

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, runWithTimeout(t, s, stream.Handlers{}))

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), stream.ErrFirstFrameTimeout)
}

// -----------------------------------------------------------------------------
// State machine against the fake transport
// -----------------------------------------------------------------------------

func TestSessionInitialState(t *testing.T) {
	s, _ := newFakeSession(t)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Log())
	assert.NoError(t, s.Err())
	assert.Empty(t, s.ID())

	_, ok := s.Next(context.Background())
	assert.False(t, ok)
}

func TestSessionConnectTransitions(t *testing.T) {
	s, ft := newFakeSession(t)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnecting, s.State())
	assert.True(t, ft.IsConnected())

	ft.frame(`{"type":"token","content":"x"}`)
	assert.Equal(t, StateOpen, s.State())

	ft.frame(`{"type":"complete"}`)
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, ft.IsConnected(), "terminal event must release the transport")
}

func TestSessionConnectIsNoOpUnlessIdle(t *testing.T) {
	s, ft := newFakeSession(t)

	require.NoError(t, s.Connect(context.Background()))
	id := s.ID()
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, ft.connects)
	assert.Equal(t, id, s.ID())

	ft.frame(`{"type":"complete"}`)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, ft.connects)
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionConnectIsNoOpWhileTransportBusy(t *testing.T) {
	ft := &fakeTransport{connected: true}
	s := New("http://x.test", WithTransport(ft))

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, ft.connects)
}

type refusingTransport struct{ fakeTransport }

func (*refusingTransport) Connect(context.Context, string, stream.ConnectOptions) error {
	return errors.New("refused")
}

func TestSessionConnectErrorFails(t *testing.T) {
	s := New("http://x.test", WithTransport(&refusingTransport{}))
	assert.EqualError(t, s.Connect(context.Background()), "refused")
	assert.Equal(t, StateFailed, s.State())
	assert.EqualError(t, s.Err(), "refused")
}

func TestSessionEventsCarrySequence(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	ft.frame(`{"type":"token","content":"a"}`)
	ft.frame(`{"type":"future_kind"}`)
	ft.frame(`{"type":"token","content":"b"}`)

	log := s.Log()
	require.Len(t, log, 2)
	assert.Equal(t, 0, log[0].Seq)
	assert.Equal(t, 1, log[1].Seq)
}

func TestSessionUnknownKindDoesNotAdvance(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	ft.frame(`{"type":"future_kind","content":"?"}`)
	assert.Equal(t, StateConnecting, s.State())
	assert.Empty(t, s.Log())

	ft.frame(`{"type":"token","content":"ok"}`)
	ft.frame(`{"type":"future_kind"}`)
	assert.Equal(t, StateOpen, s.State())
	ft.frame(`{"type":"complete"}`)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []stream.Kind{stream.KindToken, stream.KindComplete}, kinds(s.Log()))
}

func TestSessionMalformedFrameFails(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	rec := &callRecorder{}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), rec.handlers()) }()

	assert.NotPanics(t, func() { ft.frame(`{"type":"token", oops`) })
	require.NoError(t, <-done)

	assert.Equal(t, StateFailed, s.State())
	var de *stream.DecodeError
	require.ErrorAs(t, s.Err(), &de)
	assert.Equal(t, []string{"error"}, rec.Calls())
	assert.Equal(t, []stream.Kind{stream.KindError}, kinds(s.Log()))
}

func TestSessionTransportErrorFails(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	ft.frame(`{"type":"token","content":"a"}`)
	cause := &stream.TransportError{Op: "read", URL: "http://x.test", Err: errors.New("connection reset")}
	ft.close(cause)

	assert.Equal(t, StateFailed, s.State())
	assert.Same(t, cause, s.Err())
	log := s.Log()
	require.Len(t, log, 2)
	assert.Equal(t, cause.Error(), log[1].Message)
}

func TestSessionIgnoresFramesAfterTerminal(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	ft.frame(`{"type":"error","message":"rate limited"}`)
	ft.frame(`{"type":"token","content":"late"}`)
	ft.frame(`{"type":"complete"}`)
	ft.close(errors.New("eof"))

	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, "rate limited", s.Err().Error())
	assert.Len(t, s.Log(), 1)
}

func TestSessionDisconnectIdempotent(t *testing.T) {
	s, ft := newFakeSession(t)

	assert.NotPanics(t, func() {
		s.Disconnect()
		s.Disconnect()
	})
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, ft.IsConnected())
}

func TestSessionDisconnectSilencesLateFrames(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	rec := &callRecorder{}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), rec.handlers()) }()

	ft.frame(`{"type":"token","content":"1"}`)
	ft.frame(`{"type":"token","content":"2"}`)
	require.Eventually(t, func() bool { return len(rec.Calls()) == 2 }, 5*time.Second, time.Millisecond)

	s.Disconnect()
	ft.frame(`{"type":"token","content":"3"}`)
	ft.frame(`{"type":"complete"}`)
	ft.close(errors.New("late close"))
	require.NoError(t, <-done)

	assert.Equal(t, []string{"token:1", "token:2"}, rec.Calls())
	assert.Len(t, s.Log(), 2)
	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Err())
}

func TestSessionDisconnectFromHandler(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	for _, c := range []string{"1", "2", "3"} {
		ft.frame(`{"type":"token","content":"` + c + `"}`)
	}
	ft.frame(`{"type":"complete"}`)

	// All four events are already logged; stopping inside the second
	// callback must still suppress the rest.
	var calls []string
	err := s.Run(context.Background(), stream.Handlers{
		OnToken: func(c string) {
			calls = append(calls, c)
			if c == "2" {
				s.Disconnect()
			}
		},
		OnComplete: func() { calls = append(calls, "complete") },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, calls)
}

func TestSessionReset(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))
	firstID := s.ID()

	ft.frame(`{"type":"error","message":"boom"}`)
	require.Equal(t, StateFailed, s.State())

	s.Reset()
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Log())
	assert.NoError(t, s.Err())
	assert.Empty(t, s.ID())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 2, ft.connects)
	assert.NotEqual(t, firstID, s.ID())

	ft.frame(`{"type":"token","content":"again"}`)
	ft.frame(`{"type":"complete"}`)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, "again", answer(s.Log()))
}

func TestSessionResetDropsStaleConnection(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))
	stale := ft.opts

	s.Reset()
	require.NoError(t, s.Connect(context.Background()))

	stale.OnFrame(sse.Frame{Data: []byte(`{"type":"token","content":"stale"}`)})
	stale.OnClose(errors.New("stale close"))

	assert.Equal(t, StateConnecting, s.State())
	assert.Empty(t, s.Log())
	assert.NoError(t, s.Err())
}

func TestSessionNextBlocksUntilEvent(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	got := make(chan stream.StreamEvent, 1)
	go func() {
		ev, ok := s.Next(context.Background())
		if ok {
			got <- ev
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("Next returned before any event")
	case <-time.After(20 * time.Millisecond):
	}

	ft.frame(`{"type":"token","content":"x"}`)
	ev, ok := <-got
	require.True(t, ok)
	assert.Equal(t, "x", ev.Content)
}

func TestSessionNextHonoursContext(t *testing.T) {
	s, _ := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := s.Next(ctx)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Run(ctx, stream.Handlers{}), context.DeadlineExceeded)
}

func TestSessionNextDrainsAfterTerminal(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))
	ft.frame(`{"type":"token","content":"a"}`)
	ft.frame(`{"type":"complete"}`)

	var got []stream.Kind
	for {
		ev, ok := s.Next(context.Background())
		if !ok {
			break
		}
		got = append(got, ev.Kind)
	}
	assert.Equal(t, []stream.Kind{stream.KindToken, stream.KindComplete}, got)
}

func TestSessionChanged(t *testing.T) {
	s, ft := newFakeSession(t)
	ch := s.Changed()
	require.NoError(t, s.Connect(context.Background()))

	select {
	case <-ch:
	default:
		t.Fatal("Changed not signalled by Connect")
	}

	ch = s.Changed()
	ft.frame(`{"type":"token","content":"x"}`)
	select {
	case <-ch:
	default:
		t.Fatal("Changed not signalled by an event")
	}
	assert.Len(t, s.Log(), 1, "event must be logged before consumers are woken")
}

func TestSessionTranscript(t *testing.T) {
	s, ft := newFakeSession(t)
	require.NoError(t, s.Connect(context.Background()))
	ft.frame(`{"type":"citation","citation":{"id":"c1","title":"<i>Guide</i>"}}`)
	ft.frame(`{"type":"token","content":"Hel"}`)
	ft.frame(`{"type":"token","content":"lo"}`)
	ft.frame(`{"type":"complete"}`)

	tr := s.Transcript()
	assert.Equal(t, s.ID(), tr.ID)
	assert.Equal(t, "http://x.test/stream", tr.Endpoint)
	assert.Equal(t, "closed", tr.State)
	assert.Equal(t, "Hello", tr.Answer)
	require.Len(t, tr.Citations, 1)
	assert.Equal(t, "Guide", tr.Citations[0].Title)
	assert.Len(t, tr.Events, 4)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateOpen.Terminal())
}

// -----------------------------------------------------------------------------
// Properties
// -----------------------------------------------------------------------------

var nonTerminalFrames = []string{
	`{"type":"token","content":"t"}`,
	`{"type":"citation","citation":{"id":"c"}}`,
	`{"type":"profile_summary","profile":{"k":1}}`,
}

// For any N non-terminal frames followed by complete, the log holds exactly
// those frames in wire order.
func TestSessionOrderPreservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("log equals frames in order", prop.ForAll(
		func(picks []int) bool {
			ft := &fakeTransport{}
			s := New("http://x.test", WithTransport(ft))
			defer s.Disconnect()
			if err := s.Connect(context.Background()); err != nil {
				return false
			}

			var want []stream.StreamEvent
			for i, p := range picks {
				ft.frame(nonTerminalFrames[p])
				ev, _, _ := stream.ParseFrame([]byte(nonTerminalFrames[p]))
				ev.Seq = i
				want = append(want, ev)
			}
			ft.frame(`{"type":"complete"}`)
			want = append(want, stream.StreamEvent{Kind: stream.KindComplete, Seq: len(picks)})

			var delivered []stream.StreamEvent
			for {
				ev, ok := s.Next(context.Background())
				if !ok {
					break
				}
				delivered = append(delivered, ev)
			}

			opt := cmpopts.IgnoreFields(stream.StreamEvent{}, "Err")
			return s.State() == StateClosed &&
				cmp.Equal(want, s.Log(), opt) &&
				cmp.Equal(want, delivered, opt)
		},
		gen.SliceOf(gen.IntRange(0, len(nonTerminalFrames)-1)),
	))

	properties.TestingRun(t)
}

// For any prefix length K, disconnecting after K frames suppresses every
// later frame and the terminal callback.
func TestSessionPostDisconnectSilenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no callback after disconnect", prop.ForAll(
		func(k, extra int) bool {
			ft := &fakeTransport{}
			s := New("http://x.test", WithTransport(ft))
			if err := s.Connect(context.Background()); err != nil {
				return false
			}
			for i := 0; i < k; i++ {
				ft.frame(`{"type":"token","content":"x"}`)
			}

			var calls int
			h := stream.Handlers{
				OnToken:    func(string) { calls++ },
				OnComplete: func() { calls++ },
				OnError:    func(error) { calls++ },
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			// Drain the first K, then disconnect and keep delivering.
			for i := 0; i < k; i++ {
				ev, ok := s.Next(ctx)
				if !ok {
					return false
				}
				stream.NewDispatcher(h).Dispatch(ev)
			}
			s.Disconnect()
			for i := 0; i < extra; i++ {
				ft.frame(`{"type":"token","content":"late"}`)
			}
			ft.frame(`{"type":"complete"}`)

			err := s.Run(ctx, h)
			return err == nil && calls == k && len(s.Log()) == k && s.State() == StateClosed
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
