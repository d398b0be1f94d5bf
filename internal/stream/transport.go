package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/auth"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/sse"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/SeeSoRuFree/careerly-v2-sub001/internal/stream"

// ConnectOptions configures one connection.
type ConnectOptions struct {
	// WithAuth attaches "Authorization: Bearer <token>" when the transport's
	// token provider returns a non-empty token.
	WithAuth bool
	// OnFrame receives every decoded frame in wire order. Required.
	OnFrame func(sse.Frame)
	// OnClose fires once when the connection ends on its own, with a
	// *TransportError describing why. It does not fire after Disconnect.
	OnClose func(err error)
}

// Transport owns at most one streaming HTTP connection at a time.
type Transport struct {
	client   *http.Client
	tokens   auth.TokenProvider
	timeouts Timeouts

	mu   sync.Mutex
	conn *connection
}

// connection is the state of a single Connect call.
type connection struct {
	id      uint64
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
}

var connIDs atomic.Uint64

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithHTTPClient sets the HTTP client. The client must not set an overall
// Timeout, which would cut long streams short.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.client = c }
}

// WithTokenProvider sets where bearer tokens come from.
func WithTokenProvider(p auth.TokenProvider) TransportOption {
	return func(t *Transport) { t.tokens = p }
}

// WithTimeouts enables first-frame and idle timeouts.
func WithTimeouts(to Timeouts) TransportOption {
	return func(t *Transport) { t.timeouts = to }
}

// NewTransport creates a transport.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = NewHTTPClient(0)
	}
	return t
}

// NewHTTPClient returns a client suited to long-lived streams: only dialing
// and the TLS handshake are bounded by connectTimeout (zero means the
// default 30s).
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = connectTimeout
	return &http.Client{Transport: tr}
}

// Connect starts streaming from url. It returns immediately; frames and the
// final close are delivered on the transport's read goroutine. It fails with
// ErrAlreadyConnected while a previous connection is still open.
func (t *Transport) Connect(ctx context.Context, url string, opts ConnectOptions) error {
	if opts.OnFrame == nil {
		return fmt.Errorf("stream: OnFrame handler is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return ErrAlreadyConnected
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &connection{
		id:     connIDs.Add(1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.conn = c

	go t.run(connCtx, c, url, opts)
	return nil
}

// Disconnect cancels the current connection. Idempotent and safe in any
// state. No OnFrame call starts after Disconnect has marked the connection
// stopped; any partially received frame is discarded.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()

	if c == nil {
		return
	}
	c.stopped.Store(true)
	c.cancel()
	logging.StreamDebug("conn %d: disconnected by caller", c.id)
}

// IsConnected reports whether a connection is currently open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Done returns a channel closed when the current connection's read loop
// has exited, or nil when not connected.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.done
}

func (t *Transport) run(ctx context.Context, c *connection, url string, opts ConnectOptions) {
	defer close(c.done)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "stream.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url), attribute.Bool("stream.with_auth", opts.WithAuth)),
	)
	defer span.End()

	timer := logging.StartTimer(logging.CategoryStream, fmt.Sprintf("conn %d", c.id))
	frames, err := t.stream(ctx, c, url, opts)
	timer.Stop()
	span.SetAttributes(attribute.Int("stream.frames", frames))

	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()
	c.cancel()

	if c.stopped.Load() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logging.StreamWarn("conn %d: closed after %d frames: %v", c.id, frames, err)
	if opts.OnClose != nil {
		opts.OnClose(err)
	}
}

// stream performs the request and pumps frames until the body ends, the
// connection is stopped, or an error occurs. The returned error is nil only
// when stopped.
func (t *Transport) stream(ctx context.Context, c *connection, url string, opts ConnectOptions) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := newTimeoutMonitor(t.timeouts, cancel)
	monitor.Start()
	defer monitor.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &TransportError{Op: "connect", URL: url, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if opts.WithAuth && t.tokens != nil {
		tok, err := t.tokens.Token(ctx)
		if err != nil {
			return 0, &TransportError{Op: "auth", URL: url, Err: err}
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	logging.StreamDebug("conn %d: GET %s (auth=%v)", c.id, url, req.Header.Get("Authorization") != "")
	resp, err := t.client.Do(req)
	if err != nil {
		if c.stopped.Load() {
			return 0, nil
		}
		if te := monitor.Err(); te != nil {
			err = te
		}
		return 0, &TransportError{Op: "connect", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &TransportError{
			Op:         "connect",
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	logging.StreamDebug("conn %d: connected, content-type=%q", c.id, resp.Header.Get("Content-Type"))

	dec := sse.NewDecoder(resp.Body)
	frames := 0
	for {
		frame, err := dec.Next()
		if err != nil {
			if c.stopped.Load() {
				return frames, nil
			}
			if te := monitor.Err(); te != nil {
				return frames, &TransportError{Op: "read", URL: url, Err: te}
			}
			if errors.Is(err, io.EOF) {
				return frames, &TransportError{Op: "read", URL: url, Err: ErrStreamClosed}
			}
			return frames, &TransportError{Op: "read", URL: url, Err: err}
		}
		monitor.Frame()

		// Cancellation is checked before every dispatch, not only between reads.
		if c.stopped.Load() {
			return frames, nil
		}
		frames++
		opts.OnFrame(frame)
	}
}
