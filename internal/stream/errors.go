package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned by Connect while a connection is open.
	ErrAlreadyConnected = errors.New("stream: already connected")
	// ErrStreamClosed means the server ended the body before a terminal event.
	ErrStreamClosed = errors.New("stream: closed before a terminal event")
	// ErrFirstFrameTimeout means no frame arrived within Timeouts.FirstFrame.
	ErrFirstFrameTimeout = errors.New("stream: timed out waiting for first frame")
	// ErrIdleTimeout means the gap between frames exceeded Timeouts.Idle.
	ErrIdleTimeout = errors.New("stream: idle timeout")
)

// TransportError reports a failure of the streaming connection itself:
// network errors, non-2xx responses, premature end of stream, timeouts.
type TransportError struct {
	Op         string // auth, connect, read
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("stream %s %s: server returned status %d: %s", e.Op, e.URL, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("stream %s %s: server returned status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("stream %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a frame whose payload is not valid JSON.
type DecodeError struct {
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	const max = 120
	data := string(e.Data)
	if len(data) > max {
		data = data[:max] + "..."
	}
	return fmt.Sprintf("malformed stream frame %q: %v", data, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ServerError is an application error frame sent by the server. Its message
// is passed through verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }
