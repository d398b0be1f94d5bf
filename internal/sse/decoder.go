// Package sse decodes the Server-Sent-Events wire format into frames.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxLineSize bounds a single SSE line.
const DefaultMaxLineSize = 1 << 20

// ErrLineTooLong is returned when a line exceeds the decoder's limit.
var ErrLineTooLong = errors.New("sse: line too long")

// Frame is one dispatched SSE event: the fields accumulated up to a blank line.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// Decoder reads frames from an event stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultMaxLineSize)
}

// NewDecoderSize returns a decoder whose lines may be at most maxLine bytes.
func NewDecoderSize(r io.Reader, maxLine int) *Decoder {
	s := bufio.NewScanner(r)
	initial := 4096
	if maxLine < initial {
		initial = maxLine
	}
	s.Buffer(make([]byte, 0, initial), maxLine)
	return &Decoder{scanner: s}
}

// Next returns the next complete frame. Frames are terminated by a blank
// line; a trailing frame without its terminator is discarded and io.EOF is
// returned.
func (d *Decoder) Next() (Frame, error) {
	var (
		f       Frame
		data    bytes.Buffer
		hasData bool
	)
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			if !hasData {
				// A block without data lines is not dispatched.
				f = Frame{}
				continue
			}
			f.Data = append([]byte(nil), data.Bytes()...)
			return f, nil
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case "event":
			f.Event = string(value)
		case "id":
			f.ID = string(value)
		default:
			// retry and unknown fields are ignored
		}
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Frame{}, ErrLineTooLong
		}
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
