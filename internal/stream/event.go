// Package stream turns a Server-Sent-Events answer stream into ordered,
// typed events: the Transport reads frames off the wire and the Dispatcher
// routes each decoded event to its handler.
package stream

import (
	"bytes"
	"encoding/json"
)

// Kind discriminates StreamEvent payloads.
type Kind string

const (
	KindToken          Kind = "token"
	KindCitation       Kind = "citation"
	KindProfileSummary Kind = "profile_summary"
	KindComplete       Kind = "complete"
	KindError          Kind = "error"
)

// Terminal reports whether no event may follow this kind.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Citation is an opaque reference to a source used in the answer.
type Citation struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// StreamEvent is one decoded frame. Only the fields of its Kind are set.
// Events are never mutated after decode.
type StreamEvent struct {
	Kind     Kind            `json:"type"`
	Seq      int             `json:"seq"`
	Content  string          `json:"content,omitempty"`
	Citation *Citation       `json:"citation,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
	Message  string          `json:"message,omitempty"`

	// Err carries the typed cause of a KindError event.
	Err error `json:"-"`
}

// Error returns the error carried by a KindError event, nil otherwise.
func (e StreamEvent) Error() error {
	if e.Kind != KindError {
		return nil
	}
	if e.Err != nil {
		return e.Err
	}
	return &ServerError{Message: e.Message}
}

// wireFrame is the JSON payload of a data: line. Citation fields may come
// nested or flat; the profile snapshot may sit under several keys.
type wireFrame struct {
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	Message  string          `json:"message"`
	Error    json.RawMessage `json:"error"`
	Citation json.RawMessage `json:"citation"`
	ID       json.RawMessage `json:"id"`
	Title    string          `json:"title"`
	URL      string          `json:"url"`
	Profile  json.RawMessage `json:"profile"`
	Data     json.RawMessage `json:"data"`
	Summary  json.RawMessage `json:"summary"`
}

type wireCitation struct {
	ID    json.RawMessage `json:"id"`
	Title string          `json:"title"`
	URL   string          `json:"url"`
}

// ParseFrame decodes one frame payload. ok is false for unknown or missing
// types, which callers drop. Malformed JSON returns a *DecodeError.
func ParseFrame(data []byte) (ev StreamEvent, ok bool, err error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamEvent{}, false, &DecodeError{Data: append([]byte(nil), data...), Err: err}
	}

	switch Kind(w.Type) {
	case KindToken:
		return StreamEvent{Kind: KindToken, Content: w.Content}, true, nil

	case KindCitation:
		c := Citation{ID: rawText(w.ID), Title: w.Title, URL: w.URL}
		if isObject(w.Citation) {
			var nested wireCitation
			if err := json.Unmarshal(w.Citation, &nested); err != nil {
				return StreamEvent{}, false, &DecodeError{Data: append([]byte(nil), data...), Err: err}
			}
			c = Citation{ID: rawText(nested.ID), Title: nested.Title, URL: nested.URL}
		}
		return StreamEvent{Kind: KindCitation, Citation: &c}, true, nil

	case KindProfileSummary:
		snap := firstPresent(w.Profile, w.Data, w.Summary)
		if snap == nil {
			snap = data
		}
		return StreamEvent{Kind: KindProfileSummary, Profile: append(json.RawMessage(nil), snap...)}, true, nil

	case KindComplete:
		return StreamEvent{Kind: KindComplete}, true, nil

	case KindError:
		msg := w.Message
		if msg == "" {
			msg = rawText(w.Error)
		}
		return StreamEvent{Kind: KindError, Message: msg, Err: &ServerError{Message: msg}}, true, nil
	}
	return StreamEvent{}, false, nil
}

// DecodeErrorEvent wraps a local decode failure as a terminal error event.
func DecodeErrorEvent(err error) StreamEvent {
	return StreamEvent{Kind: KindError, Message: err.Error(), Err: err}
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func firstPresent(raws ...json.RawMessage) json.RawMessage {
	for _, r := range raws {
		r = bytes.TrimSpace(r)
		if len(r) > 0 && !bytes.Equal(r, []byte("null")) {
			return r
		}
	}
	return nil
}

// rawText renders a JSON string as its value and anything else verbatim.
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
