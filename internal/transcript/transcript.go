// Package transcript persists finished answer sessions so they can be
// listed, re-read and shared.
package transcript

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/stream"

	"golang.org/x/net/html"
)

// Transcript is one stored session.
type Transcript struct {
	ID        string               `json:"id"`
	Question  string               `json:"question"`
	Endpoint  string               `json:"endpoint"`
	State     string               `json:"state"`
	Error     string               `json:"error,omitempty"`
	Answer    string               `json:"answer"`
	Citations []stream.Citation    `json:"citations,omitempty"`
	Profile   json.RawMessage      `json:"profile,omitempty"`
	Events    []stream.StreamEvent `json:"events"`

	ShareToken string    `json:"share_token,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetEvents stores the event log and derives the answer text, citations and
// profile snapshot from it. Citation titles are cleaned of markup.
func (t *Transcript) SetEvents(events []stream.StreamEvent) {
	t.Events = append([]stream.StreamEvent(nil), events...)
	t.Citations = nil
	t.Profile = nil

	var answer strings.Builder
	for _, ev := range events {
		switch ev.Kind {
		case stream.KindToken:
			answer.WriteString(ev.Content)
		case stream.KindCitation:
			if ev.Citation != nil {
				c := *ev.Citation
				c.Title = CleanTitle(c.Title)
				t.Citations = append(t.Citations, c)
			}
		case stream.KindProfileSummary:
			t.Profile = ev.Profile
		case stream.KindError:
			if t.Error == "" {
				t.Error = ev.Message
			}
		}
	}
	t.Answer = answer.String()
}

// CleanTitle strips HTML markup and entities from a citation title and
// collapses whitespace. Source titles often arrive as raw page titles.
func CleanTitle(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(b.String()), " ")
}

// ShareURL joins a share base URL and token.
func ShareURL(base, token string) string {
	if base == "" {
		return token
	}
	return strings.TrimRight(base, "/") + "/" + token
}
