// Package mockstream serves scripted answer streams over SSE. It backs the
// `careerly mock` command and the streaming tests.
package mockstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"
)

// Frame is one scripted SSE frame.
type Frame struct {
	Event string
	Data  string
	// Delay is waited before the frame is written.
	Delay time.Duration
	// Wait, when set, blocks the frame until it is closed.
	Wait <-chan struct{}
}

// Script describes one response.
type Script struct {
	// Status overrides the response status; 0 means 200.
	Status int
	Frames []Frame
	// Trailing is written after the frames without a frame terminator.
	Trailing string
	// HoldOpen keeps the response open after the last frame until the
	// client goes away.
	HoldOpen bool
}

// JSON builds a frame from any JSON-encodable payload.
func JSON(v any) Frame {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mockstream: marshal frame: %v", err))
	}
	return Frame{Data: string(data)}
}

// Token builds a token frame.
func Token(content string) Frame {
	return JSON(map[string]any{"type": "token", "content": content})
}

// Citation builds a citation frame.
func Citation(id, title, url string) Frame {
	return JSON(map[string]any{"type": "citation", "citation": map[string]any{"id": id, "title": title, "url": url}})
}

// ProfileSummary builds a profile_summary frame.
func ProfileSummary(profile any) Frame {
	return JSON(map[string]any{"type": "profile_summary", "profile": profile})
}

// Complete builds the terminal complete frame.
func Complete() Frame {
	return JSON(map[string]any{"type": "complete"})
}

// Error builds a terminal error frame.
func Error(message string) Frame {
	return JSON(map[string]any{"type": "error", "message": message})
}

// Kind builds a frame of an arbitrary type.
func Kind(kind string) Frame {
	return JSON(map[string]any{"type": kind})
}

// Raw builds a frame with a verbatim payload, e.g. malformed JSON.
func Raw(data string) Frame {
	return Frame{Data: data}
}

// After returns f delayed by d.
func (f Frame) After(d time.Duration) Frame {
	f.Delay = d
	return f
}

// Gated returns f blocked until gate is closed.
func (f Frame) Gated(gate <-chan struct{}) Frame {
	f.Wait = gate
	return f
}

// RecordedRequest is what the handler saw of an incoming request.
type RecordedRequest struct {
	URL           string
	Authorization string
	Accept        string
}

// Handler serves a Script to every request.
type Handler struct {
	script Script

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewHandler returns a handler serving script.
func NewHandler(script Script) *Handler {
	return &Handler{script: script}
}

// Requests returns the requests served so far.
func (h *Handler) Requests() []RecordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RecordedRequest(nil), h.requests...)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests = append(h.requests, RecordedRequest{
		URL:           r.URL.String(),
		Authorization: r.Header.Get("Authorization"),
		Accept:        r.Header.Get("Accept"),
	})
	h.mu.Unlock()

	log := logging.Get(logging.CategoryMock)
	if h.script.Status != 0 && h.script.Status != http.StatusOK {
		log.Info("%s -> %d", r.URL, h.script.Status)
		http.Error(w, http.StatusText(h.script.Status), h.script.Status)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for i, f := range h.script.Frames {
		if f.Wait != nil {
			select {
			case <-f.Wait:
			case <-ctx.Done():
				log.Debug("client left before frame %d", i)
				return
			}
		}
		if f.Delay > 0 {
			t := time.NewTimer(f.Delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				log.Debug("client left before frame %d", i)
				return
			}
		}
		if _, err := w.Write(encode(f)); err != nil {
			log.Debug("write frame %d: %v", i, err)
			return
		}
		flusher.Flush()
	}

	if h.script.Trailing != "" {
		_, _ = w.Write([]byte(h.script.Trailing))
		flusher.Flush()
	}
	if h.script.HoldOpen {
		<-ctx.Done()
	}
	log.Debug("%s: served %d frames", r.URL, len(h.script.Frames))
}

func encode(f Frame) []byte {
	var b strings.Builder
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(f.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// Demo returns a script that streams a short career answer.
func Demo(delay time.Duration) Script {
	words := strings.Fields("백엔드 개발자로 이직을 준비한다면 먼저 최근 1년간의 프로젝트에서 " +
		"본인이 주도한 설계 결정과 그 결과를 정리해 보세요. 커뮤니티에서는 " +
		"**트래픽 규모**, **장애 대응 경험**, **코드 리뷰 문화**를 면접에서 자주 묻는다고 합니다.")
	frames := []Frame{
		Citation("post-1024", "3년차 백엔드 이직 후기", "https://careerly.co.kr/comments/1024").After(delay),
		Citation("qna-88", "면접에서 받은 시스템 설계 질문 모음", "https://careerly.co.kr/qnas/88").After(delay),
	}
	for i, w := range words {
		content := w
		if i > 0 {
			content = " " + w
		}
		frames = append(frames, Token(content).After(delay))
	}
	frames = append(frames,
		ProfileSummary(map[string]any{
			"headline":   "Backend Engineer",
			"years":      3,
			"skills":     []string{"Go", "Kubernetes", "PostgreSQL"},
			"open_to_go": true,
		}).After(delay),
		Complete().After(delay),
	)
	return Script{Frames: frames}
}
