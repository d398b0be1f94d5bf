package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/SeeSoRuFree/careerly-v2-sub001/cmd/careerly/ui"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/session"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/stream"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/transcript"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentAsks bounds the sessions streaming at once in plain mode.
const maxConcurrentAsks = 4

var (
	askPlain  bool
	askSave   bool
	askNoAuth bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Ask a question and stream the answer",
	Long: `Streams the assistant's answer to a question.

Each argument is one question; quote questions that contain spaces.
The interactive view takes a single question. With --plain the answer is
written to stdout as it arrives, and several questions are asked
concurrently, each on its own connection.

Example:
  careerly ask "백엔드 개발자로 이직하려면 무엇을 준비해야 하나요?"
  careerly ask --plain --save "PM 커리어 전환" "데이터 분석가 연봉"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askPlain, "plain", false, "Print the answer as plain text instead of the interactive view")
	askCmd.Flags().BoolVar(&askSave, "save", false, "Save the transcript when the answer ends")
	askCmd.Flags().BoolVar(&askNoAuth, "no-auth", false, "Do not send the access token")
}

func runAsk(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer watchConfig(ctx)()

	var store *transcript.Store
	if askSave {
		var err error
		store, err = transcript.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer store.Close()
	}

	questions := make([]string, 0, len(args))
	for _, a := range args {
		if q := strings.TrimSpace(a); q != "" {
			questions = append(questions, q)
		}
	}
	if len(questions) == 0 {
		return fmt.Errorf("question must not be empty")
	}

	if !askPlain {
		if len(questions) > 1 {
			return fmt.Errorf("the interactive view takes one question, got %d (use --plain)", len(questions))
		}
		return askInteractive(ctx, cmd.OutOrStdout(), questions[0], store)
	}
	return askPlainText(ctx, cmd.OutOrStdout(), questions, store)
}

func newSession(question string) (*session.Session, error) {
	u, err := cfg.AskURL(question)
	if err != nil {
		return nil, err
	}
	return session.New(u, sessionOptions(cfg, cfg.Stream.WithAuth && !askNoAuth)...), nil
}

func askInteractive(ctx context.Context, out io.Writer, question string, store *transcript.Store) error {
	s, err := newSession(question)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	model := ui.NewAnswerModel(ctx, s, question, ui.DefaultStyles())
	if _, err := tea.NewProgram(model, tea.WithOutput(out)).Run(); err != nil {
		return fmt.Errorf("interactive view: %w", err)
	}

	saveTranscript(ctx, out, store, s, question)
	if s.State() == session.StateFailed {
		return fmt.Errorf("question %q: %w", question, s.Err())
	}
	return nil
}

// askPlainText runs one session per question. A single answer streams
// straight to out; several are buffered and printed in argument order.
func askPlainText(ctx context.Context, out io.Writer, questions []string, store *transcript.Store) error {
	if len(questions) == 1 {
		return askOne(ctx, out, questions[0], store, false)
	}

	bufs := make([]bytes.Buffer, len(questions))
	var g errgroup.Group
	g.SetLimit(maxConcurrentAsks)
	for i, q := range questions {
		g.Go(func() error {
			return askOne(ctx, &bufs[i], q, store, true)
		})
	}
	err := g.Wait()

	for i := range bufs {
		if i > 0 {
			fmt.Fprintln(out)
		}
		_, _ = bufs[i].WriteTo(out)
	}
	return err
}

func askOne(ctx context.Context, out io.Writer, question string, store *transcript.Store, header bool) error {
	s, err := newSession(question)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	if header {
		fmt.Fprintf(out, "Q. %s\n\n", question)
	}

	var (
		citations []stream.Citation
		profile   json.RawMessage
	)
	if err := s.Connect(ctx); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return fmt.Errorf("question %q: %w", question, err)
	}
	runErr := s.Run(ctx, stream.Handlers{
		OnToken: func(content string) {
			_, _ = io.WriteString(out, content)
		},
		OnCitation: func(c stream.Citation) {
			citations = append(citations, c)
		},
		OnProfileSummary: func(p json.RawMessage) {
			profile = p
		},
		OnComplete: func() {
			fmt.Fprintln(out)
			writeSources(out, citations, profile)
		},
		OnError: func(err error) {
			fmt.Fprintf(out, "\nerror: %v\n", err)
		},
	})

	saveTranscript(ctx, out, store, s, question)
	switch {
	case runErr != nil:
		return runErr
	case s.State() == session.StateFailed:
		return fmt.Errorf("question %q: %w", question, s.Err())
	}
	return nil
}

func writeSources(out io.Writer, citations []stream.Citation, profile json.RawMessage) {
	if len(citations) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for i, c := range citations {
			title := transcript.CleanTitle(c.Title)
			if title == "" {
				title = c.ID
			}
			if c.URL != "" {
				fmt.Fprintf(out, "  [%d] %s - %s\n", i+1, title, c.URL)
			} else {
				fmt.Fprintf(out, "  [%d] %s\n", i+1, title)
			}
		}
	}
	if p := ui.FormatProfile(profile); p != "" {
		fmt.Fprintf(out, "\nProfile: %s\n", p)
	}
}

func saveTranscript(ctx context.Context, out io.Writer, store *transcript.Store, s *session.Session, question string) {
	if store == nil {
		return
	}
	t := s.Transcript()
	if t.ID == "" {
		return
	}
	t.Question = question
	if err := store.Save(context.WithoutCancel(ctx), t); err != nil {
		logging.Get(logging.CategoryTranscript).Error("save transcript %s: %v", t.ID, err)
		fmt.Fprintf(out, "warning: transcript not saved: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Saved transcript %s\n", t.ID)
}
