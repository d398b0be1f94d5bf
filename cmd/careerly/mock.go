package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/mockstream"

	"github.com/spf13/cobra"
)

var (
	mockAddr  string
	mockDelay time.Duration
)

// mockCmd serves a canned answer stream for local development
var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a mock answer stream server",
	Long: `Serves a scripted answer over Server-Sent Events on the configured
ask path, so the client can be exercised without the real backend.

Example:
  careerly mock --addr :8787 --delay 50ms
  CAREERLY_API_URL=http://localhost:8787 careerly ask "주니어 개발자 포트폴리오"`,
	RunE: runMock,
}

func init() {
	mockCmd.Flags().StringVar(&mockAddr, "addr", ":8787", "Listen address")
	mockCmd.Flags().DurationVar(&mockDelay, "delay", 80*time.Millisecond, "Delay between frames")
}

func newMockServer(addr, path string, delay time.Duration) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, mockstream.NewHandler(mockstream.Demo(delay)))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func runMock(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := newMockServer(mockAddr, cfg.API.AskPath, mockDelay)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Mock stream server listening on %s%s\n", mockAddr, cfg.API.AskPath)
	logging.Get(logging.CategoryMock).Info("listening on %s%s (delay %v)", mockAddr, cfg.API.AskPath, mockDelay)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mock server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("mock server shutdown: %w", err)
	}
	logging.Get(logging.CategoryMock).Info("stopped")
	return nil
}
