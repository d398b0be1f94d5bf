package main

import (
	"context"
	"fmt"
	"os"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/auth"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/config"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/session"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/stream"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Loaded by PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "careerly",
	Short: "careerly - ask the Careerly career assistant from the terminal",
	Long: `careerly streams answers from the Careerly AI assistant.

Answers arrive token by token together with the sources they cite and a
summary of the profile the assistant inferred. Finished answers can be
saved as transcripts and shared by link.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging to stderr")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(transcriptsCmd)
	rootCmd.AddCommand(mockCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and starts logging.
func loadConfig() error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := logging.Initialize(config.DefaultDir(), loggingOptions(c)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("config loaded from %s", cfgPath)
	cfg = c
	return nil
}

func loggingOptions(c *config.Config) logging.Options {
	opts := c.Logging.Options()
	if verbose {
		opts.DebugMode = true
		opts.Level = "debug"
		opts.Stderr = true
	}
	return opts
}

// watchConfig reloads logging settings when the config file changes. The
// returned func stops the watcher.
func watchConfig(ctx context.Context) func() {
	w, err := config.NewWatcher(cfgPath, func(c *config.Config) {
		logging.Reconfigure(loggingOptions(c))
	})
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("config watcher unavailable: %v", err)
		return func() {}
	}
	if err := w.Start(ctx); err != nil {
		logging.Get(logging.CategoryConfig).Warn("config watcher not started: %v", err)
		w.Stop()
		return func() {}
	}
	return w.Stop
}

// tokenProvider resolves the access token from the inline token, then the
// environment, then the token file.
func tokenProvider(c *config.Config) auth.TokenProvider {
	return auth.Chain{
		auth.StaticToken(c.Auth.Token),
		auth.EnvToken(c.Auth.TokenEnv),
		auth.NewFileTokenProvider(config.ExpandHome(c.Auth.TokenFile)),
	}
}

func sessionOptions(c *config.Config, withAuth bool) []session.Option {
	return []session.Option{
		session.WithAuth(withAuth),
		session.WithTokenProvider(tokenProvider(c)),
		session.WithTimeouts(stream.Timeouts{
			FirstFrame: c.GetFirstFrameTimeout(),
			Idle:       c.GetIdleTimeout(),
		}),
		session.WithHTTPClient(stream.NewHTTPClient(c.GetConnectTimeout())),
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
