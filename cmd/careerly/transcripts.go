package main

import (
	"fmt"
	"strings"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/transcript"

	"github.com/spf13/cobra"
)

// =============================================================================
// TRANSCRIPT COMMANDS
// =============================================================================

var transcriptsLimit int

// transcriptsCmd manages saved transcripts
var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "Manage saved answer transcripts",
	Long: `List, show, share and delete transcripts saved with "ask --save".

Subcommands:
  list    - List saved transcripts, newest first
  show    - Print one transcript
  share   - Create a public share link
  delete  - Delete a transcript`,
	RunE: runTranscriptsList,
}

var transcriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved transcripts",
	RunE:  runTranscriptsList,
}

var transcriptsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a saved transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscriptsShow,
}

var transcriptsShareCmd = &cobra.Command{
	Use:   "share <id>",
	Short: "Create a share link for a transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscriptsShare,
}

var transcriptsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscriptsDelete,
}

func init() {
	transcriptsCmd.PersistentFlags().IntVarP(&transcriptsLimit, "limit", "n", 20, "Maximum transcripts to list (0 for all)")

	transcriptsCmd.AddCommand(transcriptsListCmd)
	transcriptsCmd.AddCommand(transcriptsShowCmd)
	transcriptsCmd.AddCommand(transcriptsShareCmd)
	transcriptsCmd.AddCommand(transcriptsDeleteCmd)
}

func openStore() (*transcript.Store, error) {
	store, err := transcript.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}
	return store, nil
}

func runTranscriptsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(commandContext(cmd), transcriptsLimit)
	if err != nil {
		return fmt.Errorf("failed to list transcripts: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No saved transcripts found.")
		return nil
	}

	fmt.Fprintf(out, "Saved Transcripts (%d)\n", len(list))
	fmt.Fprintln(out, strings.Repeat("─", 60))
	for _, t := range list {
		shared := ""
		if t.ShareToken != "" {
			shared = " [shared]"
		}
		fmt.Fprintf(out, "  %s  %s  %-7s%s\n", t.ID, t.CreatedAt.Local().Format("2006-01-02 15:04"), t.State, shared)
		fmt.Fprintf(out, "    %s\n", truncate(t.Question, 70))
	}
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintln(out, "Use 'careerly transcripts show <id>' to print one.")
	return nil
}

func runTranscriptsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.Get(commandContext(cmd), args[0])
	if err != nil {
		return fmt.Errorf("transcript %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Q. %s\n", t.Question)
	fmt.Fprintf(out, "%s · %s · %d events\n", t.State, t.CreatedAt.Local().Format("2006-01-02 15:04"), len(t.Events))
	fmt.Fprintln(out, strings.Repeat("─", 60))
	if t.Answer != "" {
		fmt.Fprintln(out, t.Answer)
	}
	writeSources(out, t.Citations, t.Profile)
	if t.Error != "" {
		fmt.Fprintf(out, "\nerror: %s\n", t.Error)
	}
	if t.ShareToken != "" {
		fmt.Fprintf(out, "\nShared at %s\n", transcript.ShareURL(cfg.Transcripts.ShareBaseURL, t.ShareToken))
	}
	return nil
}

func runTranscriptsShare(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	token, err := store.Share(commandContext(cmd), args[0])
	if err != nil {
		return fmt.Errorf("transcript %s: %w", args[0], err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), transcript.ShareURL(cfg.Transcripts.ShareBaseURL, token))
	return nil
}

func runTranscriptsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(commandContext(cmd), args[0]); err != nil {
		return fmt.Errorf("transcript %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted transcript %s\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
