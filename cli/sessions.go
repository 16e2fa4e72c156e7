package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/store"
)

var (
	sessionsLimit          int
	sessionsIncludeDeleted bool
	sessionsFormat         string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [project-path]",
	Short: "List cached sessions",
	Long: `List cached sessions, newest first.

Without arguments, lists cached projects. With a project path, lists that
project's sessions with turn counts and a preview of the latest turn.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum entries to list")
	sessionsCmd.Flags().BoolVar(&sessionsIncludeDeleted, "include-deleted", false, "Include soft-deleted sessions")
	sessionsCmd.Flags().StringVar(&sessionsFormat, "format", "table", "Output format: table, json, or toon")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(home)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cache, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer cache.Close()

	if len(args) == 0 {
		return listProjects(ctx, cache)
	}
	return listSessions(ctx, cache, args[0])
}

func listProjects(ctx context.Context, cache store.Cache) error {
	projects, err := cache.ListProjects(ctx, sessionsLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No cached projects. Is 'vlaude watch' running?")
		return nil
	}

	if sessionsFormat != "table" {
		return printEncoded(projects, sessionsFormat)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tUPDATED")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\n", p.Path, p.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func listSessions(ctx context.Context, cache store.Cache, projectPath string) error {
	sessions, err := cache.ListSessions(ctx, projectPath, sessionsLimit, 0, sessionsIncludeDeleted)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Printf("No cached sessions for %s\n", projectPath)
		return nil
	}

	if sessionsFormat != "table" {
		return printEncoded(sessions, sessionsFormat)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTURNS\tUPDATED\tPREVIEW")
	for _, sess := range sessions {
		preview := ""
		if p, err := cache.GetPreview(ctx, sess.ID); err == nil && p != nil {
			preview = firstLine(p.Text, 60)
		}
		id := sess.ID
		if sess.Deleted {
			id += " (deleted)"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", id, sess.TurnCount, sess.UpdatedAt.Format("2006-01-02 15:04"), preview)
	}
	return w.Flush()
}

// printEncoded writes data to stdout in json or toon format.
func printEncoded(data any, format string) error {
	switch format {
	case "toon":
		out, err := gotoon.Encode(data)
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		fmt.Println(out)
		return nil
	case "json":
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		fmt.Println(string(out))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// firstLine truncates text to a single line of at most max runes.
func firstLine(text string, max int) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max-3]) + "..."
	}
	return text
}
