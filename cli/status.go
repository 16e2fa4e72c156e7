package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/daemon"
	"github.com/vimo-ai/vlaude-sub001/store"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache contents and watcher state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text, json, or toon")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	stats, err := cache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache stats: %w", err)
	}

	if statusFormat != "text" {
		return printEncoded(stats, statusFormat)
	}

	fmt.Printf("Backend: %s\n", cfg.Cache.Backend)
	fmt.Printf("Projects: %d\n", stats.Projects)
	fmt.Printf("Sessions: %d (%d deleted)\n", stats.Sessions, stats.DeletedSessions)
	fmt.Printf("Turns: %d\n", stats.Turns)
	if !stats.LastUpdated.IsZero() {
		fmt.Printf("Last updated: %s\n", stats.LastUpdated.Format("2006-01-02 15:04:05"))
	}

	logDir, err := daemon.GetDefaultLogDir()
	if err == nil {
		if pid, err := daemon.GetRunningPID(logDir); err == nil && pid > 0 {
			fmt.Printf("Watcher: running (PID %d)\n", pid)
		} else {
			fmt.Println("Watcher: not running")
		}
	}

	return nil
}
