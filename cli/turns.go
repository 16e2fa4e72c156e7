package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/store"
	"github.com/vimo-ai/vlaude-sub001/transcript"
)

var (
	turnsLimit  int
	turnsOffset int
	turnsDesc   bool
	turnsFormat string
)

var turnsCmd = &cobra.Command{
	Use:   "turns <session-id>",
	Short: "Print conversation turns for a session",
	Long: `Print the cached conversation turns for a session in sequence order.

Tool calls are shown inline after the turn that issued them.`,
	Args: cobra.ExactArgs(1),
	RunE: runTurns,
}

func init() {
	turnsCmd.Flags().IntVarP(&turnsLimit, "limit", "n", 50, "Maximum turns to print")
	turnsCmd.Flags().IntVar(&turnsOffset, "offset", 0, "Number of turns to skip")
	turnsCmd.Flags().BoolVar(&turnsDesc, "desc", false, "Newest turns first")
	turnsCmd.Flags().StringVar(&turnsFormat, "format", "text", "Output format: text, json, or toon")
	rootCmd.AddCommand(turnsCmd)
}

func runTurns(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sessionID := args[0]

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

	sess, err := cache.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s is not cached (is 'vlaude watch' running?)", sessionID)
	}

	order := store.OrderAsc
	if turnsDesc {
		order = store.OrderDesc
	}
	turns, err := cache.GetTurns(ctx, sessionID, turnsLimit, turnsOffset, order)
	if err != nil {
		return fmt.Errorf("failed to read turns: %w", err)
	}

	if turnsFormat != "text" {
		return printEncoded(turns, turnsFormat)
	}

	for _, turn := range turns {
		fmt.Printf("[%d] %s  %s\n", turn.Seq, turn.Kind, turn.Timestamp.Format("2006-01-02 15:04:05"))
		if turn.Text != "" {
			fmt.Printf("    %s\n", turn.Text)
		}
		printToolCalls(turn.ToolCalls)
	}

	return nil
}

func printToolCalls(encoded string) {
	if encoded == "" {
		return
	}
	var calls []transcript.ToolCall
	if err := json.Unmarshal([]byte(encoded), &calls); err != nil {
		return
	}
	for _, call := range calls {
		fmt.Printf("    -> %s\n", call.Name)
	}
}
