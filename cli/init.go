package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/transcript"
)

var (
	initBackend        string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize vlaude configuration",
	Long: `Initialize vlaude by creating ~/.vlaude/config.yaml.

This command will:
- Create ~/.vlaude/config.yaml with default settings
- Prompt for the cache backend (SQLite file or PostgreSQL)
- Verify the transcript directory exists`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "Cache backend (sqlite or postgres)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	home, err := config.HomeDir()
	if err != nil {
		return err
	}

	// Check if already initialized
	if config.Exists(home) {
		fmt.Println("vlaude is already initialized.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(home))
		return nil
	}

	cfg := config.DefaultConfig()

	if initBackend != "" {
		cfg.Cache.Backend = initBackend
		if initBackend == "postgres" && initNonInteractive {
			return fmt.Errorf("postgres backend requires a DSN; run without --yes to enter it")
		}
	}

	if !initNonInteractive {
		reader := bufio.NewReader(os.Stdin)

		if initBackend == "" {
			fmt.Println("\nSelect cache backend:")
			fmt.Println("  1) sqlite (local file, recommended)")
			fmt.Println("  2) postgres (for a shared cache across machines)")
			fmt.Print("Choice [1]: ")

			input, _ := reader.ReadString('\n')
			input = strings.TrimSpace(input)

			switch input {
			case "2", "postgres":
				cfg.Cache.Backend = "postgres"
			default:
				cfg.Cache.Backend = "sqlite"
			}
		}

		if cfg.Cache.Backend == "postgres" {
			fmt.Print("PostgreSQL DSN: ")
			dsn, _ := reader.ReadString('\n')
			cfg.Cache.Postgres.DSN = strings.TrimSpace(dsn)
			if cfg.Cache.Postgres.DSN == "" {
				return fmt.Errorf("postgres backend requires a DSN")
			}
		}
	}

	if err := cfg.Save(home); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("\nCreated configuration at %s\n", config.GetConfigPath(home))

	// Sanity-check the transcript directory so a typo'd setup fails early.
	root := cfg.Transcripts.Root
	if root == "" {
		root, err = transcript.DefaultRoot()
		if err != nil {
			return err
		}
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		fmt.Printf("\nNote: transcript directory %s does not exist yet.\n", root)
		fmt.Println("It will appear after the first Claude CLI session.")
	}

	fmt.Println("\nvlaude initialized successfully!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Start the transcript watcher: vlaude watch")
	fmt.Println("  2. Serve the remote API: vlaude serve")
	fmt.Println("  3. Browse cached sessions: vlaude sessions <project-path>")

	return nil
}
