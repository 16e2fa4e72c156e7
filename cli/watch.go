package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/daemon"
	"github.com/vimo-ai/vlaude-sub001/relay"
	"github.com/vimo-ai/vlaude-sub001/store"
	"github.com/vimo-ai/vlaude-sub001/syncer"
	"github.com/vimo-ai/vlaude-sub001/transcript"
	"github.com/vimo-ai/vlaude-sub001/watcher"
)

var (
	watchBackground bool
	watchLogDir     string
	watchStatus     bool
	watchStop       bool
	watchProject    string
	watchSession    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Start the transcript watcher daemon",
	Long: `Start a process that monitors Claude CLI transcript files and keeps the
cache consistent with them.

The watcher will:
- Perform an initial scan comparing transcript files with the cached state
- Skip unchanged files by comparing size and modification time
- Read only the appended tail when a transcript grows
- Rebuild a session from scratch when its file shrank or was rewritten
- Soft-delete cached sessions whose files disappeared

Scope:
  By default the watcher observes every project directory. Use --project to
  narrow it to one project, or --project with --session to follow a single
  session file.

Background mode:
  vlaude watch --background              Run in background with default log directory
  vlaude watch --background --log-dir /custom/path  Run with custom log directory
  vlaude watch --status                  Check if background watcher is running
  vlaude watch --stop                    Stop the background watcher

Default log directories:
  Linux:   ~/.local/state/vlaude/logs/vlaude-watch.log (or $XDG_STATE_HOME)
  macOS:   ~/Library/Logs/vlaude/vlaude-watch.log
  Windows: %LOCALAPPDATA%\vlaude\logs\vlaude-watch.log`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchBackground, "background", false, "Run in background mode")
	watchCmd.Flags().StringVar(&watchLogDir, "log-dir", "", "Directory for log files (default: OS-specific)")
	watchCmd.Flags().BoolVar(&watchStatus, "status", false, "Show background watcher status")
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "Stop the background watcher")
	watchCmd.Flags().StringVar(&watchProject, "project", "", "Watch a single project directory (encoded name, e.g. -home-dev-proj)")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "Watch a single session (requires --project)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	activeFlags := 0
	if watchBackground {
		activeFlags++
	}
	if watchStatus {
		activeFlags++
	}
	if watchStop {
		activeFlags++
	}
	if activeFlags > 1 {
		return fmt.Errorf("flags --background, --status, and --stop are mutually exclusive")
	}
	if watchSession != "" && watchProject == "" {
		return fmt.Errorf("--session requires --project")
	}

	logDir := watchLogDir
	if logDir == "" {
		var err error
		logDir, err = daemon.GetDefaultLogDir()
		if err != nil {
			return fmt.Errorf("failed to get default log directory: %w", err)
		}
	}

	if watchStatus {
		return showWatchStatus(logDir)
	}
	if watchStop {
		return stopWatchDaemon(logDir)
	}
	if watchBackground {
		return startBackgroundWatch(logDir)
	}

	// Check if already running in background (cleans up stale PIDs).
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return fmt.Errorf("failed to check running status: %w", err)
	}
	if pid > 0 {
		return fmt.Errorf("watcher is already running in background (PID %d)\nUse 'vlaude watch --stop' to stop it", pid)
	}

	return runWatchForeground()
}

func showWatchStatus(logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if pid == 0 {
		fmt.Println("Status: not running")
		fmt.Printf("Log directory: %s\n", logDir)
		return nil
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("Log directory: %s\n", logDir)
	fmt.Printf("Log file: %s\n", filepath.Join(logDir, "vlaude-watch.log"))
	if daemon.IsReady(logDir) {
		fmt.Println("Ready: yes")
	} else {
		fmt.Println("Ready: no (still initializing)")
	}

	return nil
}

func stopWatchDaemon(logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if pid == 0 {
		fmt.Println("No background watcher is running")
		return nil
	}

	fmt.Printf("Stopping background watcher (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid); err != nil {
		return fmt.Errorf("failed to stop process: %w", err)
	}

	const shutdownTimeout = 30 * time.Second
	const shutdownPollInterval = 500 * time.Millisecond
	deadline := time.Now().Add(shutdownTimeout)
	lastProgress := time.Now()

	for time.Now().Before(deadline) {
		if !daemon.IsProcessRunning(pid) {
			break
		}
		if time.Since(lastProgress) >= 5*time.Second {
			fmt.Println("Waiting for graceful shutdown...")
			lastProgress = time.Now()
		}
		time.Sleep(shutdownPollInterval)
	}

	if daemon.IsProcessRunning(pid) {
		return fmt.Errorf("process did not stop within %v\nStill running? Try: kill -9 %d\nOr check logs at: %s",
			shutdownTimeout, pid, filepath.Join(logDir, "vlaude-watch.log"))
	}

	if err := daemon.RemovePIDFile(logDir); err != nil {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	fmt.Println("Background watcher stopped")
	return nil
}

func startBackgroundWatch(logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return fmt.Errorf("failed to check running status: %w", err)
	}
	if pid > 0 {
		return fmt.Errorf("watcher is already running (PID %d)", pid)
	}

	logFile := filepath.Join(logDir, "vlaude-watch.log")

	// Build args for the background process (exclude --background).
	args := []string{"watch"}
	if watchLogDir != "" {
		args = append(args, "--log-dir", watchLogDir)
	}
	if watchProject != "" {
		args = append(args, "--project", watchProject)
	}
	if watchSession != "" {
		args = append(args, "--session", watchSession)
	}

	childPID, exitCh, err := daemon.SpawnBackground(logDir, args)
	if err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	// Poll for the ready file with a timeout, also checking for early child
	// exit.
	const startupTimeout = 30 * time.Second
	const pollInterval = 250 * time.Millisecond
	deadline := time.Now().Add(startupTimeout)

	for time.Now().Before(deadline) {
		if daemon.IsReady(logDir) {
			fmt.Printf("Background watcher started (PID %d)\n", childPID)
			fmt.Printf("Logs: %s\n", logFile)
			fmt.Printf("\nUse 'vlaude watch --status' to check status\n")
			fmt.Printf("Use 'vlaude watch --stop' to stop the watcher\n")
			return nil
		}

		select {
		case <-exitCh:
			return fmt.Errorf("background process failed to start (check logs at %s)", logFile)
		default:
		}

		time.Sleep(pollInterval)
	}

	return fmt.Errorf("timeout waiting for process to become ready after %v (check logs at %s)", startupTimeout, logFile)
}

func watchScope() watcher.Scope {
	switch {
	case watchSession != "":
		return watcher.Item(watchProject, watchSession)
	case watchProject != "":
		return watcher.Group(watchProject)
	default:
		return watcher.Collection()
	}
}

func runWatchForeground() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	isBackgroundChild := os.Getenv("VLAUDE_BACKGROUND") == "1"

	if isBackgroundChild {
		log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
		log.SetPrefix("[vlaude-watch] ")

		logDir := watchLogDir
		if logDir == "" {
			var err error
			logDir, err = daemon.GetDefaultLogDir()
			if err != nil {
				return fmt.Errorf("failed to get default log directory: %w", err)
			}
		}

		if err := daemon.WritePIDFile(logDir); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() {
			if err := daemon.RemoveReadyFile(logDir); err != nil {
				log.Printf("Warning: failed to remove ready file on exit: %v", err)
			}
			if err := daemon.RemovePIDFile(logDir); err != nil {
				log.Printf("Warning: failed to remove PID file on exit: %v", err)
			}
		}()

		return runWatchLoop(ctx, cancel, logDir, true)
	}

	return runWatchLoop(ctx, cancel, "", false)
}

func runWatchLoop(ctx context.Context, cancel context.CancelFunc, logDir string, background bool) error {
	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(home)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	root := cfg.Transcripts.Root
	if root == "" {
		root, err = transcript.DefaultRoot()
		if err != nil {
			return err
		}
	}

	logf := fmt.Printf
	if background {
		logf = func(format string, args ...any) (int, error) {
			log.Printf(format, args...)
			return 0, nil
		}
	}
	logf("Starting vlaude watch on %s\n", root)
	logf("Backend: %s\n", cfg.Cache.Backend)

	cache, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer cache.Close()

	transcripts := transcript.NewStore(root)
	broker := relay.NewBroker(cfg.Relay.BufferSize, cfg.Relay.RetryMax, time.Duration(cfg.Relay.RetryBaseMs)*time.Millisecond)
	engine := syncer.NewEngine(transcripts, cache, broker, nil)

	watch := watcher.NewEngine(root, cfg.Watch.DebounceMs)
	defer watch.Close()
	if err := watch.SetScope(watchScope()); err != nil {
		return fmt.Errorf("failed to set watch scope: %w", err)
	}

	// Handle signals and the Windows stop file.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	stopCh := daemon.StopChannel()
	go func() {
		select {
		case <-sigChan:
			logf("Shutting down...\n")
			cancel()
		case <-stopCh:
			log.Println("Stop file detected, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return engine.Run(groupCtx, watch.Events())
	})

	// Initial scan runs after the watcher is live so nothing slips between
	// scan and subscribe.
	if err := engine.InitialScan(ctx); err != nil {
		log.Printf("Warning: initial scan: %v", err)
	}
	logf("Initial scan complete\n")

	if background {
		if err := daemon.WriteReadyFile(logDir); err != nil {
			log.Printf("Warning: failed to write ready file: %v", err)
		}
	}

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
