package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/handoff"
	"github.com/vimo-ai/vlaude-sub001/relay"
	"github.com/vimo-ai/vlaude-sub001/runner"
	"github.com/vimo-ai/vlaude-sub001/server"
	"github.com/vimo-ai/vlaude-sub001/store"
	"github.com/vimo-ai/vlaude-sub001/syncer"
	"github.com/vimo-ai/vlaude-sub001/transcript"
	"github.com/vimo-ai/vlaude-sub001/watcher"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the remote API and event stream",
	Long: `Start the vlaude server: an HTTP API plus a websocket event stream
backed by the transcript watcher.

The server:
- Watches every project directory and keeps the cache consistent
- Exposes cached projects, sessions, and turns over HTTP
- Streams new turns to connected clients over /api/v1/stream
- Accepts remote messages for a session and runs them through the CLI,
  handing the session back when the local user resumes typing`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, 127.0.0.1:8791)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(home)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	root := cfg.Transcripts.Root
	if root == "" {
		root, err = transcript.DefaultRoot()
		if err != nil {
			return err
		}
	}

	cache, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer cache.Close()

	transcripts := transcript.NewStore(root)
	broker := relay.NewBroker(cfg.Relay.BufferSize, cfg.Relay.RetryMax, time.Duration(cfg.Relay.RetryBaseMs)*time.Millisecond)

	var coord *handoff.Coordinator
	suppressor := suppressorFunc(func(sessionID string) bool {
		return coord.Suppressed(sessionID)
	})
	engine := syncer.NewEngine(transcripts, cache, broker, suppressor)

	cliRunner := runner.NewCLIRunner(cfg.Runner.Command, engine.SessionWorkDir)
	deliver := func(sessionID string, turn *store.Turn) {
		if turn == nil {
			return
		}
		broker.Publish(relay.Event{
			Kind:      relay.EventTurn,
			SessionID: sessionID,
			Turn:      turn,
			Time:      time.Now(),
		})
	}
	coord = handoff.NewCoordinator(cliRunner, engine.ReadLastTurn, deliver,
		handoff.WithTimeout(time.Duration(cfg.Runner.TimeoutSeconds)*time.Second),
	)

	watch := watcher.NewEngine(root, cfg.Watch.DebounceMs)
	defer watch.Close()
	if err := watch.SetScope(watcher.Collection()); err != nil {
		return fmt.Errorf("failed to start watching %s: %w", root, err)
	}

	rt := server.NewRuntime(cfg, cache, broker, coord, engine, watch)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return engine.Run(groupCtx, watch.Events())
	})
	group.Go(func() error {
		return rt.Serve(groupCtx)
	})

	if err := engine.InitialScan(ctx); err != nil {
		log.Printf("Warning: initial scan: %v", err)
	}
	fmt.Printf("Serving on http://%s\n", cfg.Server.Addr)

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// suppressorFunc adapts a closure to the syncer.Suppressor interface so the
// coordinator can be constructed after the engine that consults it.
type suppressorFunc func(sessionID string) bool

func (f suppressorFunc) Suppressed(sessionID string) bool { return f(sessionID) }
