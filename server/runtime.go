// Package server exposes the cache query surface, the mode-switch trigger
// surface, and the event stream to remote clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/vimo-ai/vlaude-sub001/config"
	"github.com/vimo-ai/vlaude-sub001/handoff"
	"github.com/vimo-ai/vlaude-sub001/relay"
	"github.com/vimo-ai/vlaude-sub001/store"
	"github.com/vimo-ai/vlaude-sub001/syncer"
	"github.com/vimo-ai/vlaude-sub001/watcher"
)

type Runtime struct {
	cfg       *config.Config
	cache     store.Cache
	broker    *relay.Broker
	coord     *handoff.Coordinator
	engine    *syncer.Engine
	watch     *watcher.Engine
	heartbeat time.Duration
}

func NewRuntime(cfg *config.Config, cache store.Cache, broker *relay.Broker, coord *handoff.Coordinator, engine *syncer.Engine, watch *watcher.Engine) *Runtime {
	heartbeat := time.Duration(cfg.Server.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Runtime{
		cfg:       cfg,
		cache:     cache,
		broker:    broker,
		coord:     coord,
		engine:    engine,
		watch:     watch,
		heartbeat: heartbeat,
	}
}

func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	r.registerRoutes(mux)
	return mux
}

// Serve blocks until the context ends, then shuts the listener down.
func (r *Runtime) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    r.cfg.Server.Addr,
		Handler: r.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(req *http.Request, out any) error {
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}
