package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/vimo-ai/vlaude-sub001/handoff"
	"github.com/vimo-ai/vlaude-sub001/store"
	"github.com/vimo-ai/vlaude-sub001/syncer"
	"github.com/vimo-ai/vlaude-sub001/watcher"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/projects", r.handleProjects)
	mux.HandleFunc("/api/v1/sessions", r.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", r.handleSessionAction)
	mux.HandleFunc("/api/v1/watch", r.handleWatch)
	mux.HandleFunc("/api/v1/stats", r.handleStats)
	mux.HandleFunc("/api/v1/stream", r.handleStream)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (r *Runtime) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	limit := parsePositiveInt(req.URL.Query().Get("limit"), 50)
	offset := parseNonNegativeInt(req.URL.Query().Get("offset"), 0)

	projects, err := r.cache.ListProjects(req.Context(), limit, offset)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_projects_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	project := strings.TrimSpace(req.URL.Query().Get("project"))
	if project == "" {
		writeAPIError(w, http.StatusBadRequest, "missing_project", "project query parameter is required")
		return
	}
	limit := parsePositiveInt(req.URL.Query().Get("limit"), 50)
	offset := parseNonNegativeInt(req.URL.Query().Get("offset"), 0)
	includeDeleted := req.URL.Query().Get("include_deleted") == "true"

	sessions, err := r.cache.ListSessions(req.Context(), project, limit, offset, includeDeleted)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_sessions_failed", err.Error())
		return
	}

	type sessionView struct {
		store.Session
		Mode    handoff.Mode `json:"mode"`
		Preview *store.Turn  `json:"preview,omitempty"`
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		preview, err := r.cache.GetPreview(req.Context(), sess.ID)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "preview_failed", err.Error())
			return
		}
		views = append(views, sessionView{Session: sess, Mode: r.coord.Mode(sess.ID), Preview: preview})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (r *Runtime) handleSessionAction(w http.ResponseWriter, req *http.Request) {
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/sessions/"), "/")
	if path == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_session_path", "session id is required")
		return
	}
	segments := strings.Split(path, "/")
	sessionID := strings.TrimSpace(segments[0])
	if sessionID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_session_id", "session id is required")
		return
	}

	if len(segments) == 1 {
		r.handleSessionByID(w, req, sessionID)
		return
	}
	switch segments[1] {
	case "turns":
		r.handleTurns(w, req, sessionID)
	case "message":
		r.handleRemoteMessage(w, req, sessionID)
	case "resume":
		r.handleLocalResume(w, req, sessionID)
	default:
		writeAPIError(w, http.StatusNotFound, "unknown_action", "unknown session action")
	}
}

func (r *Runtime) handleSessionByID(w http.ResponseWriter, req *http.Request, sessionID string) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	sess, err := r.cache.GetSession(req.Context(), sessionID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "get_session_failed", err.Error())
		return
	}
	if sess == nil {
		writeAPIError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	preview, err := r.cache.GetPreview(req.Context(), sessionID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "preview_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"preview": preview,
		"mode":    r.coord.Mode(sessionID),
	})
}

func (r *Runtime) handleTurns(w http.ResponseWriter, req *http.Request, sessionID string) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	limit := parsePositiveInt(req.URL.Query().Get("limit"), 100)
	offset := parseNonNegativeInt(req.URL.Query().Get("offset"), 0)
	order := store.OrderAsc
	if req.URL.Query().Get("order") == "desc" {
		order = store.OrderDesc
	}

	turns, err := r.cache.GetTurns(req.Context(), sessionID, limit, offset, order)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "get_turns_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

type remoteMessageRequest struct {
	Text string `json:"text"`
}

func (r *Runtime) handleRemoteMessage(w http.ResponseWriter, req *http.Request, sessionID string) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	var payload remoteMessageRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		writeAPIError(w, http.StatusBadRequest, "empty_message", "text is required")
		return
	}

	// Reject before touching any coordinator state when the session has
	// no owner-scope mapping.
	if _, err := r.engine.SessionWorkDir(req.Context(), sessionID); err != nil {
		if errors.Is(err, syncer.ErrUnknownSession) {
			writeAPIError(w, http.StatusNotFound, "unknown_session", err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return
	}

	if err := r.coord.SendRemoteMessage(req.Context(), sessionID, text); err != nil {
		switch {
		case errors.Is(err, handoff.ErrRemoteBusy):
			writeAPIError(w, http.StatusConflict, "remote_busy", err.Error())
		case errors.Is(err, handoff.ErrInterrupted):
			writeAPIError(w, http.StatusConflict, "interrupted", err.Error())
		default:
			writeAPIError(w, http.StatusBadGateway, "remote_turn_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "completed",
		"mode":   r.coord.Mode(sessionID),
	})
}

func (r *Runtime) handleLocalResume(w http.ResponseWriter, req *http.Request, sessionID string) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	r.coord.LocalResumed(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"mode": r.coord.Mode(sessionID)})
}

type watchRequest struct {
	Kind       string `json:"kind"` // none | collection | group | item
	ProjectDir string `json:"project_dir,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

func (r *Runtime) handleWatch(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		scope := r.watch.Scope()
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":        scopeKindName(scope.Kind),
			"project_dir": scope.ProjectDir,
			"session_id":  scope.SessionID,
		})
	case http.MethodPost:
		var payload watchRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		scope, err := scopeFromRequest(payload)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_scope", err.Error())
			return
		}
		if err := r.watch.SetScope(scope); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "set_scope_failed", err.Error())
			return
		}
		applied := r.watch.Scope()
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":        scopeKindName(applied.Kind),
			"project_dir": applied.ProjectDir,
			"session_id":  applied.SessionID,
		})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and POST are supported")
	}
}

func (r *Runtime) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	stats, err := r.cache.Stats(req.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cache":       stats,
		"subscribers": r.broker.SubscriberCount(),
		"watch_scope": r.watch.Scope().String(),
	})
}

func scopeFromRequest(payload watchRequest) (watcher.Scope, error) {
	switch payload.Kind {
	case "none":
		return watcher.None(), nil
	case "collection":
		return watcher.Collection(), nil
	case "group":
		if payload.ProjectDir == "" {
			return watcher.Scope{}, errors.New("group scope requires project_dir")
		}
		return watcher.Group(payload.ProjectDir), nil
	case "item":
		if payload.ProjectDir == "" || payload.SessionID == "" {
			return watcher.Scope{}, errors.New("item scope requires project_dir and session_id")
		}
		return watcher.Item(payload.ProjectDir, payload.SessionID), nil
	default:
		return watcher.Scope{}, errors.New("kind must be one of none, collection, group, item")
	}
}

func scopeKindName(kind watcher.ScopeKind) string {
	switch kind {
	case watcher.ScopeCollection:
		return "collection"
	case watcher.ScopeGroup:
		return "group"
	case watcher.ScopeItem:
		return "item"
	default:
		return "none"
	}
}

func parsePositiveInt(raw string, fallback int) int {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseNonNegativeInt(raw string, fallback int) int {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
