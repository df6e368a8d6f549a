package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/blah-code/daemon/internal/approval"
	"github.com/blah-code/daemon/internal/engine"
	"github.com/blah-code/daemon/internal/eventstore"
	"github.com/blah-code/daemon/internal/logger"
	"github.com/blah-code/daemon/internal/metrics"
	"github.com/blah-code/daemon/internal/policy"
)

func logErrorAppend(ctx context.Context, sessionID, kind string, err error) {
	logger.ErrorContext(ctx, "append event failed", "session_id", sessionID, "kind", kind, "error", err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Store.ListSessions(500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := make([]string, 0, len(sessions))
	for _, sum := range sessions {
		active = append(active, sum.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           "local",
		"cwd":            s.Cwd,
		"modelId":        s.Cfg.Model,
		"apiKeyPresent":  s.Cfg.APIKey != "",
		"activeSessions": active,
		"dbPath":         s.DBPath,
		"logPath":        s.LogPath,
		"daemonHealthy":  true,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	all, err := readLines(s.LogPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": s.LogPath, "lines": all})
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out, scanner.Err()
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.Tools.ListToolSpecs()})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policy": s.Policy()})
}

func (s *Server) handleSetRules(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Policy policy.Policy `json:"policy"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	normalized, err := policy.Normalize(body.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.SetPolicy(normalized)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "policy": normalized})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.Store.CreateSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := s.Store.ListSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.Store.UpdateSessionName(id, body.Name); err != nil {
		if err == eventstore.ErrNotFound {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Store.GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var body struct {
		Prompt    string `json:"prompt"`
		ModelID   string `json:"modelId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	deregister := s.registerRun(id, cancel)
	defer deregister()
	defer cancel()

	started := time.Now()
	onEvent := func(kind string, payload map[string]any) {
		if _, err := s.Store.AppendEvent(id, kind, payload); err != nil {
			logErrorAppend(r.Context(), id, kind, err)
		}
	}

	opts := s.runOptions(id, body.Prompt, body.ModelID, body.TimeoutMs, onEvent)
	result, err := engine.Run(ctx, opts)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordRunDuration(status, time.Since(started).Seconds())

	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": result.Text, "policy": result.Policy})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Store.GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	events, err := s.Store.ListEvents(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Store.GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Broker.List(id))
}

func (s *Server) handleReplyPermission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	requestID := r.PathValue("requestId")

	var body struct {
		Decision string             `json:"decision"`
		Remember *approval.Remember `json:"remember"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Decision == "" {
		writeError(w, http.StatusBadRequest, "decision is required")
		return
	}

	if err := s.Broker.Reply(id, requestID, body.Decision, body.Remember); err != nil {
		writeError(w, http.StatusNotFound, "permission request not found")
		return
	}
	metrics.RecordPermissionDecision(body.Decision)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.CancelRun(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Store.GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var body struct {
		Name    string `json:"name"`
		Summary string `json:"summary"`
	}
	_ = decodeJSON(r, &body)

	ev, err := s.Store.AppendEvent(id, "checkpoint", map[string]any{"name": body.Name, "summary": body.Summary})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkpointId": ev.ID})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Store.GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var body struct {
		CheckpointID string `json:"checkpointId"`
	}
	if err := decodeJSON(r, &body); err != nil || body.CheckpointID == "" {
		writeError(w, http.StatusBadRequest, "checkpointId is required")
		return
	}

	if _, err := s.Store.AppendEvent(id, "revert", map[string]any{"checkpointId": body.CheckpointID}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
