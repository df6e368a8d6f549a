// Package daemon exposes the session store, tool runtime, approval broker,
// and agent step engine over the external HTTP interface: health/status,
// session CRUD, prompt submission, event listing and SSE streaming, and
// permission rule/request management.
package daemon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/blah-code/daemon/internal/approval"
	"github.com/blah-code/daemon/internal/config"
	"github.com/blah-code/daemon/internal/engine"
	"github.com/blah-code/daemon/internal/eventstore"
	"github.com/blah-code/daemon/internal/metrics"
	"github.com/blah-code/daemon/internal/policy"
	"github.com/blah-code/daemon/internal/tool"
	"github.com/blah-code/daemon/internal/transport"
)

// Server holds every shared resource the HTTP handlers dispatch against.
// Exactly one Server exists per running daemon process.
type Server struct {
	Store     *eventstore.Store
	Tools     *tool.Runtime
	Broker    *approval.Broker
	Transport transport.Transport
	Cfg       config.Config
	Cwd       string
	LogPath   string
	DBPath    string
	StartedAt time.Time

	policyMu sync.RWMutex
	policy   policy.Policy

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New constructs a Server. The caller owns Store/Tools/Broker and must close
// them after the Server is done serving.
func New(store *eventstore.Store, tools *tool.Runtime, broker *approval.Broker, tr transport.Transport, cfg config.Config, cwd, dbPath, logPath string) *Server {
	return &Server{
		Store:     store,
		Tools:     tools,
		Broker:    broker,
		Transport: tr,
		Cfg:       cfg,
		Cwd:       cwd,
		DBPath:    dbPath,
		LogPath:   logPath,
		StartedAt: time.Now(),
		policy:    cfg.Permission,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Policy returns a snapshot of the daemon's shared permission policy.
func (s *Server) Policy() policy.Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// SetPolicy replaces the daemon's shared permission policy wholesale, the
// mutation path for POST /v1/permissions/rules.
func (s *Server) SetPolicy(p policy.Policy) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy = p
}

// registerRun tracks a cancellation func for an in-flight run so
// /cancel can reach it; returns a function to deregister on completion.
func (s *Server) registerRun(sessionID string, cancel context.CancelFunc) func() {
	s.cancelMu.Lock()
	s.cancels[sessionID] = cancel
	s.cancelMu.Unlock()
	return func() {
		s.cancelMu.Lock()
		delete(s.cancels, sessionID)
		s.cancelMu.Unlock()
	}
}

// CancelRun signals the in-flight run for sessionID, if any. Returns false
// if no run is currently in flight for that session.
func (s *Server) CancelRun(sessionID string) bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	cancel, ok := s.cancels[sessionID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Router builds the complete route table with the shared middleware stack
// applied: panic recovery, request-id/logging, and Prometheus metrics.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("GET /v1/permissions/rules", s.handleGetRules)
	mux.HandleFunc("POST /v1/permissions/rules", s.handleSetRules)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("PATCH /v1/sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("POST /v1/sessions/{id}/prompt", s.handlePrompt)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/sessions/{id}/permissions", s.handleListPermissions)
	mux.HandleFunc("POST /v1/sessions/{id}/permissions/{requestId}/reply", s.handleReplyPermission)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/sessions/{id}/checkpoint", s.handleCheckpoint)
	mux.HandleFunc("POST /v1/sessions/{id}/revert", s.handleRevert)

	outer := http.NewServeMux()
	outer.Handle("GET /metrics", metrics.Handler())
	outer.Handle("/", metrics.Middleware(mux))

	return withRequestLogging(withRecovery(outer))
}

// runOptions centralizes the Options the engine needs for every prompt call,
// reading the daemon's current shared policy and config at call time so a
// concurrent policy update is visible to the next prompt, not just the next
// daemon restart.
func (s *Server) runOptions(sessionID, prompt, modelID string, timeoutMs int, onEvent engine.EventFunc) engine.Options {
	model := modelID
	if model == "" {
		model = s.Cfg.Model
	}
	timeout := timeoutMs
	if timeout == 0 {
		timeout = s.Cfg.Timeout.ModelMs
	}

	return engine.Options{
		Prompt:      prompt,
		ModelID:     model,
		Cwd:         s.Cwd,
		Policy:      s.Policy(),
		Transport:   s.Transport,
		ToolRuntime: runtimeAdapter{s.Tools},
		TimeoutMs:   timeout,
		OnEvent:     onEvent,
		OnPermissionRequest: func(ctx context.Context, req approval.Request) (approval.Resolution, error) {
			req.CreatedAt = time.Now()
			resCh := s.Broker.Enqueue(sessionID, req)
			select {
			case res := <-resCh:
				return res, nil
			case <-ctx.Done():
				return approval.Resolution{Decision: "deny"}, ctx.Err()
			}
		},
	}
}

// runtimeAdapter satisfies engine.ToolExecutor; *tool.Runtime already
// implements every method but Close must be a no-op here since the daemon,
// not a single run, owns the runtime's lifetime.
type runtimeAdapter struct {
	*tool.Runtime
}

func (runtimeAdapter) Close() error { return nil }
