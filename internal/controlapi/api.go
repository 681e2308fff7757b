// Package controlapi implements the HTTP surface of spec.md section 4.7:
// StartRun, Cancel, GetStatus, Subscribe. Styled directly on the
// teacher's services/api-gateway/gateway_v2.go Gateway: a layered
// middleware chain (logging -> auth -> rate limit -> handler), a request
// id on every response, and structured slog access logging. Here "auth"
// and "rate limit" gate tenant admission to this control plane, not
// end-user authentication, which spec.md section 1 scopes out.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/workflow-engine/internal/events"
	"github.com/swarmguard/workflow-engine/internal/resilience"
	"github.com/swarmguard/workflow-engine/internal/store"
	"github.com/swarmguard/workflow-engine/internal/workflow"
)

// RunStarter is the subset of the coordination layer the API needs to
// start a run: validate the workflow, create the Store row, and hand it
// off to whatever spins up its Coordinator (the cmd/orchestrator wiring
// layer owns that handoff so controlapi never imports coordinator).
type RunStarter interface {
	StartRun(ctx context.Context, wf *workflow.Workflow, tenantID string, trigger map[string]any, priority int, idempotencyKey string) (runID string, err error)
	Cancel(ctx context.Context, runID string) error
}

// API serves the control-plane HTTP surface.
type API struct {
	starter RunStarter
	store   *store.Store
	pub     *events.Publisher
	authKey string
	rl      *resilience.RateLimiterRegistry
}

// New constructs the control API handler set.
func New(starter RunStarter, st *store.Store, pub *events.Publisher, authKey string, rl *resilience.RateLimiterRegistry) *API {
	return &API{starter: starter, store: st, pub: pub, authKey: authKey, rl: rl}
}

// Routes returns the configured mux, wrapping the /v1/runs handlers in
// the logging -> auth -> rate-limit chain; /health is served unwrapped.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/runs", a.chain(http.HandlerFunc(a.handleStartRun)))
	mux.Handle("/v1/runs/", a.chain(http.HandlerFunc(a.handleRunByID)))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (a *API) chain(next http.Handler) http.Handler {
	return a.withLogging(a.withAuth(a.withRateLimit(next)))
}

func (a *API) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authKey != "" && r.Header.Get("Authorization") != "Bearer "+a.authKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant != "" && a.rl != nil {
			if !a.rl.TryAcquire([]string{resilience.TenantKey(tenant)}, 1) {
				writeError(w, http.StatusTooManyRequests, "quota_exceeded", "")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type startRunRequest struct {
	WorkflowID     string         `json:"workflow_id"`
	Version        int            `json:"version"`
	TenantID       string         `json:"tenant_id"`
	Priority       int            `json:"priority"`
	TriggerPayload map[string]any `json:"trigger_payload"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (a *API) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	wf := &workflow.Workflow{ID: req.WorkflowID, Version: req.Version} // resolved fully by the caller's workflow lookup; see cmd/orchestrator wiring
	runID, err := a.starter.StartRun(r.Context(), wf, req.TenantID, req.TriggerPayload, req.Priority, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidWorkflow) {
			writeError(w, http.StatusBadRequest, "invalid_workflow", err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

func (a *API) handleRunByID(w http.ResponseWriter, r *http.Request) {
	runID, action := parseRunPath(r.URL.Path)
	if runID == "" {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	switch {
	case action == "cancel" && r.Method == http.MethodPost:
		a.handleCancel(w, r, runID)
	case action == "events" && r.Method == http.MethodGet:
		a.handleSubscribe(w, r, runID)
	case action == "" && r.Method == http.MethodGet:
		a.handleGetStatus(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "")
	}
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request, runID string) {
	if err := a.starter.Cancel(r.Context(), runID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	run, _, err := a.store.LoadRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(run.State)})
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request, runID string) {
	run, _, err := a.store.LoadRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleSubscribe serves the lazy stream of run/step events of spec.md
// section 4.7: the current snapshot first, then deltas, via chunked
// transfer encoding flushed after each event (not WebSockets, matching
// the "best-effort, re-fetch on reconnect" contract).
func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "")
		return
	}

	run, _, err := a.store.LoadRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	_ = enc.Encode(map[string]any{"type": "snapshot", "run": run})
	flusher.Flush()

	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		afterSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	backlog, err := a.store.EventsSince(r.Context(), runID, afterSeq)
	if err == nil {
		for _, ev := range backlog {
			_ = enc.Encode(map[string]any{"type": "event", "event": ev})
		}
		flusher.Flush()
	}

	ch, unsubscribe := a.pub.Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.RunID != runID {
				continue
			}
			_ = enc.Encode(map[string]any{"type": "event", "event": ev})
			flusher.Flush()
			if isTerminalEventKind(ev.Kind) {
				return
			}
		}
	}
}

func isTerminalEventKind(kind string) bool {
	switch kind {
	case "run.succeeded", "run.failed", "run.cancelled", "run.timed_out":
		return true
	default:
		return false
	}
}

func parseRunPath(path string) (runID, action string) {
	const prefix = "/v1/runs/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
