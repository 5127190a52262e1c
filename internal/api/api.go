// Package api implements the Command API (§6.1): task submission, plan
// approval/rejection, cancellation, and a Server-Sent Events stream of a
// task's Event Bus topic, routed with github.com/go-chi/chi/v5. JSON
// encode/decode and the http.Server graceful-shutdown lifecycle mirror
// goa-ai's handleHTTPServer (example/cmd/assistant/http.go), adapted from a
// goa-generated mux to a directly-authored chi router since this package has
// no code generator of its own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/task"
	"github.com/taskmesh/orchestrator/internal/telemetry"
)

// TaskEngine is the narrow slice of taskengine.Engine the API needs: plan
// decisions (cancellation goes through TaskCanceller). Kept narrow so handlers can be tested against
// a fake without wiring a real Engine (the same pattern taskengine.Engine
// itself uses for AgentInvoker).
type TaskEngine interface {
	ApprovePlan(ctx context.Context, taskID string) outcome.Result[task.Status]
	RejectPlan(ctx context.Context, taskID string, reason string) outcome.Result[task.Status]
}

// TaskCanceller is the narrow slice of scheduler.Scheduler the API needs.
type TaskCanceller interface {
	Cancel(ctx context.Context, taskID string) outcome.Result[bool]
}

// TaskQueuer is the narrow slice of scheduler.Scheduler needed to dispatch a
// newly submitted task.
type TaskQueuer interface {
	Enqueue(taskID string)
}

// FileTree serves the live repository file tree backing GET
// /repos/{repoID}/files/tree (internal/repotree.Tree implements this).
type FileTree interface {
	Snapshot(repoID string) (any, error)
}

// Server wires the Command API's dependencies and exposes an http.Handler.
type Server struct {
	store     store.Store
	bus       eventbus.Bus
	engine    TaskEngine
	scheduler TaskCanceller
	queuer    TaskQueuer
	tree      FileTree
	log       telemetry.Logger

	router chi.Router
}

// New builds a Server and its routes. tree may be nil if /repos/{id}/files/tree
// is not needed by the deployment (the route then returns 501).
func New(st store.Store, bus eventbus.Bus, engine TaskEngine, sched TaskCanceller, queuer TaskQueuer, tree FileTree, log telemetry.Logger) *Server {
	s := &Server{store: st, bus: bus, engine: engine, scheduler: sched, queuer: queuer, tree: tree, log: log}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Post("/tasks", s.handleSubmitTask)
	r.Get("/tasks/{taskID}", s.handleGetTask)
	r.Post("/tasks/{taskID}/approve", s.handleApprove)
	r.Post("/tasks/{taskID}/reject", s.handleReject)
	r.Post("/tasks/{taskID}/cancel", s.handleCancel)
	r.Get("/tasks/{taskID}/events", s.handleEventStream)
	r.Get("/repos/{repoID}/files/tree", s.handleFileTree)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// submitTaskRequest is the POST /tasks request body.
type submitTaskRequest struct {
	RepoID      string `json:"repo_id"`
	UserRequest string `json:"user_request"`
	Title       string `json:"title"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kinds.KindUser, "malformed request body")
		return
	}
	if req.RepoID == "" || req.UserRequest == "" {
		writeError(w, http.StatusBadRequest, kinds.KindUser, "repo_id and user_request are required")
		return
	}
	if _, err := s.store.GetRepo(r.Context(), req.RepoID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, kinds.KindUser, "unknown repo_id")
			return
		}
		writeError(w, http.StatusInternalServerError, kinds.KindTransient, err.Error())
		return
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          uuid.NewString(),
		RepoID:      req.RepoID,
		UserRequest: req.UserRequest,
		Title:       req.Title,
		Status:      task.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Heartbeat:   now,
	}
	if err := s.store.Create(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, kinds.KindTransient, err.Error())
		return
	}
	if s.queuer != nil {
		s.queuer.Enqueue(t.ID)
	}
	writeJSON(w, http.StatusCreated, taskView(t))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, kinds.KindUser, "unknown task id")
			return
		}
		writeError(w, http.StatusInternalServerError, kinds.KindTransient, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, taskView(t))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	res := s.engine.ApprovePlan(r.Context(), taskID)
	writeResult(w, res, func(status task.Status) any { return map[string]any{"status": status} })
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req rejectRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	res := s.engine.RejectPlan(r.Context(), taskID, req.Reason)
	writeResult(w, res, func(status task.Status) any { return map[string]any{"status": status} })
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	res := s.scheduler.Cancel(r.Context(), taskID)
	writeResult(w, res, func(ok bool) any { return map[string]any{"cancelled": ok} })
}

// handleEventStream streams a task's Event Bus topic as Server-Sent Events.
// Accept's Last-Event-ID header or a since_seq query parameter replays
// committed events before switching to live delivery (§4.5 "Ordering").
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, kinds.KindTransient, "streaming unsupported")
		return
	}

	var sinceSeq uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		fmt.Sscanf(v, "%d", &sinceSeq)
	} else if v := r.URL.Query().Get("since_seq"); v != "" {
		fmt.Sscanf(v, "%d", &sinceSeq)
	}

	sub, err := s.bus.Subscribe(r.Context(), taskID, sinceSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kinds.KindTransient, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, more := <-sub.Events():
			if !more {
				if err := sub.Err(); err != nil {
					fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
					flusher.Flush()
				}
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev eventbus.Event) {
	payload, _ := json.Marshal(map[string]any{
		"task_id":   ev.TaskID,
		"seq":       ev.Seq,
		"kind":      ev.Kind,
		"timestamp": ev.Timestamp,
		"payload":   ev.Payload,
	})
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, payload)
}

func (s *Server) handleFileTree(w http.ResponseWriter, r *http.Request) {
	if s.tree == nil {
		writeError(w, http.StatusNotImplemented, kinds.KindUser, "file tree not configured")
		return
	}
	repoID := chi.URLParam(r, "repoID")
	snap, err := s.tree.Snapshot(repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kinds.KindTransient, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// taskView renders the API-visible projection of a Task. ErrorKind/Message
// are only populated when Status is failed; omitted fields stay zero-valued
// otherwise (Plan in particular is null until the planner has run).
func taskView(t *task.Task) map[string]any {
	return map[string]any{
		"id":           t.ID,
		"parent_id":    t.ParentID,
		"repo_id":      t.RepoID,
		"title":        t.Title,
		"status":       t.Status,
		"phase":        t.Phase,
		"current_step": t.CurrentStep,
		"plan":         t.Plan,
		"retry_count":  t.RetryCount,
		"human_review": t.HumanReview,
		"error_kind":   t.ErrorKind,
		"error_msg":    t.ErrorMessage,
		"created_at":   t.CreatedAt,
		"updated_at":   t.UpdatedAt,
	}
}

func writeResult[T any](w http.ResponseWriter, res outcome.Result[T], render func(T) any) {
	if res.IsOK() {
		writeJSON(w, http.StatusOK, render(res.Value()))
		return
	}
	f := res.Failure()
	status := http.StatusInternalServerError
	switch f.Kind {
	case kinds.KindUser, kinds.KindInvalidTransition:
		status = http.StatusConflict
	case kinds.KindTransient:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, f.Kind, f.Detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind kinds.Kind, detail string) {
	writeJSON(w, status, map[string]any{"error_kind": kind, "error": detail})
}

// NewHTTPServer builds an *http.Server ready for ListenAndServe, mirroring
// goa-ai's handleHTTPServer: a fixed ReadHeaderTimeout and a bounded
// Shutdown deadline on ctx cancellation.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
}

// Serve runs srv until ctx is cancelled, then shuts it down with a 30s
// deadline. The returned error is ListenAndServe's terminal error (nil on a
// clean shutdown, matching net/http.Server.Shutdown's contract).
func Serve(ctx context.Context, srv *http.Server, log telemetry.Logger) error {
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		if log != nil {
			log.Error(ctx, "api: shutdown error", "error", err.Error())
		}
		return err
	}
	return nil
}
