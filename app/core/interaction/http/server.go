// Package http is the thin caller-facing shell over the triage core: JSON
// endpoints for the triage operations, a task read surface for presentation
// layers, and the SSE stream the broadcaster writes into.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"opsdesk/app/core/realtime"
	"opsdesk/app/core/scoring"
	"opsdesk/app/core/store"
	"opsdesk/app/core/triage"
	"opsdesk/app/pkg/types"
)

// TriageAPI is what the route handlers delegate to; they parse and render
// only.
type TriageAPI interface {
	Submit(ctx context.Context, message, requesterID, customerID string) (triage.Outcome, error)
	Approve(ctx context.Context, token, requesterID, customerID string) (types.Task, error)
	Reject(token string) error
	Recommend(ctx context.Context, taskDescription string, requiredSkills []string) (scoring.Recommendation, error)
}

// TaskReader serves the read endpoints consumed by presentation layers.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (types.Task, error)
	ListTasks(ctx context.Context, limit int) ([]types.Task, error)
	ListActivities(ctx context.Context, taskID string, limit int) ([]types.Activity, error)
	UpdateTaskStatus(ctx context.Context, taskID, actorID string, status types.TaskStatus) (types.Task, types.Activity, error)
}

type Server struct {
	port            int
	triage          TriageAPI
	tasks           TaskReader
	broadcaster     *realtime.Broadcaster
	log             *zap.Logger
	server          *http.Server
	shutdownTimeout time.Duration
}

func NewServer(port int, triageAPI TriageAPI, tasks TaskReader, broadcaster *realtime.Broadcaster, log *zap.Logger) *Server {
	return &Server{
		port:            port,
		triage:          triageAPI,
		tasks:           tasks,
		broadcaster:     broadcaster,
		log:             log,
		shutdownTimeout: 5 * time.Second,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/triage", s.handleSubmit)
	mux.HandleFunc("POST /api/triage/approve", s.handleApprove)
	mux.HandleFunc("POST /api/triage/reject", s.handleReject)
	mux.HandleFunc("POST /api/recommend", s.handleRecommend)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("GET /api/tasks/{id}/activities", s.handleListActivities)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown error", zap.Error(err))
		}
	}()

	s.log.Info("http listening", zap.Int("port", s.port))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type submitRequest struct {
	Message     string `json:"message"`
	RequesterID string `json:"requester_id"`
	CustomerID  string `json:"customer_id,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	outcome, err := s.triage.Submit(r.Context(), req.Message, req.RequesterID, req.CustomerID)
	if err != nil {
		s.writeTriageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type approveRequest struct {
	Token       string `json:"token"`
	RequesterID string `json:"requester_id"`
	CustomerID  string `json:"customer_id,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	task, err := s.triage.Approve(r.Context(), req.Token, req.RequesterID, req.CustomerID)
	if err != nil {
		s.writeTriageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"task": task})
}

type rejectRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if err := s.triage.Reject(req.Token); err != nil {
		s.writeTriageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type recommendRequest struct {
	Description    string   `json:"description"`
	RequiredSkills []string `json:"required_skills,omitempty"`
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	rec, err := s.triage.Recommend(r.Context(), req.Description, req.RequiredSkills)
	if err != nil {
		s.writeTriageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommended":  rec.Best,
		"alternatives": rec.Alternatives,
		"ranked":       rec.All,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context(), 100)
	if err != nil {
		s.writeTriageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeTriageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type updateStatusRequest struct {
	Status  string `json:"status"`
	ActorID string `json:"actor_id"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	task, activity, err := s.tasks.UpdateTaskStatus(r.Context(), r.PathValue("id"), req.ActorID, types.NormalizeStatus(req.Status))
	if err != nil {
		s.writeTriageError(w, err)
		return
	}
	// Mutations outside the triage core reuse the same broadcaster, in
	// transaction completion order.
	s.broadcaster.Publish(triage.EventTaskUpdated, task, "")
	s.broadcaster.Publish(triage.EventActivityCreated, activity, "")
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	activities, err := s.tasks.ListActivities(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		s.writeTriageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activities": activities})
}

// handleEvents holds the connection open as an SSE stream until the client
// disconnects or the sink is evicted.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	recipientID := strings.TrimSpace(r.URL.Query().Get("recipient_id"))
	if recipientID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "recipient_id is required")
		return
	}
	sink, err := realtime.NewSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}
	sub := s.broadcaster.Subscribe(recipientID, sink)
	defer sub.Close()

	select {
	case <-r.Context().Done():
	case <-sub.Done():
	}
}

func (s *Server) writeTriageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, triage.ErrMissingCustomer):
		writeError(w, http.StatusUnprocessableEntity, "customer_required", err.Error())
	case errors.Is(err, triage.ErrProposalNotFound):
		writeError(w, http.StatusNotFound, "proposal_not_found", err.Error())
	case errors.Is(err, triage.ErrEmptyMessage), errors.Is(err, store.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrAssigneeNotFound), errors.Is(err, store.ErrCustomerNotFound), errors.Is(err, store.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, triage.ErrNoCandidates):
		writeError(w, http.StatusUnprocessableEntity, "no_candidates", err.Error())
	case errors.Is(err, store.ErrStorageTimeout):
		writeError(w, http.StatusGatewayTimeout, "storage_timeout", err.Error())
	case errors.Is(err, store.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
