package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vimarconnector/internal/entries"
	"vimarconnector/internal/flowmanager"
	"vimarconnector/pkg/flow"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// FlowManager runs setup flows
type FlowManager interface {
	Init(ctx context.Context, domain, source string, data any) (*flow.Directive, error)
	Configure(ctx context.Context, flowID string, input flow.Input) (*flow.Directive, error)
	Abort(flowID string) error
	List(domain string) []flowmanager.Flow
	Trace(flowID string) ([]flowmanager.TraceStep, bool)
}

// EntryStore lists and removes config entries
type EntryStore interface {
	List(domain string) []entries.Entry
	Remove(entryID string) error
}

// Deps are the services the API serves
type Deps struct {
	Flows   FlowManager
	Entries EntryStore

	// Events streams flow and entry events over WebSocket. Optional.
	Events http.Handler

	// Metrics serves the Prometheus exposition. Optional.
	Metrics http.Handler
}

// Server provides HTTP API endpoints for the setup service
type Server struct {
	deps   Deps
	logger *zap.Logger
	router chi.Router
	server *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps, logger *zap.Logger, port int) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)

	r.Route("/api/flows", func(r chi.Router) {
		r.Get("/", s.handleFlowsList)
		r.Post("/", s.handleFlowsStart)
		r.Post("/{flow_id}", s.handleFlowsConfigure)
		r.Delete("/{flow_id}", s.handleFlowsAbort)
		r.Get("/{flow_id}/trace", s.handleFlowsTrace)
	})

	r.Route("/api/entries", func(r chi.Router) {
		r.Get("/", s.handleEntriesList)
		r.Delete("/{entry_id}", s.handleEntriesRemove)
	})

	if deps.Events != nil {
		r.Get("/ws/flows", deps.Events.ServeHTTP)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.NotFound(s.handleSitemap)
	s.router = r

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// WebSocket clients hold the connection open; no WriteTimeout.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// StartFlowRequest is the body of POST /api/flows
type StartFlowRequest struct {
	Handler string         `json:"handler"`
	Data    map[string]any `json:"data,omitempty"`
}

// handleFlowsStart starts a user flow and returns its first directive
func (s *Server) handleFlowsStart(w http.ResponseWriter, r *http.Request) {
	var req StartFlowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Handler = strings.TrimSpace(req.Handler)
	if req.Handler == "" {
		writeError(w, http.StatusBadRequest, "handler is required")
		return
	}

	var data any
	if req.Data != nil {
		data = flow.Input(req.Data)
	}

	d, err := s.deps.Flows.Init(r.Context(), req.Handler, flow.SourceUser, data)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleFlowsConfigure submits input to the current step of a flow
func (s *Server) handleFlowsConfigure(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")

	input := flow.Input{}
	if err := decodeJSON(r, &input); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	d, err := s.deps.Flows.Configure(r.Context(), flowID, input)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleFlowsAbort removes an in-progress flow
func (s *Server) handleFlowsAbort(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")
	if err := s.deps.Flows.Abort(flowID); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleFlowsList returns the in-progress flows, optionally filtered by ?handler=
func (s *Server) handleFlowsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Flows.List(r.URL.Query().Get("handler")))
}

// handleFlowsTrace returns the recorded steps of a flow
func (s *Server) handleFlowsTrace(w http.ResponseWriter, r *http.Request) {
	steps, ok := s.deps.Flows.Trace(chi.URLParam(r, "flow_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// handleEntriesList returns config entries, optionally filtered by ?domain=
func (s *Server) handleEntriesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Entries.List(r.URL.Query().Get("domain")))
}

// handleEntriesRemove deletes a config entry
func (s *Server) handleEntriesRemove(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entry_id")
	if err := s.deps.Entries.Remove(entryID); err != nil {
		if errors.Is(err, entries.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		s.logger.Error("Failed to remove entry", zap.String("entry_id", entryID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, flowmanager.ErrFlowNotFound):
		writeError(w, http.StatusNotFound, "flow not found")
	case errors.Is(err, flow.ErrUnknownHandler):
		writeError(w, http.StatusNotFound, "handler not found")
	default:
		s.logger.Error("Flow request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "flow step failed")
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
