package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sitesentry/qa-platform/internal/dispatch"
	"github.com/sitesentry/qa-platform/internal/stats"
	"github.com/sitesentry/qa-platform/internal/teststore"
)

// Server is the HTTP API server
type Server struct {
	store      *teststore.Store
	dispatcher *dispatch.Dispatcher
	aggregator *stats.Aggregator
	logger     *slog.Logger
	addr       string
	mux        *http.ServeMux
	hub        *EventHub
}

// NewServer creates a new API server and wires transition events from
// the dispatcher into the websocket hub and the stats cache.
func NewServer(store *teststore.Store, dispatcher *dispatch.Dispatcher, aggregator *stats.Aggregator, logger *slog.Logger, addr string) *Server {
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		aggregator: aggregator,
		logger:     logger,
		addr:       addr,
		mux:        http.NewServeMux(),
		hub:        NewEventHub(logger),
	}
	s.setupRoutes()

	dispatcher.SetNotify(func(ev dispatch.Event) {
		s.aggregator.Invalidate(context.Background(), ev.ProjectID)
		s.hub.Broadcast(ev)
	})

	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/projects", s.createProjectHandler())
	s.mux.HandleFunc("GET /api/projects", s.listProjectsHandler())
	s.mux.HandleFunc("GET /api/projects/{id}", s.getProjectHandler())
	s.mux.HandleFunc("PUT /api/projects/{id}", s.updateProjectHandler())
	s.mux.HandleFunc("DELETE /api/projects/{id}", s.deleteProjectHandler())

	s.mux.HandleFunc("POST /api/tests", s.createTestHandler())
	s.mux.HandleFunc("GET /api/tests/{id}", s.getTestHandler())
	s.mux.HandleFunc("POST /api/tests/{id}/cancel", s.cancelTestHandler())
	s.mux.HandleFunc("GET /api/tests/{id}/issues", s.listIssuesHandler())
	s.mux.HandleFunc("POST /api/tests/{id}/issues", s.createIssueHandler())
	s.mux.HandleFunc("POST /api/tests/{id}/manual", s.submitManualHandler())

	s.mux.HandleFunc("GET /api/issues/{id}/comments", s.listCommentsHandler())
	s.mux.HandleFunc("POST /api/issues/{id}/comments", s.createCommentHandler())

	s.mux.HandleFunc("GET /api/events", s.eventsHandler())
}

// Handler returns the server's root handler, for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: s.addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
