package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/httpseal/flowtap/pkg/logger"
)

const maxCommandBody = 64 * 1024

// FilterCommander is the administrative view of the recorder
type FilterCommander interface {
	ApplyFilter(pattern string) (message string, ok bool)
	Filter() (pattern string, active bool)
}

// SetFilterRequest is the body of POST /commands/set_filter
type SetFilterRequest struct {
	Pattern string `json:"pattern"`
}

// CommandResponse carries the human-readable result of a command
type CommandResponse struct {
	Message string `json:"message"`
}

// FilterResponse is the body of GET /filter
type FilterResponse struct {
	Pattern string `json:"pattern"`
	Active  bool   `json:"active"`
}

// Server exposes the set_filter command, the current filter and metrics over HTTP
type Server struct {
	addr     string
	commands FilterCommander
	metrics  http.Handler
	logger   logger.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer creates an admin server; metricsHandler may be nil
func NewServer(addr string, commands FilterCommander, metricsHandler http.Handler, log logger.Logger) *Server {
	return &Server{
		addr:     addr,
		commands: commands,
		metrics:  metricsHandler,
		logger:   log,
	}
}

// Handler builds the admin router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/filter", s.handleGetFilter)
	r.Post("/commands/set_filter", s.handleSetFilter)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server error: %v", err)
		}
	}()

	s.logger.Debug("Admin server started on %s", s.listener.Addr())
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	pattern, active := s.commands.Filter()
	writeJSON(w, http.StatusOK, FilterResponse{Pattern: pattern, Active: active})
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var req SetFilterRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCommandBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResponse{Message: fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	msg, ok := s.commands.ApplyFilter(req.Pattern)
	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, CommandResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
