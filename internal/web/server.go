// Package web provides the HTTP surface of the presence server: a landing
// page, the server log, runtime stats, and the websocket protocol endpoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/janusvr/presence/internal/config"
)

// Stats exposes the runtime counters reported by the /stats endpoint.
type Stats interface {
	ConnectedCount() int
	RoomCount() int
}

// Server is the HTTP server for the web surface.
type Server struct {
	cfg    config.WebConfig
	stats  Stats
	logger *zap.Logger
	router *httprouter.Router
	server *http.Server
	start  time.Time
}

// NewServer creates a web server. ws, when non-nil, is mounted at /presence
// so browser clients can speak the socket protocol over websockets.
//
// Precondition: logger must be non-nil.
func NewServer(cfg config.WebConfig, stats Stats, ws http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		stats:  stats,
		logger: logger,
		router: httprouter.New(),
		start:  time.Now(),
	}

	s.router.GET("/", s.handleIndex)
	s.router.GET("/log", s.handleLog)
	s.router.GET("/stats", s.handleStats)
	if ws != nil {
		s.router.Handler(http.MethodGet, "/presence", ws)
	}
	return s
}

// Start runs the HTTP server until Stop is called. Blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.router,
	}

	s.logger.Info("web server listening", zap.String("addr", s.cfg.Addr()))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler returns the underlying router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Nothing to see here ... yet")
}

// handleLog streams the server log file as plain text.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.cfg.LogFile == "" {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(s.cfg.LogFile)
	if err != nil {
		s.logger.Warn("opening log file", zap.String("path", s.cfg.LogFile), zap.Error(err))
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("streaming log file", zap.Error(err))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats := map[string]any{
		"uptime": time.Since(s.start).Round(time.Second).String(),
	}
	if s.stats != nil {
		stats["connected"] = s.stats.ConnectedCount()
		stats["rooms"] = s.stats.RoomCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Debug("encoding stats", zap.Error(err))
	}
}
