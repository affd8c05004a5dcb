// Package server exposes the archive over HTTP: ingest, queries, search,
// cost analytics, backup and restore jobs, rate-limit administration, and
// a websocket progress feed.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/backup"
	"github.com/claudelens/claudelens/internal/ingest"
	"github.com/claudelens/claudelens/internal/ownership"
	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/ratelimit"
	"github.com/claudelens/claudelens/internal/restore"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/tenant"
	"github.com/claudelens/claudelens/internal/types"
)

// Server wires the engines behind an HTTP mux.
type Server struct {
	store       storage.Store
	resolver    *tenant.Resolver
	owner       *ownership.Resolver
	limits      *ratelimit.Engine
	pipeline    *ingest.Pipeline
	backups     *backup.Engine
	restores    *restore.Engine
	broadcaster *progress.Broadcaster
	log         *zap.Logger

	addr     string
	version  string
	started  time.Time
	httpSrv  *http.Server
	listener net.Listener
	mu       sync.RWMutex
}

// Options carries the engine set the server serves.
type Options struct {
	Store       storage.Store
	Resolver    *tenant.Resolver
	Owner       *ownership.Resolver
	Limits      *ratelimit.Engine
	Pipeline    *ingest.Pipeline
	Backups     *backup.Engine
	Restores    *restore.Engine
	Broadcaster *progress.Broadcaster
	Log         *zap.Logger
	Addr        string
	Version     string
}

func New(o Options) *Server {
	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store:       o.Store,
		resolver:    o.Resolver,
		owner:       o.Owner,
		limits:      o.Limits,
		pipeline:    o.Pipeline,
		backups:     o.Backups,
		restores:    o.Restores,
		broadcaster: o.Broadcaster,
		log:         log,
		addr:        o.Addr,
		version:     o.Version,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	mux.Handle("POST /api/v1/ingest", s.handle(types.AxisIngest, s.handleIngest))

	mux.Handle("GET /api/v1/messages", s.handle(types.AxisHTTP, s.handleQueryMessages))
	mux.Handle("GET /api/v1/messages/{uuid}", s.handle(types.AxisHTTP, s.handleGetMessage))
	mux.Handle("GET /api/v1/search", s.handle(types.AxisSearch, s.handleSearch))
	mux.Handle("GET /api/v1/analytics/costs", s.handle(types.AxisAnalytics, s.handleCosts))
	mux.Handle("GET /api/v1/analytics/usage", s.handle(types.AxisAnalytics, s.handleUsage))

	mux.Handle("GET /api/v1/projects", s.handle(types.AxisHTTP, s.handleListProjects))
	mux.Handle("DELETE /api/v1/projects/{id}", s.handle(types.AxisHTTP, s.handleDeleteProject))
	mux.Handle("GET /api/v1/sessions", s.handle(types.AxisHTTP, s.handleListSessions))
	mux.Handle("GET /api/v1/sessions/{id}", s.handle(types.AxisHTTP, s.handleGetSession))

	mux.Handle("POST /api/v1/backups", s.handle(types.AxisBackup, s.handleCreateBackup))
	mux.Handle("GET /api/v1/backups", s.handle(types.AxisHTTP, s.handleListBackups))
	mux.Handle("GET /api/v1/backups/{id}", s.handle(types.AxisHTTP, s.handleGetBackup))
	mux.Handle("GET /api/v1/backups/{id}/preview", s.handle(types.AxisHTTP, s.handlePreviewBackup))
	mux.Handle("DELETE /api/v1/backups/{id}", s.handle(types.AxisHTTP, s.handleDeleteBackup))

	mux.Handle("POST /api/v1/restores", s.handle(types.AxisRestore, s.handleCreateRestore))
	mux.Handle("GET /api/v1/restores/{id}", s.handle(types.AxisHTTP, s.handleGetRestore))

	mux.Handle("GET /api/v1/limits", s.handle(types.AxisHTTP, s.handleGetLimits))
	mux.Handle("PUT /api/v1/limits", s.handle(types.AxisHTTP, s.handlePutLimits))

	mux.Handle("GET /api/v1/sync", s.handle(types.AxisHTTP, s.handleGetSync))
	mux.Handle("PUT /api/v1/sync", s.handle(types.AxisHTTP, s.handlePutSync))

	mux.Handle("POST /api/v1/tokens", s.handle(types.AxisHTTP, s.handleMintToken))

	mux.Handle("GET /ws/progress", s.handle(types.AxisWebsocket, s.handleProgressWS))

	return mux
}

// Start serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Handler:      s.withRecovery(s.routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has run.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Handler returns the routed handler without binding a listener. Tests
// mount this on httptest.Server.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	if s.started.IsZero() {
		s.started = time.Now()
	}
	s.mu.Unlock()
	return s.withRecovery(s.routes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	uptime := time.Since(s.started)
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "healthy",
		"version": s.version,
		"uptime":  fmt.Sprintf("%.0fs", uptime.Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	// Ready means the store answers. A partition listing touches both the
	// schema and the registry table.
	if _, err := s.store.ListPartitions(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "reason": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
