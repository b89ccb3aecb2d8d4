// Package controller serves the appliance HTTP API: path registration and
// quality, policy management, endpoint labels and flow evaluation.
package controller

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"sdwanctl/internal/config"
	"sdwanctl/internal/metrics"
	"sdwanctl/internal/model"
	"sdwanctl/internal/netpolicy"
	"sdwanctl/internal/probe"
	"sdwanctl/internal/store"
)

const shutdownTimeout = 30 * time.Second

// Monitor is the subset of the path monitor the API needs.
type Monitor interface {
	Running() bool
	GetMetrics(ctx context.Context, id model.PathID) (*model.PathMetrics, error)
	GetAllMetrics() map[model.PathID]model.PathMetrics
	SendProbe(ctx context.Context, id model.PathID) (time.Duration, error)
	Forget(id model.PathID)
}

// Responder reports probe responder counters.
type Responder interface {
	Stats() probe.ResponderStats
}

// Deps are the components the server exposes.
type Deps struct {
	Site      config.SiteConfig
	DB        store.Database
	Monitor   Monitor
	Enforcer  *netpolicy.Enforcer
	Exporter  *metrics.Exporter
	Responder Responder
}

// Server provides the appliance HTTP API.
type Server struct {
	cfg  config.APIConfig
	deps Deps

	router *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the router. The server does not listen until Start.
func NewServer(cfg config.APIConfig, logLevel string, deps Deps) (*Server, error) {
	if deps.DB == nil || deps.Monitor == nil || deps.Enforcer == nil {
		return nil, errors.New("controller: database, monitor and enforcer are required")
	}

	if logLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// Router returns the gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = srv
	s.listener = ln

	log.Infof("Starting API server on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server failed: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, waiting for in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	log.Info("Shutting down API server...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("API server forced to shutdown: %v", err)
		return err
	}
	log.Info("API server stopped")
	return nil
}
