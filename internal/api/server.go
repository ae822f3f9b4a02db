package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerConfig holds the settings NewServer needs beyond the engine.
type ServerConfig struct {
	MaxSpawnPerRequest int
	BroadcastRate      int      // websocket frames per second
	CORSOrigins        []string // nil uses the localhost defaults

	RateLimit             RateLimitConfig // zero fields take DefaultRateLimitConfig
	MaxWSConnections      int             // 0 uses MaxWSConnectionsTotal
	MaxWSConnectionsPerIP int             // 0 uses MaxWSConnectionsPerIP
}

// Server is the HTTP API server with WebSocket support.
// It combines the HTTP router with WebSocket hub for real-time updates.
type Server struct {
	engine      EngineInterface
	config      ServerConfig
	router      *chi.Mux
	wsHub       *WebSocketHub
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
}

// NewServer creates a new API server.
//
// IMPORTANT: Background workers do NOT start until Start() is called.
// This enables testing by allowing the server to be constructed without
// starting goroutines or opening network listeners.
//
// For testing HTTP endpoints without WebSocket support, use NewRouter() directly.
func NewServer(engine EngineInterface, cfg ServerConfig) *Server {
	s := &Server{
		engine: engine,
		config: cfg,
		wsHub:  NewWebSocketHub(cfg.MaxWSConnections, cfg.MaxWSConnectionsPerIP),
	}
	s.httpServer = &http.Server{ReadHeaderTimeout: 5 * time.Second}

	// Create rate limiter (we track it for cleanup and metrics)
	s.rateLimiter = NewIPRateLimiter(cfg.RateLimit)

	s.router = NewRouter(RouterConfig{
		Engine:             engine,
		RateLimiter:        s.rateLimiter,
		CORSOrigins:        cfg.CORSOrigins,
		MaxSpawnPerRequest: cfg.MaxSpawnPerRequest,
	})

	// Add WebSocket routes (these need the wsHub instance)
	s.setupWebSocketRoutes()

	return s
}

// setupWebSocketRoutes adds WebSocket-specific routes to the router.
// These routes need access to the wsHub instance, so they can't be
// part of the generic NewRouter factory.
func (s *Server) setupWebSocketRoutes() {
	s.router.Get("/ws", s.wsHub.HandleWebSocket)
}

// Start begins the HTTP server AND starts background workers.
// This is the ONLY method that starts goroutines or opens network listeners.
// It blocks until the server stops; a Stop-initiated shutdown returns nil.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()
	s.wsHub.StartBroadcastLoop(s.engine, s.config.BroadcastRate)

	s.httpServer.Addr = addr
	s.httpServer.Handler = s.router

	log.Printf("🌐 API server starting on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
// Use this in integration tests instead of calling Start().
//
// Example:
//
//	server := api.NewServer(engine, api.ServerConfig{})
//	ts := httptest.NewServer(server.Router())
//	defer ts.Close()
//	resp, _ := http.Get(ts.URL + "/api/state")
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// RegisterMetrics exposes the server's limiter counters on reg.
func (s *Server) RegisterMetrics(reg prometheus.Registerer) error {
	return RegisterLimiterMetrics(reg, s.rateLimiter, s.wsHub.wsLimiter)
}

// Stop performs graceful shutdown of the listener and background workers.
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
