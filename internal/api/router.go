package api

import (
	"net/http"
	"time"

	"crowd-flow/internal/crowd"
	"crowd-flow/internal/flowfield"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultMaxSpawnPerRequest caps POST /api/agents/spawn when RouterConfig
// leaves MaxSpawnPerRequest unset.
const DefaultMaxSpawnPerRequest = 500

// EngineInterface defines the crowd engine methods used by the API.
// This interface enables mocking for tests without spinning up the tick loop.
// Keep this minimal - only include methods the API layer actually calls.
type EngineInterface interface {
	// Snapshot returns a copy of the agent state published by the last tick
	Snapshot() crowd.AgentSnapshot
	// ViewSnapshot reads the last published state without copying it
	ViewSnapshot(fn func(*crowd.AgentSnapshot))
	// Stats returns engine counters
	Stats() crowd.EngineStats
	// Enqueue hands a command to the tick loop; false means it was dropped
	Enqueue(cmd crowd.Command) bool
	// Field returns the flow field the agents steer by
	Field() *flowfield.Field
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
// This struct is designed for dependency injection and testability.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Engine: mockEngine,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limit for tests
//	        Burst:             1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Engine is the crowd engine (required)
	Engine EngineInterface

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is optional configuration for the rate limiter.
	// Only used if RateLimiter is nil. If both are nil, uses DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, uses the local development origins.
	CORSOrigins []string

	// MaxSpawnPerRequest caps the count of a single spawn request.
	MaxSpawnPerRequest int

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

// routerHandlers holds the handler functions for the router.
type routerHandlers struct {
	engine   EngineInterface
	maxSpawn int
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// No network listeners are opened and no engine goroutines are started, so
// the router can be served directly with httptest.NewServer. The only
// background work is the rate limiter's cleanup loop; pass a RateLimiter
// to control its lifetime.
//
// Example:
//
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
//	defer ts.Close()
//	resp, _ := http.Get(ts.URL + "/api/state")
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	h := &routerHandlers{
		engine:   cfg.Engine,
		maxSpawn: cfg.MaxSpawnPerRequest,
	}
	if h.maxSpawn <= 0 {
		h.maxSpawn = DefaultMaxSpawnPerRequest
	}

	r.Route("/api", func(r chi.Router) {
		// Agent state
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)

		// Flow field
		r.Get("/field", h.handleGetField)
		r.Get("/field/flow", h.handleGetFlow)
		r.Get("/field/export", h.handleExportField)

		// Commands, applied at the start of the next tick
		r.Post("/goal", h.handleSetGoal)
		r.Post("/agents/spawn", h.handleSpawn)
		r.Post("/terrain/rebuild", h.handleRebuild)
	})

	return r
}

// metricsMiddleware records latency per route pattern (bounded labels).
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				endpoint = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordRequest(r.Method, endpoint, status, time.Since(start))
	})
}
