package api

import (
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"crowd-flow/internal/flowfield"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-agent labels)
var (
	// Crowd engine metrics
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crowd_tick_duration_seconds",
		Help:    "Time spent in one simulation tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	agentCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crowd_agent_count",
		Help: "Current number of agents",
	})

	// Flow field metrics
	rebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowfield_rebuild_duration_seconds",
		Help:    "Time spent rebuilding the cost field",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	walkableCells = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowfield_walkable_cells",
		Help: "Walkable cells after the last rebuild",
	})

	// Commands rejected at the API because the queue was full
	commandRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowd_command_rejected_total",
		Help: "Commands rejected because the command queue was full",
	}, []string{"kind"}) // Bounded: "spawn", "goal", "rebuild"

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit"

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is path pattern, not full URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	// WebSocket metrics
	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages sent",
	})
)

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be localhost in production
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// RegisterEngineMetrics exposes the engine's cumulative counters to
// Prometheus. Call once per process.
func RegisterEngineMetrics(engine EngineInterface) {
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "crowd_command_queue_dropped_total",
		Help: "Commands dropped by the engine's command queue",
	}, func() float64 {
		return float64(engine.Stats().Queue.Dropped)
	})
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "crowd_event_log_dropped_total",
		Help: "Events dropped by rate limiting or a full buffer",
	}, func() float64 {
		return float64(engine.Stats().Events.Dropped)
	})
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "flowfield_reachable_cells",
		Help: "Cells with a finite distance to the current goal",
	}, func() float64 {
		return float64(engine.Field().Snapshot().Stats().Reachable)
	})
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "crowd_field_version",
		Help: "Generation of the published flow field",
	}, func() float64 {
		return float64(engine.Field().Snapshot().Version)
	})
}

// RegisterLimiterMetrics exposes request and websocket limiter counters.
func RegisterLimiterMetrics(reg prometheus.Registerer, rl *IPRateLimiter, ws *WebSocketRateLimiter) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "http_rate_limit_allowed_total",
			Help: "Requests admitted by the per-IP rate limiter",
		}, func() float64 {
			return float64(rl.Stats().Allowed)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "http_rate_limit_rejected_total",
			Help: "Requests refused by the per-IP rate limiter",
		}, func() float64 {
			return float64(rl.Stats().Rejected)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "http_rate_limit_tracked_ips",
			Help: "Client IPs with a live token bucket",
		}, func() float64 {
			return float64(rl.Stats().TrackedIPs)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "websocket_ip_limit_rejected_total",
			Help: "Websocket connections refused by the per-IP cap",
		}, func() float64 {
			return float64(ws.Rejected())
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// debugMux builds the pprof/metrics/health handler.
func debugMux() *http.ServeMux {
	mux := http.NewServeMux()

	// pprof endpoints for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// isLocalAddr reports whether addr binds a loopback host.
func isLocalAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// StartDebugServer starts the internal observability server
// CRITICAL: This MUST bind to localhost only to prevent pprof-based DoS
func StartDebugServer(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	// SECURITY: Validate address is localhost
	if !isLocalAddr(cfg.ListenAddr) {
		// Only allow external binding if explicitly enabled via env
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	var handler http.Handler = debugMux()
	if cfg.BasicAuthUser != "" {
		handler = basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, handler)
	}

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return nil
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordTick records tick timing and population. Matches crowd.Engine.OnTick.
func RecordTick(duration time.Duration, agents int) {
	tickDuration.Observe(duration.Seconds())
	agentCount.Set(float64(agents))
}

// RecordRebuild records a cost field rebuild. Matches crowd.Engine.OnRebuild.
func RecordRebuild(duration time.Duration, stats flowfield.FieldStats) {
	rebuildDuration.Observe(duration.Seconds())
	walkableCells.Set(float64(stats.Walkable))
}

// RecordCommandRejected counts a command refused at the API.
func RecordCommandRejected(kind string) {
	commandRejected.WithLabelValues(kind).Inc()
}

// RecordConnectionRejected increments the rejection counter
// reason must be one of: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages increments WebSocket message counter
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}
