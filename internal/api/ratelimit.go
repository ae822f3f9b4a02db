package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the per-IP token bucket for /api requests.
type RateLimitConfig struct {
	RequestsPerSecond float64       // refill rate per IP
	Burst             int           // bucket size per IP
	CleanupInterval   time.Duration // idle buckets are dropped after twice this
}

// DefaultRateLimitConfig allows polling the read endpoints a few times a
// second with headroom for command bursts.
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 10,
	Burst:             20,
	CleanupInterval:   5 * time.Minute,
}

// withDefaults fills unset fields from DefaultRateLimitConfig.
func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRateLimitConfig.RequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultRateLimitConfig.Burst
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultRateLimitConfig.CleanupInterval
	}
	return c
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// IPRateLimiter throttles requests per client IP.
type IPRateLimiter struct {
	buckets  sync.Map // ip -> *ipBucket
	config   RateLimitConfig
	stopChan chan struct{}
	stopOnce sync.Once

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// NewIPRateLimiter creates a limiter and starts its idle-bucket sweeper.
// Zero fields in cfg take the defaults.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		config:   cfg.withDefaults(),
		stopChan: make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Config returns the effective limits.
func (rl *IPRateLimiter) Config() RateLimitConfig {
	return rl.config
}

// Stop ends the sweeper. Safe to call more than once.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
}

func (rl *IPRateLimiter) bucket(ip string) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := rl.buckets.Load(ip); ok {
		b := v.(*ipBucket)
		b.lastSeen.Store(now)
		return b.limiter
	}

	b := &ipBucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
	b.lastSeen.Store(now)
	v, _ := rl.buckets.LoadOrStore(ip, b)
	return v.(*ipBucket).limiter
}

func (rl *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case now := <-ticker.C:
			rl.sweep(now.Add(-2 * rl.config.CleanupInterval))
		}
	}
}

// sweep drops buckets idle since before cutoff.
func (rl *IPRateLimiter) sweep(cutoff time.Time) {
	c := cutoff.UnixNano()
	rl.buckets.Range(func(key, value interface{}) bool {
		if value.(*ipBucket).lastSeen.Load() < c {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// Allow takes one token from ip's bucket.
func (rl *IPRateLimiter) Allow(ip string) bool {
	if rl.bucket(ip).Allow() {
		rl.allowed.Add(1)
		return true
	}
	rl.rejected.Add(1)
	return false
}

// Middleware answers 429 with Retry-After once an IP runs out of tokens.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			RecordConnectionRejected("rate_limit")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimiterStats is a point-in-time view of an IPRateLimiter.
type LimiterStats struct {
	Allowed    uint64 `json:"allowed"`
	Rejected   uint64 `json:"rejected"`
	TrackedIPs int    `json:"trackedIps"`
}

// Stats returns request counters and the number of live buckets.
func (rl *IPRateLimiter) Stats() LimiterStats {
	tracked := 0
	rl.buckets.Range(func(_, _ interface{}) bool {
		tracked++
		return true
	})
	return LimiterStats{
		Allowed:    rl.allowed.Load(),
		Rejected:   rl.rejected.Load(),
		TrackedIPs: tracked,
	}
}

// GetClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then
// the socket peer. Forwarded headers are trusted as-is, so run behind a
// proxy that overwrites them.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// WebSocketRateLimiter caps concurrent websocket connections per IP.
type WebSocketRateLimiter struct {
	connections sync.Map // ip -> *atomic.Int32
	maxPerIP    int32
	rejected    atomic.Uint64
}

// NewWebSocketRateLimiter creates a limiter allowing maxPerIP live
// connections from one address.
func NewWebSocketRateLimiter(maxPerIP int) *WebSocketRateLimiter {
	return &WebSocketRateLimiter{maxPerIP: int32(maxPerIP)}
}

// Allow reserves a connection slot for ip. Pair every true result with Release.
func (wrl *WebSocketRateLimiter) Allow(ip string) bool {
	v, _ := wrl.connections.LoadOrStore(ip, new(atomic.Int32))
	counter := v.(*atomic.Int32)

	for {
		n := counter.Load()
		if n >= wrl.maxPerIP {
			wrl.rejected.Add(1)
			return false
		}
		if counter.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release frees a slot reserved by Allow.
func (wrl *WebSocketRateLimiter) Release(ip string) {
	if v, ok := wrl.connections.Load(ip); ok {
		v.(*atomic.Int32).Add(-1)
	}
}

// Rejected returns how many connections were refused for exceeding the cap.
func (wrl *WebSocketRateLimiter) Rejected() uint64 {
	return wrl.rejected.Load()
}

// AllowedOrigins lists exact origins accepted for websocket upgrades on
// top of any localhost port. main appends ALLOWED_ORIGINS at startup.
var AllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
}

// IsAllowedOrigin reports whether a browser origin may open a websocket.
func IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	if strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:") {
		return true
	}
	for _, allowed := range AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
