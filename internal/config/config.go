// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for field, agent, simulation and
// server settings.
//
// Every section has a DefaultX() with the stock values and an XFromEnv()
// that applies environment overrides on top. Invalid or non-positive
// overrides are ignored.
package config

import (
	"os"
	"strconv"
	"strings"
)

// =============================================================================
// FIELD CONFIGURATION
// =============================================================================

// FieldConfig is the flow field grid used when no scenario file is given.
type FieldConfig struct {
	Width    int     // cells along world X
	Height   int     // cells along world Z
	CellSize float64 // world units per cell
}

// DefaultField returns the default field geometry.
func DefaultField() FieldConfig {
	return FieldConfig{
		Width:    50,
		Height:   50,
		CellSize: 1,
	}
}

// FieldFromEnv returns field configuration with environment variable overrides.
func FieldFromEnv() FieldConfig {
	cfg := DefaultField()

	if w := getEnvInt("FIELD_WIDTH", 0); w > 0 {
		cfg.Width = w
	}
	if h := getEnvInt("FIELD_HEIGHT", 0); h > 0 {
		cfg.Height = h
	}
	if cs := getEnvFloat("FIELD_CELL_SIZE", 0); cs > 0 {
		cfg.CellSize = cs
	}

	return cfg
}

// =============================================================================
// AGENT CONFIGURATION
// =============================================================================

// AgentConfig holds movement tuning.
type AgentConfig struct {
	MaxSpeed          float64
	StopSpeed         float64
	Friction          float64
	AvoidanceRadius   float64
	AvoidanceStrength float64
}

// DefaultAgent returns the default movement tuning.
func DefaultAgent() AgentConfig {
	return AgentConfig{
		MaxSpeed:          6,
		StopSpeed:         1.905,
		Friction:          1, // 4 never lets agents accelerate from rest at MaxSpeed 6
		AvoidanceRadius:   2,
		AvoidanceStrength: 15,
	}
}

// AgentFromEnv returns agent configuration with environment variable overrides.
func AgentFromEnv() AgentConfig {
	cfg := DefaultAgent()

	if v := getEnvFloat("AGENT_MAX_SPEED", 0); v > 0 {
		cfg.MaxSpeed = v
	}
	if v := getEnvFloat("AGENT_STOP_SPEED", 0); v > 0 {
		cfg.StopSpeed = v
	}
	if v := getEnvFloat("AGENT_FRICTION", -1); v >= 0 {
		cfg.Friction = v
	}
	if v := getEnvFloat("AGENT_AVOID_RADIUS", 0); v > 0 {
		cfg.AvoidanceRadius = v
	}
	if v := getEnvFloat("AGENT_AVOID_STRENGTH", -1); v >= 0 {
		cfg.AvoidanceStrength = v
	}

	return cfg
}

// =============================================================================
// SIMULATION CONFIGURATION
// =============================================================================

// SimConfig holds host loop settings.
type SimConfig struct {
	TickRate        int // ticks per second
	MaxAgents       int // hard cap on live agents
	Workers         int // parallel agent update chunks
	QueueSize       int // buffered commands from the API
	TickLogInterval int // event log gets one tick record per N ticks
}

// DefaultSim returns the default simulation settings.
func DefaultSim() SimConfig {
	return SimConfig{
		TickRate:        30,
		MaxAgents:       5000,
		Workers:         1,
		QueueSize:       256,
		TickLogInterval: 30, // once a second at the default rate
	}
}

// SimFromEnv returns simulation configuration with environment variable overrides.
func SimFromEnv() SimConfig {
	cfg := DefaultSim()

	if v := getEnvInt("SIM_TICK_RATE", 0); v > 0 {
		cfg.TickRate = v
	}
	if v := getEnvInt("SIM_MAX_AGENTS", 0); v > 0 {
		cfg.MaxAgents = v
	}
	if v := getEnvInt("SIM_WORKERS", 0); v > 0 {
		cfg.Workers = v
	}

	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               int
	DebugAddr          string // pprof + metrics, localhost only
	DebugServer        bool
	ScenarioPath       string // YAML scenario; empty uses the built-in one
	EventLogPath       string // JSONL event log; empty disables the file
	MaxSpawnPerRequest int
	BroadcastRate      int      // websocket state frames per second
	AllowedOrigins     []string // extra CORS/websocket origins beyond localhost
	RateLimitRPS       float64  // per-IP request refill rate
	RateLimitBurst     int      // per-IP request burst
	WSMaxConnections   int      // live websocket connections in total
	WSMaxPerIP         int      // live websocket connections per IP
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:               3000,
		DebugAddr:          "localhost:6060",
		DebugServer:        true,
		EventLogPath:       "events.jsonl",
		MaxSpawnPerRequest: 500,
		BroadcastRate:      10,
		RateLimitRPS:       10,
		RateLimitBurst:     20,
		WSMaxConnections:   500,
		WSMaxPerIP:         10,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if v := os.Getenv("SCENARIO_PATH"); v != "" {
		cfg.ScenarioPath = v
	}
	if v, ok := os.LookupEnv("EVENT_LOG_PATH"); ok {
		cfg.EventLogPath = v
	}
	if os.Getenv("DISABLE_DEBUG_SERVER") == "true" {
		cfg.DebugServer = false
	}
	if v := getEnvFloat("RATE_LIMIT_RPS", 0); v > 0 {
		cfg.RateLimitRPS = v
	}
	if v := getEnvInt("RATE_LIMIT_BURST", 0); v > 0 {
		cfg.RateLimitBurst = v
	}
	if v := getEnvInt("WS_MAX_CONNECTIONS", 0); v > 0 {
		cfg.WSMaxConnections = v
	}
	if v := getEnvInt("WS_MAX_PER_IP", 0); v > 0 {
		cfg.WSMaxPerIP = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Field  FieldConfig
	Agent  AgentConfig
	Sim    SimConfig
	Server ServerConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Field:  FieldFromEnv(),
		Agent:  AgentFromEnv(),
		Sim:    SimFromEnv(),
		Server: ServerFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
