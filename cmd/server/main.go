package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"crowd-flow/internal/api"
	"crowd-flow/internal/config"
	"crowd-flow/internal/crowd"
	"crowd-flow/internal/flowfield"
	"crowd-flow/internal/terrain"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🧭 ================================")
	log.Println("🧭  CROWD FLOW - FLOW FIELD ENGINE")
	log.Println("🧭 ================================")

	appConfig := config.Load()
	serverCfg := appConfig.Server

	scenario, err := loadScenario(appConfig)
	if err != nil {
		log.Fatalf("❌ Scenario: %v", err)
	}
	grid, err := scenario.FieldGrid()
	if err != nil {
		log.Fatalf("❌ Field grid: %v", err)
	}
	oracle, err := scenario.Oracle()
	if err != nil {
		log.Fatalf("❌ Terrain: %v", err)
	}
	log.Printf("🗺️ Scenario %q: %dx%d cells of %.2f, %d regions",
		scenario.Name, grid.Width, grid.Height, grid.CellSize, len(scenario.Regions))

	field := flowfield.NewField(grid)
	engine := crowd.NewEngine(field, oracle, crowd.EngineConfig{
		TickRate:        appConfig.Sim.TickRate,
		MaxAgents:       appConfig.Sim.MaxAgents,
		QueueSize:       appConfig.Sim.QueueSize,
		TickLogInterval: appConfig.Sim.TickLogInterval,
		Settings: crowd.Settings{
			MaxSpeed:          appConfig.Agent.MaxSpeed,
			StopSpeed:         appConfig.Agent.StopSpeed,
			Friction:          appConfig.Agent.Friction,
			AvoidanceRadius:   appConfig.Agent.AvoidanceRadius,
			AvoidanceStrength: appConfig.Agent.AvoidanceStrength,
			Workers:           appConfig.Sim.Workers,
		},
	})
	engine.OnTick = api.RecordTick
	engine.OnRebuild = api.RecordRebuild
	log.Printf("🎮 Config: %d TPS, max %d agents, %d workers, max speed %.2f",
		appConfig.Sim.TickRate, appConfig.Sim.MaxAgents, appConfig.Sim.Workers, appConfig.Agent.MaxSpeed)

	// Start event log
	if err := engine.StartEventLog(serverCfg.EventLogPath); err != nil {
		log.Printf("⚠️ Event log disabled: %v", err)
	} else if serverCfg.EventLogPath != "" {
		log.Printf("📝 Event log: %s", serverCfg.EventLogPath)
	}

	// The cost field is built before the first tick so the goal below
	// resolves against real terrain.
	if err := engine.Rebuild(nil); err != nil {
		log.Fatalf("❌ Cost field: %v", err)
	}
	engine.SetSurfaceFriction(scenario.SurfaceFriction)
	if goal, ok := scenario.GoalPoint(); ok {
		engine.Enqueue(crowd.GoalCommand(goal))
	}
	if n := scenario.Spawn.Count; n > 0 {
		engine.Enqueue(crowd.SpawnCommand(n, scenario.SpawnPoint(), scenario.Spawn.Orientation))
	}

	// Start debug server
	if serverCfg.DebugServer {
		debugCfg := api.DefaultObservabilityConfig()
		debugCfg.ListenAddr = serverCfg.DebugAddr
		if err := api.StartDebugServer(debugCfg); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}
	api.RegisterEngineMetrics(engine)

	api.AllowedOrigins = append(api.AllowedOrigins, serverCfg.AllowedOrigins...)
	var corsOrigins []string
	if len(serverCfg.AllowedOrigins) > 0 {
		corsOrigins = append([]string{"http://localhost:*", "http://127.0.0.1:*"}, serverCfg.AllowedOrigins...)
	}
	server := api.NewServer(engine, api.ServerConfig{
		MaxSpawnPerRequest: serverCfg.MaxSpawnPerRequest,
		BroadcastRate:      serverCfg.BroadcastRate,
		CORSOrigins:        corsOrigins,
		RateLimit: api.RateLimitConfig{
			RequestsPerSecond: serverCfg.RateLimitRPS,
			Burst:             serverCfg.RateLimitBurst,
		},
		MaxWSConnections:      serverCfg.WSMaxConnections,
		MaxWSConnectionsPerIP: serverCfg.WSMaxPerIP,
	})
	if err := server.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Printf("⚠️ Limiter metrics not registered: %v", err)
	}

	engine.Start()
	log.Println("✅ Crowd engine started")

	go func() {
		addr := ":" + strconv.Itoa(serverCfg.Port)
		log.Printf("🌐 API server on http://localhost%s", addr)
		log.Printf("📡 WebSocket: ws://localhost%s/ws (?encoding=msgpack for binary frames)", addr)

		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("⚠️ API shutdown: %v", err)
	}
	engine.Stop()
	engine.StopEventLog()
	log.Println("👋 Goodbye!")
}

// loadScenario reads SCENARIO_PATH, or fits the stock scenario to the
// configured field geometry.
func loadScenario(cfg config.AppConfig) (*terrain.Scenario, error) {
	if path := cfg.Server.ScenarioPath; path != "" {
		s, err := terrain.LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		return s, nil
	}

	s := terrain.DefaultScenario()
	s.Fit(cfg.Field.Width, cfg.Field.Height, cfg.Field.CellSize)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
