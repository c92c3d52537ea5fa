package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/arbiterlabs/arbiter/internal/agent"
	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/cache"
	"github.com/arbiterlabs/arbiter/internal/metrics"
	"github.com/arbiterlabs/arbiter/internal/registry"
	"github.com/arbiterlabs/arbiter/internal/router"
	arbotel "github.com/arbiterlabs/arbiter/pkg/otel"
)

type Server struct {
	engine      *router.Engine
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	// Provider registry
	reg := registry.New()
	providersFile := getEnv("PROVIDERS_FILE", "")
	if providersFile != "" {
		if err := loadProviders(reg, providersFile); err != nil {
			log.Fatalf("Failed to load providers from %s: %v", providersFile, err)
		}
	} else {
		for _, p := range defaultProviders() {
			reg.Upsert(p)
		}
	}

	// Shared decision store
	storeBackend := getEnv("STORE_BACKEND", "none")
	var store cache.Store
	var err error

	switch storeBackend {
	case "none":
		store = nil
	case "memory":
		store = cache.NewMemoryStore()
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		store, err = cache.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		store, err = cache.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", storeBackend)
	}

	// Tracing
	ctx := context.Background()
	var tp interface {
		Shutdown(context.Context) error
	}
	if getEnv("OTEL_ENABLED", "false") == "true" {
		otelCfg := arbotel.DefaultConfig("arbiter")
		otelCfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", otelCfg.CollectorEndpoint)
		provider, err := arbotel.InitTracer(ctx, otelCfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tp = provider
	}

	// Metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Routing engine
	cfg := router.DefaultConfig()
	cfg.Quantum.Timeout = time.Duration(getEnvInt("QUANTUM_TIMEOUT_MS", 2000)) * time.Millisecond
	cfg.CacheTTL = time.Duration(getEnvInt("CACHE_TTL_SEC", 300)) * time.Second
	cfg.TrainInterval = time.Duration(getEnvInt("TRAIN_INTERVAL_SEC", 5)) * time.Second

	engine, err := router.New(cfg, reg, store, m)
	if err != nil {
		log.Fatalf("Failed to create routing engine: %v", err)
	}

	// Restore agent weights if a checkpoint exists
	checkpointPath := getEnv("CHECKPOINT_PATH", "")
	if checkpointPath != "" && engine.Agent() != nil {
		if cp, err := agent.LoadCheckpoint(checkpointPath); err == nil {
			if err := engine.Agent().Restore(cp); err != nil {
				log.Printf("Checkpoint incompatible, starting fresh: %v", err)
			} else {
				log.Printf("Restored agent checkpoint from %s", checkpointPath)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Printf("Failed to load checkpoint: %v", err)
		}
	}

	engineCtx, engineCancel := context.WithCancel(ctx)
	engine.Start(engineCtx)

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		engine:  engine,
		metrics: m,
		limiter: limiter,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/route", srv.handleRoute)
	mux.HandleFunc("/v1/outcome", srv.handleOutcome)
	mux.HandleFunc("/v1/stats", srv.handleStats)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	engineCancel()
	if checkpointPath != "" && engine.Agent() != nil {
		if err := engine.Agent().Save(checkpointPath); err != nil {
			log.Printf("Failed to save checkpoint: %v", err)
		} else {
			log.Printf("Saved agent checkpoint to %s", checkpointPath)
		}
	}
	if err := engine.Close(); err != nil {
		log.Printf("Error closing engine: %v", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down tracing: %v", err)
		}
	}

	log.Println("Server stopped")
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var req api.RouteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	decision, err := s.engine.Route(r.Context(), &req)
	if err != nil {
		if err == router.ErrFallbackExhausted {
			http.Error(w, "No providers available", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(decision)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var report api.OutcomeReport
	if err := json.Unmarshal(body, &report); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.engine.IngestOutcome(r.Context(), &report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Late and unknown outcomes are dropped silently; the caller cannot act
	// on the difference.
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := struct {
		Agent      *agent.Stats `json:"agent,omitempty"`
		BufferSize int          `json:"buffer_size"`
		Cache      cache.Stats  `json:"cache"`
	}{
		BufferSize: s.engine.BufferSize(),
		Cache:      s.engine.CacheStats(),
	}
	if a := s.engine.Agent(); a != nil {
		st := a.Stats()
		stats.Agent = &st
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// loadProviders reads a JSON array of provider configs.
func loadProviders(reg *registry.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var providers []registry.Provider
	if err := json.Unmarshal(data, &providers); err != nil {
		return err
	}
	for _, p := range providers {
		reg.Upsert(p)
	}
	return nil
}

// defaultProviders is the out-of-the-box provider set used when no
// PROVIDERS_FILE is configured.
func defaultProviders() []registry.Provider {
	return []registry.Provider{
		{
			Name:        "openai",
			Models:      []string{"gpt-4o", "gpt-4o-mini"},
			CostPerMTok: 12.5,
			Premium:     true,
			Available:   true,
		},
		{
			Name:        "anthropic",
			Models:      []string{"claude-sonnet", "claude-haiku"},
			CostPerMTok: 9.0,
			Premium:     true,
			Available:   true,
		},
		{
			Name:        "deepseek",
			Models:      []string{"deepseek-chat"},
			CostPerMTok: 1.1,
			Premium:     false,
			Available:   true,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
