package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"recall/internal/cache"
	"recall/internal/config"
	"recall/internal/handlers"
	"recall/internal/logging"
	"recall/internal/middleware"
	"recall/internal/ratelimit"
	"recall/internal/services"
	"recall/internal/sources"
	"recall/internal/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return storage.NewPostgresStore(cfg.DatabaseURL, cfg.EmbeddingDimension)
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltStore(filepath.Join(cfg.DataDir, "recall.db"), cfg.EmbeddingDimension)
	}
}

func main() {
	cfg := config.Load()
	logging.SetupLogger(cfg)

	slog.Info("Starting recall", slog.String("environment", cfg.Environment))

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to open vector store", "error", err,
			slog.String("backend", cfg.StoreBackend))
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RequestsPerMinute, cfg.TokensPerMinute, cfg.RateLimitMaxWait)

	answerCache, err := cache.New[services.Answer](cfg.CacheCapacity)
	if err != nil {
		slog.Error("Failed to create response cache", "error", err)
		os.Exit(1)
	}
	if cfg.CachePath != "" {
		if err := answerCache.Load(cfg.CachePath); err != nil {
			slog.Warn("Could not load cache snapshot", "error", err)
		}
	}

	embedder := services.NewEmbeddingService(cfg.OpenAIAPIKey, limiter, cfg.EmbeddingModel)
	llm := services.NewLLMService(cfg.OpenAIAPIKey, limiter)

	defaults := services.QueryConfig{
		TopK:          cfg.TopK,
		MinSimilarity: cfg.MinSimilarity,
		Model:         cfg.Model,
		Temperature:   float32(cfg.Temperature),
		MaxTokens:     cfg.MaxTokens,
	}
	engine := services.NewEngine(store, embedder, llm, answerCache, defaults, cfg.MaxContextTokens)

	var slackSource *sources.SlackSource
	if cfg.SlackBotToken != "" {
		slackSource = sources.NewSlackSource(cfg.SlackBotToken)
		slog.Info("Slack source enabled")
	}

	queryHandler := handlers.NewQueryHandler(engine)
	ingestHandler := handlers.NewIngestHandler(engine, slackSource)
	adminHandler := handlers.NewAdminHandler(engine)

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.MetricsMiddleware)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.APIRateLimitMiddleware())
	apiRouter.HandleFunc("/query", queryHandler.HandleQuery).Methods("POST")
	apiRouter.HandleFunc("/ingest", ingestHandler.HandleIngest).Methods("POST")
	apiRouter.HandleFunc("/ingest/slack", ingestHandler.HandleSlackIngest).Methods("POST")
	apiRouter.HandleFunc("/stats", adminHandler.HandleStats).Methods("GET")
	apiRouter.HandleFunc("/clear", adminHandler.HandleClear).Methods("POST")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if _, err := store.Stats(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Server starting", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if cfg.CachePath != "" {
		if err := answerCache.Save(cfg.CachePath); err != nil {
			slog.Warn("Could not save cache snapshot", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}

	slog.Info("Server exited gracefully")
}
