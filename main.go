package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"minutes-api/api"
	"minutes-api/config"
	"minutes-api/extraction"
	"minutes-api/llm"
	"minutes-api/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()

	if err := cfg.RequireStorage(); err != nil {
		logger.Fatal(err)
	}
	if err := cfg.RequireAuth(); err != nil {
		logger.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTelemetry(ctx, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}

	tableStore, err := storage.New(cfg.StorageConnectionString, cfg.RecordsTable, cfg.CommandQueue)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		logger.Fatal(err)
	}
	rc := redis.NewClient(redisOpts)
	store := storage.NewCache(tableStore, rc, cfg.CacheTTL)
	deduper := api.NewRedisDeduper(rc, cfg.DeduperTTL)

	auth, err := api.NewAuth(cfg.Auth)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}
	defer auth.Close()

	provider, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		logger.Fatalf("llm: %v", err)
	}
	extractor := extraction.NewService(auth, provider,
		extraction.WithTimeout(cfg.LLM.Timeout),
		extraction.WithMaxTokens(cfg.LLM.MaxTokens),
		extraction.WithLogger(logger),
	)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(api.CORS())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(api.GzipRequestMiddleware())
	e.Use(api.RequestMetrics(logger))

	deps := api.Deps{
		Store:     store,
		Auth:      auth,
		Deduper:   deduper,
		Extractor: extractor,
		Enqueue:   cfg.Enqueue,
		Log:       logger,
	}
	if breaker, ok := provider.(*llm.Breaker); ok {
		deps.LLM = breaker
	}
	api.Register(e, deps)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	api.Shutdown()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Errorf("tracer shutdown: %v", err)
	}
	if err := rc.Close(); err != nil {
		logger.Errorf("redis close: %v", err)
	}
}
