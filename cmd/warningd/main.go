// Command warningd is the warning-workflow engine's process entrypoint: it
// wires configuration, storage, the source registry, the collection and
// fusion pipelines, the delta publisher, and the run controller, then
// serves the HTTP control surface until signalled to shut down. The
// wiring and lifecycle follow the teacher's cmd/etl/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/collector"
	"github.com/couchcryptid/geowarn-engine/internal/config"
	"github.com/couchcryptid/geowarn-engine/internal/engine"
	"github.com/couchcryptid/geowarn-engine/internal/fusion"
	"github.com/couchcryptid/geowarn-engine/internal/httpapi"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
	"github.com/couchcryptid/geowarn-engine/internal/publish"
	"github.com/couchcryptid/geowarn-engine/internal/runner"
	"github.com/couchcryptid/geowarn-engine/internal/source"
	"github.com/couchcryptid/geowarn-engine/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cacheStore, err := cache.Open(cfg.BadgerPath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cacheStore.Close()

	stations, err := source.LoadStationMap(context.Background(), cacheStore)
	if err != nil {
		return fmt.Errorf("load CMA station map: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	guardrails := source.NewScraperGuardrails(
		cfg.ScraperAllowedDomains,
		time.Duration(cfg.ScraperRequestIntervalSeconds*float64(time.Second)),
		cfg.ScraperMaxRequestsPerWindow,
		time.Hour,
		clock,
	)
	registry, collisionMap := source.BuildRegistry(cfg, stations, cacheStore, httpClient, clock, guardrails)

	col := collector.New(registry, cacheStore, st, metrics, logger, clock,
		cfg.CollectorMaxConcurrency, cfg.ScraperMaxParallelRequests, time.Duration(cfg.ScraperCacheMinutes)*time.Minute)

	var refiner *fusion.Refiner
	if cfg.EnableLLMRefinement {
		refiner = fusion.NewRefiner(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, logger)
	}
	fusionCfg := fusion.DefaultConfig()
	fusionCfg.NeighborInfluenceWeight = cfg.NeighborInfluenceWeight
	fusionCfg.EnableLLMRefinement = cfg.EnableLLMRefinement
	fusionCfg.LLMRefineMaxRegions = cfg.LLMRefineMaxRegions
	fusionCfg.LLMConfidenceThreshold = cfg.LLMConfidenceThreshold
	pipe := fusion.New(fusionCfg, refiner, logger)

	bus := publish.NewBus()
	var kafkaSink publish.KafkaSink
	var kafkaWriter *publish.KafkaWriter
	if len(cfg.KafkaBrokers) > 0 {
		kafkaWriter = publish.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaDeltaTopic)
		kafkaSink = kafkaWriter
	}
	publisher := publish.New(bus, kafkaSink, metrics, logger)

	ctrl := runner.New(st, cacheStore, registry, col, pipe, publisher, guardrails, collisionMap, metrics, logger, clock, runner.Config{
		HeartbeatTimeout:        cfg.HeartbeatTimeout,
		WorkflowMaxRuntimeSecs:  cfg.WorkflowMaxRuntimeSeconds,
		CollectorMaxConcurrency: cfg.CollectorMaxConcurrency,
		HighRiskHeadSize:        cfg.HighRiskHeadSize,
		DefaultRegionLimit:      cfg.WorkflowManualRegionLimit,
	})

	eng := engine.New(ctrl)
	ready := &readinessChecker{store: st}
	addr := envOrDefault("HTTP_ADDR", ":8080")
	srv := httpapi.NewServer(addr, eng, ready, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", "error", err)
		}
	}()

	logger.Info("warningd started", "http_addr", addr)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if kafkaWriter != nil {
		if err := kafkaWriter.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	return nil
}

type readinessChecker struct {
	store *store.Store
}

func (r *readinessChecker) CheckReadiness(ctx context.Context) error {
	return r.store.DB().PingContext(ctx)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
