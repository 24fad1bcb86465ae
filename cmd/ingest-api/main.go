// ingest-api is the HTTP edge of the pipeline: it admits, enriches and
// pre-scores client events, then hands them to the queue. Processing
// happens in the processor binary.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulsegate/internal/admission"
	"pulsegate/internal/enrich"
	"pulsegate/internal/intake"
	"pulsegate/internal/intake/healthgate"
	"pulsegate/internal/platform/config"
	"pulsegate/internal/platform/httpserver"
	"pulsegate/internal/platform/logger"
	"pulsegate/internal/platform/middleware/httpmetrics"
	platformredis "pulsegate/internal/platform/redis"
	"pulsegate/internal/queue"
	"pulsegate/internal/risk"
	riskcache "pulsegate/internal/risk/cache"
	"pulsegate/internal/stats"
	"pulsegate/internal/store"
)

func main() {
	cfg := config.APIFromEnv()
	log := logger.New("ingest-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	if rdb == nil {
		log.Error("redis is required", "hint", "set PULSEGATE_REDIS_URL")
		os.Exit(1)
	}
	defer rdb.Close()

	publisher, err := queue.NewKafkaPublisher(ctx, cfg.Kafka, log)
	if err != nil {
		log.Error("kafka connect failed", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	cache := riskcache.New()
	go cache.Janitor(ctx, time.Minute)

	statsSvc := stats.New()
	service := intake.NewService(
		publisher,
		enrich.New(cfg.TrustedProxyCIDRs),
		risk.NewEngine(cache, log),
		statsSvc,
		intake.NewMetrics(),
		log,
	)

	gate := healthgate.New(store.NewRedisHealthStates(rdb), cfg.HealthPollInterval, log)
	go gate.Run(ctx)

	admitter := admission.NewController(
		admission.NewSlidingWindow(cfg.GlobalPermitLimit, time.Duration(cfg.GlobalWindowSeconds)*time.Second, 6),
		admission.NewBucketRegistry(cfg.BurstCapacity, cfg.TokensPerSecond),
		admission.NewMetrics(),
		log,
	)

	handler := intake.NewHandler(service, gate, statsSvc, log)
	srv := httpserver.New(cfg.Addr, intake.NewRouter(handler, cfg.APIKey, admitter, httpmetrics.New(), log))

	go func() {
		log.Info("ingest-api listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
