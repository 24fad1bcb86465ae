// processor consumes queued events and runs the authoritative pipeline:
// scoring, archival, idempotent persistence, user aggregates and cart
// follow-ups. It also hosts the backpressure monitor that throttles the
// intake side through the shared health record.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulsegate/internal/archive"
	"pulsegate/internal/backpressure"
	"pulsegate/internal/platform/config"
	"pulsegate/internal/platform/httpserver"
	"pulsegate/internal/platform/logger"
	platformredis "pulsegate/internal/platform/redis"
	"pulsegate/internal/queue"
	"pulsegate/internal/risk"
	riskcache "pulsegate/internal/risk/cache"
	"pulsegate/internal/stats"
	"pulsegate/internal/store"
	"pulsegate/internal/worker"
)

const opsAddr = ":9090"

func main() {
	cfg := config.ProcessorFromEnv()
	log := logger.New("processor")

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

	consumer, err := queue.NewKafkaConsumer(ctx, cfg.Kafka, cfg.MaxConcurrent, log)
	if err != nil {
		log.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	depth, err := queue.NewKafkaDepth(ctx, cfg.Kafka)
	if err != nil {
		log.Error("kafka admin init failed", "error", err)
		os.Exit(1)
	}
	defer depth.Close()

	cache := riskcache.New()
	go cache.Janitor(ctx, time.Minute)

	statsSvc := stats.New()
	storeMetrics := store.NewMetrics()
	w := worker.New(
		risk.NewEngine(cache, log),
		store.NewRedisWriter(rdb, storeMetrics, log),
		store.NewRedisProfiles(rdb),
		archive.NewRedis(rdb, cfg.ArchiveTTL),
		publisher,
		statsSvc,
		worker.NewMetrics(),
		log,
		worker.WithCartCheckDelay(cfg.CartCheckDelay),
	)

	monitor := backpressure.New(
		depth,
		store.NewRedisHealthStates(rdb),
		cfg.BackpressurePoll,
		backpressure.NewMetrics(),
		log,
	)
	go monitor.Run(ctx)

	// Small ops surface for scraping and liveness probes.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(wr http.ResponseWriter, _ *http.Request) {
		wr.WriteHeader(http.StatusOK)
	})
	ops := httpserver.New(opsAddr, mux)
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server error", "error", err)
		}
	}()

	log.Info("processor consuming",
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.ConsumerGroup,
		"maxConcurrent", cfg.MaxConcurrent)

	if err := consumer.Run(ctx, w.Handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped", "error", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Error("ops shutdown failed", "error", err)
	}
}
