package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/termstats-io/termstats/internal/ingest"
	"github.com/termstats-io/termstats/internal/server"
	"github.com/termstats-io/termstats/internal/stats"
	"github.com/termstats-io/termstats/internal/tablecache"
	"github.com/termstats-io/termstats/internal/usage"
	"github.com/termstats-io/termstats/pkg/config"
	"github.com/termstats-io/termstats/pkg/health"
	"github.com/termstats-io/termstats/pkg/kafka"
	"github.com/termstats-io/termstats/pkg/logger"
	"github.com/termstats-io/termstats/pkg/metrics"
	"github.com/termstats-io/termstats/pkg/middleware"
	"github.com/termstats-io/termstats/pkg/postgres"
	pkgredis "github.com/termstats-io/termstats/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting term statistics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	engine := stats.New[string, string]()

	var tableCache *tablecache.TableCache
	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, table caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		tableCache = tablecache.New(redisClient, cfg.Redis)
		slog.Info("table cache enabled",
			"addr", cfg.Redis.Addr,
			"ttl", cfg.Redis.CacheTTL,
		)
	}

	var collector *usage.Collector
	var usageH *usage.Handler
	if cfg.Usage.Enabled {
		usageProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.UsageEvents)
		defer usageProducer.Close()
		collector = usage.NewCollector(usageProducer, cfg.Usage.BufferSize)
		collector.Start(ctx)
		defer collector.Close()

		// The consumer handler needs the aggregator and the aggregator owns
		// the consumer; the closure breaks the cycle.
		var aggregator *usage.Aggregator
		usageConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.UsageEvents,
			func(ctx context.Context, key []byte, value []byte) error {
				return usage.HandleEvent(aggregator)(ctx, key, value)
			})
		aggregator = usage.NewAggregator(usageConsumer)
		go func() {
			if err := aggregator.Start(ctx); err != nil {
				slog.Error("usage aggregator error", "error", err)
			}
		}()
		slog.Info("usage tracking started", "topic", cfg.Kafka.Topics.UsageEvents)

		var store *usage.Store
		if pg, err := postgres.New(cfg.Postgres); err != nil {
			slog.Warn("postgres unavailable, usage snapshots disabled", "error", err)
		} else {
			defer pg.Close()
			store = usage.NewStore(pg)
			if prev, err := store.LatestSnapshot(ctx); err != nil {
				slog.Warn("could not load previous usage snapshot", "error", err)
			} else if prev != nil {
				slog.Info("previous usage snapshot loaded",
					"total_scorings", prev.TotalScorings,
					"total_mutations", prev.TotalMutations,
				)
			}
			store.StartPeriodicSave(ctx, aggregator, cfg.Usage.SnapshotInterval)
			slog.Info("usage snapshots enabled", "interval", cfg.Usage.SnapshotInterval)
		}
		usageH = usage.NewHandler(aggregator, store)
	}

	applier := ingest.NewApplier(engine, m)
	occurrenceConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.TermOccurrences, applier.Handler())
	go func() {
		if err := occurrenceConsumer.Start(ctx); err != nil {
			slog.Error("occurrence consumer error", "error", err)
		}
	}()
	slog.Info("occurrence ingest started", "topic", cfg.Kafka.Topics.TermOccurrences)

	checker := health.NewChecker()
	checker.Register("engine", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d documents, %d terms", engine.DocumentCount(), engine.TermCount()),
		}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := server.New(engine, tableCache, collector, m, cfg.Scoring)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/occurrences", h.AddOccurrence)
	mux.HandleFunc("DELETE /api/v1/occurrences", h.RemoveOccurrence)
	mux.HandleFunc("POST /api/v1/documents/{doc}/terms", h.UpdateDocument)
	mux.HandleFunc("GET /api/v1/tables/tfidf", h.TFIDFTable)
	mux.HandleFunc("GET /api/v1/tables/idf", h.IDFTable)
	mux.HandleFunc("GET /api/v1/tables/bm25", h.BM25Table)
	mux.HandleFunc("GET /api/v1/corpus/stats", h.CorpusStats)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	if usageH != nil {
		mux.HandleFunc("GET /api/v1/usage", usageH.Stats)
		mux.HandleFunc("GET /api/v1/usage/history", usageH.History)
	}
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.RequestID(chain)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("term statistics service listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("term statistics service stopped")
}
