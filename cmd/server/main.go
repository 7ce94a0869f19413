package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"accesslens/internal/platform/config"
	"accesslens/internal/platform/httpserver"
	"accesslens/internal/platform/logger"
	platformredis "accesslens/internal/platform/redis"
	"accesslens/internal/resilience/admin"
	"accesslens/internal/resilience/circuit"
	"accesslens/internal/resilience/events"
	"accesslens/internal/resilience/quota"
	"accesslens/internal/resilience/ratelimit"
	ratelimitmw "accesslens/internal/resilience/ratelimit/middleware"
	"accesslens/internal/resilience/store"
	"accesslens/pkg/platform/middleware/metadata"
)

// main wires the resilience layer's shared infrastructure and exposes the
// ops listener: breaker administration, the policy inventory, Prometheus
// metrics, and health. Product services import the library packages directly;
// this binary is the operator surface.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	redisClient, err := platformredis.New(context.Background(), cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	var atomicStore store.AtomicStore
	if redisClient != nil {
		atomicStore = redisClient.Store()
		defer redisClient.Close()
	} else {
		log.Warn("redis not configured, using in-process store; counters are not shared across instances")
		atomicStore = store.NewMemory()
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, events.WithLogger(log))
		if err != nil {
			log.Error("kafka publisher setup failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := kafkaPublisher.Close(ctx); err != nil {
				log.Warn("ops event flush failed", "error", err)
			}
		}()
		publisher = kafkaPublisher
	}

	breakers := circuit.NewRegistry(
		circuit.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Breaker.SuccessThreshold),
		circuit.WithResetTimeout(cfg.Breaker.ResetTimeout),
		circuit.WithEvaluationWindow(cfg.Breaker.EvaluationWindow),
		circuit.WithMaxProbes(cfg.Breaker.MaxHalfOpenProbes),
	)

	limiter, err := ratelimit.New(atomicStore, ratelimit.DefaultPolicies(),
		ratelimit.WithLogger(log), ratelimit.WithEvents(publisher))
	if err != nil {
		log.Error("rate limiter setup failed", "error", err)
		os.Exit(1)
	}

	accounts := accountSource(cfg, log)
	quotas, err := quota.New(atomicStore, accounts,
		quota.WithLogger(log),
		quota.WithMaxJobDuration(cfg.Quota.MaxJobDuration),
		quota.WithFailOpen(cfg.Quota.CreditsFailOpen, cfg.Quota.ConcurrencyFailOpen),
		quota.WithEvents(publisher))
	if err != nil {
		log.Error("quota controller setup failed", "error", err)
		os.Exit(1)
	}

	rateLimiting := ratelimitmw.New(limiter, log)

	router := chi.NewRouter()
	router.Use(metadata.RequestMetadata)
	router.Use(rateLimiting.Limit(ratelimit.PolicyGeneralAPI))
	router.Mount("/admin", admin.New(breakers, limiter, quotas, log).Routes())
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", healthHandler(redisClient))

	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting resilience ops listener", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := httpserver.Shutdown(srv, 10*time.Second); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

// accountSource picks the tenant record store: postgres when configured,
// otherwise an empty in-memory source for local development.
func accountSource(cfg config.Resilience, log *slog.Logger) quota.AccountSource {
	if cfg.Postgres.DSN == "" {
		log.Warn("postgres not configured, quota accounts are in-memory only")
		accounts := quota.NewMemoryAccounts()
		accounts.SetDefaults(cfg.Quota.DefaultScanCredits, cfg.Quota.DefaultMaxSlots)
		return accounts
	}
	source, err := quota.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Error("tenant record store connection failed", "error", err)
		os.Exit(1)
	}
	return source
}

func healthHandler(redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
