package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"nexus-core/internal/cache"
	"nexus-core/internal/config"
	"nexus-core/internal/extsvc"
	"nexus-core/internal/logger"
	"nexus-core/internal/store"
	"nexus-core/internal/telemetry"
	"nexus-core/internal/webhook"
	workerproc "nexus-core/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger.Init(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	resultCache := cache.New(redisClient, cfg.CacheTTL)

	client := extsvc.NewHTTPClient(cfg.ExternalServiceURL, cfg.ExternalCallTimeout)
	processor := workerproc.NewProcessor(cfg, st, resultCache, workerproc.NewExecutors(client))
	dispatcher := webhook.NewDispatcher(cfg, st)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Int("workers", cfg.WorkerCount).
		Dur("retry_delay", cfg.JobRetryDelay).
		Dur("external_timeout", cfg.ExternalCallTimeout).
		Msg("worker started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	wg.Wait()
}
