package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"medialib-jobs/internal/api"
	"medialib-jobs/internal/config"
	"medialib-jobs/internal/enqueue"
	"medialib-jobs/internal/lease"
	"medialib-jobs/internal/logging"
	"medialib-jobs/internal/ratelimit"
	"medialib-jobs/internal/snapshot"
	"medialib-jobs/internal/store"
	"medialib-jobs/internal/supervisor"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

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
		log.Fatal().Err(err).Msg("run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	leases := lease.NewManager(redisClient, cfg.LeaseTTL)
	snapshots := snapshot.NewCache(redisClient, cfg.SnapshotStaleAfter)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	enqueuer := enqueue.New(st, cfg, logging.Component(log, "enqueue"))
	runner := supervisor.New(leases, &supervisor.ExecSpawner{Bin: cfg.WorkerBin}, cfg, logging.Component(log, "supervisor"))

	server := api.New(cfg, st, enqueuer, runner, snapshots, leases, limiter, logging.Component(log, "api"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
