package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/lease"
	"medialib-jobs/internal/logging"
	"medialib-jobs/internal/models"
	"medialib-jobs/internal/snapshot"
	"medialib-jobs/internal/store"
	"medialib-jobs/internal/telemetry"
	"medialib-jobs/internal/worker"
)

func main() {
	family := flag.String("family", "", "job family this worker serves (scan, analyze, artwork)")
	timeBudget := flag.Duration("time-budget", 0, "override the configured run time budget")
	maxJobs := flag.Int("max-jobs", 0, "stop after this many jobs (0 = unbounded)")
	flag.Parse()

	cfg := config.Load()
	if *timeBudget > 0 {
		cfg.WorkerTimeBudget = *timeBudget
	}
	if *maxJobs > 0 {
		cfg.WorkerMaxJobs = *maxJobs
	}
	log := logging.Component(logging.New(cfg), "worker")

	if !validFamily(*family) {
		log.Fatal().Str("family", *family).Msg("unknown or missing -family")
	}
	log = log.With().Str("family", *family).Logger()

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

	workerID := workerIdentity()

	leases := lease.NewManager(redisClient, cfg.LeaseTTL)
	held, err := leases.Acquire(ctx, *family, cfg.Concurrency(*family), workerID)
	if errors.Is(err, lease.ErrNoSlot) {
		// Another worker already covers the family; exiting is the
		// expected answer, not a failure.
		log.Info().Msg("all lease slots held, exiting")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("acquire lease")
	}
	defer held.Release(context.Background())
	log.Info().Str("worker_id", workerID).Int("slot", held.Slot).Msg("lease acquired")

	snapshots := snapshot.NewCache(redisClient, cfg.SnapshotStaleAfter)
	processor := worker.NewProcessor(cfg, st, held, snapshots, *family, workerID, log)

	switch *family {
	case models.FamilyScan:
		scan := worker.NewScanHandler(cfg, st, logging.Component(log, "scan"))
		processor.RegisterHandler(models.TypeScanLibrary, scan.Handle)
	case models.FamilyAnalyze:
		analyze := worker.NewAnalyzeHandler(cfg, st, logging.Component(log, "analyze"))
		processor.RegisterHandler(models.TypeAnalyzeTags, analyze.Handle)
		processor.RegisterHandler(models.TypeAnalyzeCaption, analyze.Handle)
	case models.FamilyArtwork:
		uploaders := map[string]worker.Uploader{
			"local": &worker.LocalUploader{BaseDir: cfg.ArtworkOutputDir},
		}
		defaultDest := "local"
		if cfg.ArtworkS3Bucket != "" {
			s3up, err := worker.NewS3Uploader(ctx, cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("init s3 uploader")
			}
			uploaders["s3"] = s3up
			defaultDest = "s3"
		}
		artwork := worker.NewArtworkHandler(cfg, st, uploaders, defaultDest, logging.Component(log, "artwork"))
		processor.RegisterHandler(models.TypeArtworkRegen, artwork.Handle)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("time_budget", cfg.WorkerTimeBudget).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Warn().Err(err).Msg("worker stopped")
	}
}

func validFamily(family string) bool {
	for _, f := range models.Families {
		if f == family {
			return true
		}
	}
	return false
}

// workerIdentity builds the worker_owner stamped on claimed rows. It must
// be unique per process so an owner-guarded update never matches a row
// claimed by a previous incarnation.
func workerIdentity() string {
	if v := os.Getenv("WORKER_ID"); v != "" {
		return v
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}
