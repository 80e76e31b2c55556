package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"loom/internal/pkg/logger"
	"loom/internal/pkg/shutdown"
	"loom/internal/queue"
	"loom/internal/renderer"
	"loom/internal/storage"
	"loom/internal/store"
	"loom/internal/worker"
)

func main() {
	log := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Format:      getEnv("LOG_FORMAT", "json"),
		ServiceName: "loom-worker",
		AddSource:   getEnv("LOG_SOURCE", "false") == "true",
	})

	log.Info("starting loom worker",
		"version", "0.1.0",
	)

	dbURL := mustEnv(log, "DATABASE_URL")
	redisAddr := mustEnv(log, "REDIS_ADDR")
	rendererBaseURL := mustEnv(log, "RENDERER_HTTP_BASEURL")
	queuePrefix := getEnv("QUEUE_PREFIX", "loom:jobs")

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	st, err := store.NewPostgres(ctx, pool)
	if err != nil {
		log.LogFatal("failed to initialize job store", err)
	}

	q := queue.NewRedis(rdb, queuePrefix)
	rend := renderer.NewHTTPClient(rendererBaseURL)

	pl := worker.New(worker.Config{
		Concurrency:        getEnvInt("WORKER_CONCURRENCY", 4),
		MaxStartsPerWindow: getEnvInt("WORKER_MAX_STARTS_PER_MINUTE", 0),
		StartWindow:        time.Minute,
		ArtifactTTL:        getEnvDuration("ARTIFACT_TTL", 24*time.Hour),
	}, st, q, rend, sp, log)

	reaper := worker.NewReaper(st, q, log,
		getEnvDuration("REAP_INTERVAL", time.Minute),
		getEnvDuration("REAP_STALE_AFTER", 15*time.Minute),
	)

	// The run context ends when the shutdown manager fires; workers finish
	// their pops and exit, then the registered cleanups close the clients.
	runCtx := shutdownMgr.Context()

	go func() {
		if err := reaper.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.LogError(runCtx, "reaper stopped unexpectedly", err)
		}
	}()

	go func() {
		if err := pl.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.LogError(runCtx, "worker pool stopped unexpectedly", err)
			shutdownMgr.Shutdown()
		}
	}()

	shutdownMgr.Wait()
}

func getEnv(key, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return v
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func mustEnv(log *logger.Logger, key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Error("missing required environment variable", "key", key)
		os.Exit(1)
	}
	return v
}
