package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"loom/internal/admission"
	"loom/internal/delivery"
	"loom/internal/httpapi"
	"loom/internal/httpapi/handlers"
	"loom/internal/pkg/logger"
	"loom/internal/pkg/shutdown"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/status"
	"loom/internal/storage"
	"loom/internal/store"
)

func main() {
	// Initialize logger
	log := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Format:      getEnv("LOG_FORMAT", "json"),
		ServiceName: "loom-api",
		AddSource:   getEnv("LOG_SOURCE", "false") == "true",
	})

	log.Info("starting loom API",
		"version", "0.1.0",
	)

	// Load configuration
	httpPort := getEnv("HTTP_PORT", "8080")
	dbURL := mustEnv(log, "DATABASE_URL")
	redisAddr := mustEnv(log, "REDIS_ADDR")
	queuePrefix := getEnv("QUEUE_PREFIX", "loom:jobs")
	quotaPrefix := getEnv("QUOTA_PREFIX", "loom:quota")

	ctx := context.Background()

	// Initialize shutdown manager
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	// Connect to PostgreSQL
	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})

	// Verify PostgreSQL connection
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	log.Info("PostgreSQL connected")

	// Connect to Redis
	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	// Verify Redis connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	// Initialize storage provider
	log.Info("initializing storage provider")
	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	// Job store (bootstraps the schema on startup)
	st, err := store.NewPostgres(ctx, pool)
	if err != nil {
		log.LogFatal("failed to initialize job store", err)
	}

	q := queue.NewRedis(rdb, queuePrefix)

	limits := quota.DefaultLimits()
	if v := getEnvInt("QUOTA_STANDARD_MONTHLY", 0); v > 0 {
		limits.StandardMonthly = v
	}
	if v := getEnvInt("QUOTA_PRIORITY_MONTHLY", 0); v > 0 {
		limits.PriorityMonthly = v
	}
	guard := quota.NewRedisGuard(rdb, quotaPrefix, limits)

	admissionCfg := admission.DefaultConfig()
	admissionSvc := admission.New(st, q, guard, admissionCfg, log)
	statusSvc := status.New(st, q, admissionCfg.AvgJobDurationSeconds, log)
	deliverySvc := delivery.New(st, sp, log)

	// Create HTTP router
	router := httpapi.NewRouter(handlers.Deps{
		Admission: admissionSvc,
		Status:    statusSvc,
		Delivery:  deliverySvc,
		Store:     st,
		Pool:      pool,
		RDB:       rdb,
		SP:        sp,
		Log:       log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         "0.0.0.0:" + httpPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Register server shutdown
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	// Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", httpPort,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	// Wait for shutdown signal
	shutdownMgr.Wait()
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return v
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return v
}

// mustEnv gets a required environment variable or exits.
func mustEnv(log *logger.Logger, key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Error("missing required environment variable", "key", key)
		os.Exit(1)
	}
	return v
}
