// Command intentengine is the process entrypoint: load configuration,
// connect to Postgres and Redis, build the component registry, start the
// four stage workers, and shut down cleanly on SIGINT/SIGTERM. Grounded on
// the teacher's cmd/indexer/main.go — a background service with no HTTP
// request surface of its own — extended with the DB/Redis connection setup
// cmd/gateway/main.go performs. The metrics exposition endpoint is
// deliberately out of scope (spec §1): Engine.Metrics.Registry() is
// exported solely so an external collaborator process can scrape it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"

	"github.com/vorion/intentengine/internal/config"
	"github.com/vorion/intentengine/internal/engine"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/logging"
	"github.com/vorion/intentengine/internal/storage"
)

const shutdownDeadline = 30 * time.Second

func main() {
	log := logging.NewFromEnv("intentengine")
	entry := logrus.NewEntry(log.Logger).WithField("service", "intentengine")

	cfg, err := config.Load()
	if err != nil {
		entry.WithError(err).Fatal("load config")
	}

	if err := storage.Migrate(cfg.DatabaseURL); err != nil {
		entry.WithError(err).Fatal("run migrations")
	}

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		entry.WithError(err).Fatal("connect to postgres")
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	e, err := engine.Build(cfg, engine.Deps{
		DB:        db,
		Ephemeral: ephemeral.NewRedisStore(redisClient),
		Logger:    log,
	})
	if err != nil {
		entry.WithError(err).Fatal("build engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	entry.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()

	if err := e.Shutdown.Shutdown(shutdownCtx, shutdownDeadline); err != nil {
		entry.WithError(err).Error("graceful shutdown did not complete cleanly")
	}
}
