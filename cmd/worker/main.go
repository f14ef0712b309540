package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"activity-mirror/internal/config"
	"activity-mirror/internal/db"
	"activity-mirror/internal/exporter"
	"activity-mirror/internal/importer"
	"activity-mirror/internal/logging"
	"activity-mirror/internal/media"
	"activity-mirror/internal/processor"
	"activity-mirror/internal/redis"
	"activity-mirror/internal/store"
	"activity-mirror/internal/tasklog"
	"activity-mirror/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_worker", "service", "activity-mirror-worker", "poll_interval", cfg.PollInterval.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres may still be coming up when we are; retry briefly.
	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	st := store.New(dbConn, logger)
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrate_failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	var mediaStore importer.MediaStore
	if cfg.S3Bucket != "" {
		m, err := media.New(media.Config{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.S3Bucket,
			PublicURL:       cfg.S3PublicURL,
			Region:          cfg.S3Region,
		})
		if err != nil {
			logger.Error("media_store_init_failed", "error", err)
			os.Exit(1)
		}
		mediaStore = m
		logger.Info("media_store_enabled", "bucket", cfg.S3Bucket)
	} else {
		logger.Info("media_store_disabled")
	}

	client := transport.New(logger)
	engine := importer.NewEngine(logger, st, client, mediaStore)
	exp := exporter.New(logger, st, client)
	tasks := tasklog.New(dbConn, logger)

	poller := processor.NewPoller(logger, st, engine, exp, client, redisClient, tasks, cfg.PollInterval)

	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Run(ctx)
	}()

	logger.Info("worker_started")

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")
	cancel()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("poller_shutdown_timeout")
	}

	logger.Info("worker_stopped")
}
