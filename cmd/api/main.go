package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"activity-mirror/internal/api"
	"activity-mirror/internal/config"
	"activity-mirror/internal/db"
	"activity-mirror/internal/importer"
	"activity-mirror/internal/logging"
	"activity-mirror/internal/media"
	"activity-mirror/internal/processor"
	"activity-mirror/internal/redis"
	"activity-mirror/internal/store"
	"activity-mirror/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "activity-mirror-api", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
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

	eventProcessor := processor.NewEventProcessor(logger, engine, redisClient)
	eventProcessor.StartWorkers(cfg.Workers)

	server := api.NewServer(logger, st, eventProcessor, cfg)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_started")

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_error", "error", err)
	}

	eventProcessor.StopWorkers()

	logger.Info("api_stopped")
}
