package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBDSN    string
	HTTPAddr string
	LogLevel string
	RedisDSN string

	// media bucket (S3 or R2-compatible)
	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3PublicURL string

	// raw secrets kept in-memory only; never log these
	S3AccessKeyID     string
	S3SecretAccessKey string
	WebhookSecret     string

	PollInterval time.Duration
	Workers      int
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:             os.Getenv("DB_DSN"),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		RedisDSN:          getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		S3Endpoint:        getenvDefault("S3_ENDPOINT", ""),
		S3Bucket:          getenvDefault("S3_BUCKET", ""),
		S3Region:          getenvDefault("S3_REGION", "auto"),
		S3PublicURL:       getenvDefault("S3_PUBLIC_URL", ""),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
	}

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	interval := getenvDefault("POLL_INTERVAL", "5m")
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		return Config{}, errors.New("POLL_INTERVAL must be a positive duration")
	}
	cfg.PollInterval = d

	workers := getenvDefault("EVENT_WORKERS", "8")
	n, err := strconv.Atoi(workers)
	if err != nil || n < 1 {
		return Config{}, errors.New("EVENT_WORKERS must be a positive integer")
	}
	cfg.Workers = n

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
