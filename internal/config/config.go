// Package config は環境変数からアプリケーション設定を読み込みます。
// .env ファイルが存在する場合はそれを先に読み込みます。
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はAPIサーバーとワーカーの両方が参照する設定です。
type Config struct {
	// HTTPサーバー設定
	Port               string
	GinMode            string
	CORSAllowedOrigins string

	// キュー設定
	QueueBackend      string // "redis" または "memory"
	RedisURL          string
	MaxAttempts       int
	LeaseTimeout      time.Duration
	JobRetention      time.Duration
	PriorityOverrides string

	// ワーカー設定
	WorkerConcurrency int
	PollInterval      time.Duration
	SweepInterval     time.Duration

	// ストレージ設定
	StorageDir      string
	DownloadBaseURL string
	WorkDir         string
	MaxFileSize     int64

	// 外部ツール
	FFmpegPath string
}

// Load は .env と環境変数から Config を構築し、検証して返します。
func Load() (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, using environment variables")
		}
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		GinMode:            getEnv("GIN_MODE", "debug"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		QueueBackend:      getEnv("QUEUE_BACKEND", "redis"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		MaxAttempts:       getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
		LeaseTimeout:      getEnvAsDuration("JOB_LEASE_TIMEOUT_SECONDS", 60) * time.Second,
		JobRetention:      getEnvAsDuration("JOB_RETENTION_MINUTES", 10) * time.Minute,
		PriorityOverrides: getEnv("JOB_PRIORITY_OVERRIDES", ""),

		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 3),
		PollInterval:      getEnvAsDuration("WORKER_POLL_INTERVAL_MS", 1000) * time.Millisecond,
		SweepInterval:     getEnvAsDuration("WORKER_SWEEP_INTERVAL_SECONDS", 15) * time.Second,

		StorageDir:      getEnv("STORAGE_DIR", "./data/blobs"),
		DownloadBaseURL: getEnv("DOWNLOAD_BASE_URL", "/api/download"),
		WorkDir:         getEnv("WORK_DIR", ""),
		MaxFileSize:     getEnvAsInt64("MAX_FILE_SIZE_BYTES", 100<<20),

		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は本番モードで必須となる設定を検証します。
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be redis or memory, got %q", c.QueueBackend)
	}
	if c.GinMode == "release" && c.QueueBackend == "memory" {
		return fmt.Errorf("QUEUE_BACKEND=memory is not allowed in release mode")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("Invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func getEnvAsDuration(key string, fallback int64) time.Duration {
	return time.Duration(getEnvAsInt64(key, fallback))
}
