// Package main はワーカープロセスのエントリーポイントです。キューから
// ジョブをリースし、タスク実行器で処理します。
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/file-forge/internal/config"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tasks"
	"github.com/yourusername/file-forge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.QueueBackend != "redis" {
		// memory バックエンドはAPIプロセスにワーカーが同居するため、
		// 独立ワーカーを起動しても処理するキューが存在しない。
		log.Fatalf("worker requires QUEUE_BACKEND=redis, got %q", cfg.QueueBackend)
	}

	queue, rdb, err := buildQueue(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize job queue: %v", err)
	}
	defer rdb.Close()

	// キューに到達できない状態で起動してもリースが空振りし続けるだけ
	// なので、ここで疎通を確認して早期に失敗させる。
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	cancel()

	store, err := storage.NewLocalStore(cfg.StorageDir, cfg.DownloadBaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}

	registry, err := tasks.NewRegistry(cfg, store)
	if err != nil {
		log.Fatalf("Failed to build task registry: %v", err)
	}

	pool := worker.NewPool(queue, registry, worker.Config{
		Concurrency:   cfg.WorkerConcurrency,
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
	}, log.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting worker (concurrency: %d, tasks: %v)", cfg.WorkerConcurrency, registry.TaskTypes())
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Worker stopped unexpectedly: %v", err)
	}

	log.Printf("Worker shut down: %v", pool.Stats().Snapshot())
}

func buildQueue(cfg *config.Config) (jobs.Queue, *redis.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	policy := jobs.DefaultPriorityPolicy()
	if err := policy.ParsePriorityOverrides(cfg.PriorityOverrides); err != nil {
		log.Printf("Ignoring invalid JOB_PRIORITY_OVERRIDES: %v", err)
	}

	queue := jobs.NewRedisQueue(rdb, jobs.Options{
		MaxAttempts:  cfg.MaxAttempts,
		LeaseTimeout: cfg.LeaseTimeout,
		Retention:    cfg.JobRetention,
		Priorities:   policy,
	})
	return queue, rdb, nil
}
