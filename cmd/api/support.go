package main

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/file-forge/internal/config"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tasks"
	"github.com/yourusername/file-forge/internal/worker"
)

// buildQueue は設定に応じたキュー実装を構築します。Redis への疎通は
// ここでは確認しません（到達不能なら各操作が ErrQueueUnavailable を
// 返し、APIは 503 で応答します）。
func buildQueue(cfg *config.Config) (jobs.Queue, error) {
	opts := queueOptions(cfg)

	switch cfg.QueueBackend {
	case "memory":
		return jobs.NewMemoryQueue(opts), nil
	case "redis":
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return jobs.NewRedisQueue(redis.NewClient(redisOpts), opts), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", cfg.QueueBackend)
	}
}

func queueOptions(cfg *config.Config) jobs.Options {
	policy := jobs.DefaultPriorityPolicy()
	if err := policy.ParsePriorityOverrides(cfg.PriorityOverrides); err != nil {
		log.Printf("Ignoring invalid JOB_PRIORITY_OVERRIDES: %v", err)
	}
	return jobs.Options{
		MaxAttempts:  cfg.MaxAttempts,
		LeaseTimeout: cfg.LeaseTimeout,
		Retention:    cfg.JobRetention,
		Priorities:   policy,
	}
}

// startEmbeddedWorker は memory バックエンド用にAPIプロセス内で
// ワーカープールを起動します。
func startEmbeddedWorker(ctx context.Context, cfg *config.Config, queue jobs.Queue, store storage.Store) error {
	registry, err := tasks.NewRegistry(cfg, store)
	if err != nil {
		return err
	}
	pool := worker.NewPool(queue, registry, worker.Config{
		Concurrency:   cfg.WorkerConcurrency,
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
	}, log.Default())

	go func() {
		if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Embedded worker stopped: %v", err)
		}
	}()

	log.Printf("Embedded worker started (concurrency: %d)", cfg.WorkerConcurrency)
	return nil
}
