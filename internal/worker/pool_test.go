package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/file-forge/internal/executor"
	"github.com/yourusername/file-forge/internal/jobs"
)

func newPoolQueue(maxAttempts int) *jobs.MemoryQueue {
	return jobs.NewMemoryQueue(jobs.Options{
		MaxAttempts:  maxAttempts,
		LeaseTimeout: time.Minute,
		Retention:    10 * time.Minute,
		Priorities:   jobs.DefaultPriorityPolicy(),
	})
}

// startPool はテスト用設定でプールを起動し、停止関数を返します。
func startPool(t *testing.T, queue jobs.Queue, registry *executor.Registry) (*Pool, func()) {
	t.Helper()
	pool := NewPool(queue, registry, Config{
		Concurrency:   2,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: time.Hour,
	}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	return pool, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func waitForTerminal(t *testing.T, queue jobs.Queue, jobID string) *jobs.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := queue.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if rec.State.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

func TestPoolProcessesJobToCompletion(t *testing.T) {
	queue := newPoolQueue(3)
	registry := executor.NewRegistry()
	err := registry.Register("pdf-merge", executor.Func(
		func(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec executor.Context) (*jobs.TaskResult, error) {
			ec.ReportProgress(50)
			ec.Log("merging")
			return &jobs.TaskResult{
				Files: []jobs.OutputFile{{Name: "merged.pdf", URL: "/api/download/results/x/merged.pdf"}},
			}, nil
		}))
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	pool, stop := startPool(t, queue, registry)
	defer stop()

	jobID, err := queue.Enqueue(context.Background(), &jobs.EnqueueRequest{TaskType: "pdf-merge"})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	rec := waitForTerminal(t, queue, jobID)
	if rec.State != jobs.StateCompleted {
		t.Fatalf("state = %s, want %s (error: %+v)", rec.State, jobs.StateCompleted, rec.Error)
	}
	if rec.Progress != 100 {
		t.Fatalf("progress = %d, want 100", rec.Progress)
	}
	if rec.Result == nil || len(rec.Result.Files) != 1 {
		t.Fatalf("result = %#v, want 1 output file", rec.Result)
	}

	stop()
	snapshot := pool.Stats().Snapshot()
	if snapshot["completed_jobs"] != 1 {
		t.Fatalf("stats = %v, want completed_jobs=1", snapshot)
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	queue := newPoolQueue(3)
	registry := executor.NewRegistry()

	// maxAttempts-1 回失敗してから成功するケース
	var calls atomic.Int64
	err := registry.Register("pdf-merge", executor.Func(
		func(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec executor.Context) (*jobs.TaskResult, error) {
			if calls.Add(1) <= 2 {
				return nil, executor.Transient("STORAGE_ERROR", "一時的なエラーです。", errors.New("io timeout"))
			}
			return &jobs.TaskResult{}, nil
		}))
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	pool, stop := startPool(t, queue, registry)
	defer stop()

	jobID, err := queue.Enqueue(context.Background(), &jobs.EnqueueRequest{TaskType: "pdf-merge"})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	rec := waitForTerminal(t, queue, jobID)
	if rec.State != jobs.StateCompleted {
		t.Fatalf("state = %s, want %s (error: %+v)", rec.State, jobs.StateCompleted, rec.Error)
	}
	if rec.Attempts != 3 {
		t.Fatalf("attempts = %d, want maxAttempts (3)", rec.Attempts)
	}

	stop()
	snapshot := pool.Stats().Snapshot()
	if snapshot["retried_jobs"] != 2 || snapshot["completed_jobs"] != 1 {
		t.Fatalf("stats = %v, want retried_jobs=2 completed_jobs=1", snapshot)
	}
}

func TestPoolExhaustsRetries(t *testing.T) {
	queue := newPoolQueue(2)
	registry := executor.NewRegistry()
	err := registry.Register("pdf-merge", executor.Func(
		func(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec executor.Context) (*jobs.TaskResult, error) {
			return nil, executor.Transient("STORAGE_ERROR", "一時的なエラーです。", nil)
		}))
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	_, stop := startPool(t, queue, registry)
	defer stop()

	jobID, err := queue.Enqueue(context.Background(), &jobs.EnqueueRequest{TaskType: "pdf-merge"})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	rec := waitForTerminal(t, queue, jobID)
	if rec.State != jobs.StateFailed {
		t.Fatalf("state = %s, want %s", rec.State, jobs.StateFailed)
	}
	if rec.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", rec.Attempts)
	}
	if rec.Error == nil || rec.Error.Message != "一時的なエラーです。" {
		t.Fatalf("error info = %#v", rec.Error)
	}
}

func TestPoolDoesNotRetryPermanentFailure(t *testing.T) {
	queue := newPoolQueue(3)
	registry := executor.NewRegistry()

	var calls atomic.Int64
	err := registry.Register("pdf-merge", executor.Func(
		func(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec executor.Context) (*jobs.TaskResult, error) {
			calls.Add(1)
			return nil, executor.Permanent("INVALID_INPUT", "入力ファイルが不正です。", nil)
		}))
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	_, stop := startPool(t, queue, registry)
	defer stop()

	jobID, err := queue.Enqueue(context.Background(), &jobs.EnqueueRequest{TaskType: "pdf-merge"})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	rec := waitForTerminal(t, queue, jobID)
	if rec.State != jobs.StateFailed {
		t.Fatalf("state = %s, want %s", rec.State, jobs.StateFailed)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("executor calls = %d, want 1", got)
	}
}

func TestPoolFailsUnknownTaskType(t *testing.T) {
	queue := newPoolQueue(3)
	registry := executor.NewRegistry()

	_, stop := startPool(t, queue, registry)
	defer stop()

	jobID, err := queue.Enqueue(context.Background(), &jobs.EnqueueRequest{TaskType: "no-such-task"})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	rec := waitForTerminal(t, queue, jobID)
	if rec.State != jobs.StateFailed {
		t.Fatalf("state = %s, want %s", rec.State, jobs.StateFailed)
	}
	if rec.Error == nil || !strings.Contains(rec.Error.Message, "未対応のタスク種別") {
		t.Fatalf("error info = %#v", rec.Error)
	}
}
