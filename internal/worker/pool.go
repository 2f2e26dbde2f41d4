// Package worker はキューを処理するワーカープールを提供します。
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/file-forge/internal/executor"
	"github.com/yourusername/file-forge/internal/jobs"
)

// Config はワーカープールの設定です。
type Config struct {
	Concurrency   int           // 同時実行スロット数（既定: 3）
	PollInterval  time.Duration // キューが空のときの待機間隔（既定: 1s）
	SweepInterval time.Duration // リース回収の実行間隔（既定: 15s）
}

func (c Config) normalize() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	return c
}

// Pool は固定数のスロットでキューを処理します。各スロットは
// リース → 実行 → 終端化 の独立したループを回し、ジョブはそのスロットを
// 実行完了まで占有します。
type Pool struct {
	queue    jobs.Queue
	registry *executor.Registry
	cfg      Config
	logger   *log.Logger
	workerID string
	stats    *Stats
}

// NewPool は Pool を作成します。
func NewPool(queue jobs.Queue, registry *executor.Registry, cfg Config, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		queue:    queue,
		registry: registry,
		cfg:      cfg.normalize(),
		logger:   logger,
		workerID: uuid.NewString()[:8],
		stats:    NewStats(),
	}
}

// Stats は処理カウンターを返します。
func (p *Pool) Stats() *Stats {
	return p.stats
}

// Run はスロットとスイーパーを起動し、ctx がキャンセルされるまで
// ブロックします。実行中のジョブは完了を待ってから戻ります。
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Printf("worker pool started worker=%s concurrency=%d tasks=%v",
		p.workerID, p.cfg.Concurrency, p.registry.TaskTypes())

	var wg sync.WaitGroup
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		wg.Add(1)
		slotID := fmt.Sprintf("%s-%d", p.workerID, slot)
		go func() {
			defer wg.Done()
			p.slotLoop(ctx, slotID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()

	wg.Wait()
	p.logger.Printf("worker pool stopped worker=%s stats=%v", p.workerID, p.stats.Snapshot())
	return ctx.Err()
}

// slotLoop は1スロット分のリースループです。キューが空、またはキューが
// 利用不能な間はポーリング間隔だけ待機します。
func (p *Pool) slotLoop(ctx context.Context, slotID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rec, err := p.queue.Lease(ctx, slotID)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Printf("lease failed worker=%s: %v", slotID, err)
			}
			p.wait(ctx)
			continue
		}
		if rec == nil {
			p.wait(ctx)
			continue
		}

		p.process(ctx, slotID, rec)
	}
}

// process は1件のジョブを実行し、終端化（ack/nack）まで行います。
func (p *Pool) process(ctx context.Context, slotID string, rec *jobs.Record) {
	p.logger.Printf("job leased job=%s task=%s attempt=%d/%d worker=%s",
		rec.ID, rec.TaskType, rec.Attempts, rec.MaxAttempts, slotID)

	exec, ok := p.registry.Resolve(rec.TaskType)
	if !ok {
		// 未登録のタスク種別は一時的な障害ではないため即時に失敗させる。
		p.nack(ctx, slotID, rec,
			fmt.Sprintf("未対応のタスク種別です: %s", rec.TaskType), false)
		return
	}

	ec := &execContext{pool: p, ctx: ctx, jobID: rec.ID, slotID: slotID}
	result, err := exec.Execute(ctx, rec.InputFiles, rec.Settings, ec)
	if err != nil {
		p.nack(ctx, slotID, rec, executor.UserMessage(err), executor.IsRetryable(err))
		p.logger.Printf("job attempt failed job=%s attempt=%d: %v", rec.ID, rec.Attempts, err)
		return
	}
	if result == nil {
		result = &jobs.TaskResult{}
	}

	if err := p.queue.Ack(ctx, rec.ID, slotID, result); err != nil {
		p.logger.Printf("ack failed job=%s worker=%s: %v", rec.ID, slotID, err)
		return
	}
	p.stats.Completed()
	p.logger.Printf("job completed job=%s task=%s outputs=%d", rec.ID, rec.TaskType, len(result.Files))
}

func (p *Pool) nack(ctx context.Context, slotID string, rec *jobs.Record, message string, retryable bool) {
	requeued, err := p.queue.Nack(ctx, rec.ID, slotID, message, retryable)
	if err != nil {
		p.logger.Printf("nack failed job=%s worker=%s: %v", rec.ID, slotID, err)
		return
	}
	if requeued {
		p.stats.Retried()
		p.logger.Printf("job requeued job=%s attempt=%d/%d", rec.ID, rec.Attempts, rec.MaxAttempts)
		return
	}
	p.stats.Failed()
	p.logger.Printf("job failed job=%s attempt=%d reason=%s", rec.ID, rec.Attempts, message)
}

// sweepLoop は定期的に期限切れリースを回収します。クラッシュした
// ワーカーが掴んだままのジョブはここで waiting へ戻ります。
func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := p.queue.SweepExpiredLeases(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Printf("lease sweep failed worker=%s: %v", p.workerID, err)
				}
				continue
			}
			if reclaimed > 0 {
				p.logger.Printf("lease sweep reclaimed=%d worker=%s", reclaimed, p.workerID)
			}
		}
	}
}

func (p *Pool) wait(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// execContext は executor.Context の実装です。進捗はキューへ転送し、
// リース確認はキュー側で行われます。
type execContext struct {
	pool   *Pool
	ctx    context.Context
	jobID  string
	slotID string
}

func (e *execContext) ReportProgress(percent int) {
	if err := e.pool.queue.UpdateProgress(e.ctx, e.jobID, e.slotID, percent); err != nil {
		e.pool.logger.Printf("failed to update progress job=%s: %v", e.jobID, err)
	}
}

func (e *execContext) Log(format string, args ...any) {
	e.pool.logger.Printf("[job %s] %s", e.jobID, fmt.Sprintf(format, args...))
}
