package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue は Queue のインメモリ実装です。テスト・開発モードで
// Redis の代わりに使用します（構築時の差し替えで選択）。
type MemoryQueue struct {
	mu      sync.Mutex
	opts    Options
	seq     int64
	records map[string]*Record

	now func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue は MemoryQueue を作成します。
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.normalize(),
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Enqueue はジョブを waiting 状態で登録します。
func (q *MemoryQueue) Enqueue(ctx context.Context, req *EnqueueRequest) (string, error) {
	if req == nil || req.TaskType == "" {
		return "", fmt.Errorf("enqueue: taskType is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	q.seq++
	rec := &Record{
		ID:          uuid.NewString(),
		TaskType:    req.TaskType,
		Priority:    q.opts.Priorities.For(req.TaskType, req.Priority),
		Seq:         q.seq,
		InputFiles:  req.InputFiles,
		Settings:    req.Settings,
		State:       StateWaiting,
		Progress:    0,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
		AvailableAt: now,
		ExpiresAt:   now.Add(q.opts.Retention),
	}
	if req.Delay > 0 {
		rec.AvailableAt = now.Add(req.Delay)
	}
	q.records[rec.ID] = rec.Clone()
	return rec.ID, nil
}

// Lease は最も優先度の高い waiting ジョブを active にして返します。
func (q *MemoryQueue) Lease(ctx context.Context, workerID string) (*Record, error) {
	if workerID == "" {
		return nil, fmt.Errorf("lease: workerID is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	var best *Record
	for _, rec := range q.records {
		if rec.State != StateWaiting || rec.AvailableAt.After(now) {
			continue
		}
		if best == nil || less(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = StateActive
	best.Attempts++
	best.WorkerID = workerID
	leasedAt := now
	best.LeasedAt = &leasedAt
	return best.Clone(), nil
}

// less は (priority, seq) の辞書式順序で a が b より先かどうかを返します。
func less(a, b *Record) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

// UpdateProgress は進捗を更新します。減少方向の更新は無視されます
//（同一試行内で単調非減少）。
func (q *MemoryQueue) UpdateProgress(ctx context.Context, jobID, workerID string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.leased(jobID, workerID)
	if err != nil {
		return err
	}
	if percent > 100 {
		percent = 100
	}
	if percent > rec.Progress {
		rec.Progress = percent
	}
	return nil
}

// Ack はジョブを completed へ遷移させます。
func (q *MemoryQueue) Ack(ctx context.Context, jobID, workerID string, result *TaskResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.leased(jobID, workerID)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	rec.State = StateCompleted
	rec.Progress = 100
	rec.Result = result
	rec.Error = nil
	rec.WorkerID = ""
	rec.CompletedAt = &now
	rec.ExpiresAt = now.Add(q.opts.Retention)
	return nil
}

// Nack はジョブを再投入または failed へ遷移させます。
func (q *MemoryQueue) Nack(ctx context.Context, jobID, workerID string, message string, retryable bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.leased(jobID, workerID)
	if err != nil {
		return false, err
	}
	return resolveFailure(rec, message, retryable, q.opts.Retention, q.now().UTC()), nil
}

// Get はジョブのスナップショットを返します。
func (q *MemoryQueue) Get(ctx context.Context, jobID string) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// SweepExpiredLeases はリース期限切れの active ジョブを回収し、
// 保持期限切れの終端レコードを削除します。
func (q *MemoryQueue) SweepExpiredLeases(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	reclaimed := 0
	for id, rec := range q.records {
		switch {
		case rec.State == StateActive && rec.LeasedAt != nil &&
			now.Sub(*rec.LeasedAt) > q.opts.LeaseTimeout:
			resolveFailure(rec, "処理がリース期限内に完了しませんでした。", true, q.opts.Retention, now)
			reclaimed++
		case rec.State.Terminal() && now.After(rec.ExpiresAt):
			delete(q.records, id)
		}
	}
	return reclaimed, nil
}

// Counts は状態ごとのジョブ数を返します。
func (q *MemoryQueue) Counts(ctx context.Context) (map[State]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[State]int64)
	for _, rec := range q.records {
		counts[rec.State]++
	}
	return counts, nil
}

func (q *MemoryQueue) leased(jobID, workerID string) (*Record, error) {
	rec, ok := q.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.State != StateActive || rec.WorkerID != workerID {
		return nil, ErrNotLeaseHolder
	}
	return rec, nil
}
