package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueUnavailable はバックエンドストアに到達できない場合のエラーです。
	// 「キューが空」とは区別され、呼び出し側へそのまま伝搬します。
	ErrQueueUnavailable = errors.New("job queue backend is unavailable")

	// ErrNotFound は指定されたジョブIDが存在しない（または保持期限切れで
	// 削除済みの）場合のエラーです。
	ErrNotFound = errors.New("job not found")

	// ErrNotLeaseHolder はリース保持者以外がジョブを更新しようとした場合の
	// エラーです。
	ErrNotLeaseHolder = errors.New("caller does not hold the job lease")
)

// EnqueueRequest はジョブ投入時のパラメータです。
type EnqueueRequest struct {
	TaskType   string
	InputFiles []FileRef
	Settings   map[string]any

	// Priority は 0 以下の場合 PriorityPolicy から導出されます。
	Priority int

	// Delay を指定するとその期間リース対象から外れます（遅延投入）。
	Delay time.Duration
}

// Queue はジョブキューへの操作を定義します。実装はすべての操作について
// 並行呼び出しに対して安全でなければなりません。
type Queue interface {
	// Enqueue はジョブを waiting 状態で永続化し、割り当てたIDを返します。
	Enqueue(ctx context.Context, req *EnqueueRequest) (string, error)

	// Lease は優先度が最小（同値なら投入順が最古）の waiting ジョブを
	// active へ遷移させて返します。対象がない場合は (nil, nil) を返します。
	// 同一ジョブが複数の呼び出し元に返ることはありません。
	Lease(ctx context.Context, workerID string) (*Record, error)

	// UpdateProgress は進捗を更新します。リース保持者以外からの呼び出しは
	// ErrNotLeaseHolder になります。進捗は同一試行内で単調非減少です。
	UpdateProgress(ctx context.Context, jobID, workerID string, percent int) error

	// Ack はジョブを completed へ遷移させ、成果を保存します。
	Ack(ctx context.Context, jobID, workerID string, result *TaskResult) error

	// Nack はジョブを失敗として処理します。retryable かつ試行回数が残って
	// いれば waiting へ戻し（進捗リセット・即時リース可能）、そうでなければ
	// failed へ遷移させます。戻り値は再投入されたかどうかです。
	Nack(ctx context.Context, jobID, workerID string, message string, retryable bool) (requeued bool, err error)

	// Get はジョブのスナップショットを返します。読み取り専用です。
	Get(ctx context.Context, jobID string) (*Record, error)

	// SweepExpiredLeases はリース期限切れの active ジョブを自動 Nack
	//（retryable）として回収し、遅延ジョブの解禁と期限切れレコードの
	// 掃除も行います。回収したリース数を返します。
	SweepExpiredLeases(ctx context.Context) (int, error)

	// Counts は状態ごとのジョブ数を返します（観測用）。
	Counts(ctx context.Context) (map[State]int64, error)
}

// Options はキュー実装共通の設定です。
type Options struct {
	MaxAttempts  int           // リース試行回数の上限（既定: 3）
	LeaseTimeout time.Duration // リース期限（既定: 60s）
	Retention    time.Duration // 終端状態レコードの保持期間（既定: 10m）
	Priorities   *PriorityPolicy
}

func (o Options) normalize() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 60 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	if o.Priorities == nil {
		o.Priorities = DefaultPriorityPolicy()
	}
	return o
}
