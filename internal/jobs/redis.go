package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "fileforge:job:"
	waitingSetKey  = "fileforge:jobs:waiting"
	delayedSetKey  = "fileforge:jobs:delayed"
	activeSetKey   = "fileforge:jobs:active"
	sequenceKey    = "fileforge:jobs:seq"
	maxTxConflicts = 16
)

// priorityStride は waiting ZSET のスコアを (priority, seq) の辞書式順序に
// するための係数です。seq が 2^40 を超えない限り float64 で正確に表せます。
const priorityStride = float64(1 << 40)

// RedisQueue は Queue の Redis 実装です。waiting ジョブは優先度と投入順で
// スコア付けした ZSET、active ジョブはリース期限をスコアにした ZSET、
// レコード本体は保持期限付きの JSON 値として保存します。
type RedisQueue struct {
	rdb  *redis.Client
	opts Options
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue は RedisQueue を作成します。
func NewRedisQueue(rdb *redis.Client, opts Options) *RedisQueue {
	return &RedisQueue{
		rdb:  rdb,
		opts: opts.normalize(),
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func queueScore(priority int, seq int64) float64 {
	return float64(priority)*priorityStride + float64(seq)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
}

// Enqueue はレコードを保存し、waiting（遅延指定時は delayed）ZSET へ
// 登録します。
func (q *RedisQueue) Enqueue(ctx context.Context, req *EnqueueRequest) (string, error) {
	if req == nil || req.TaskType == "" {
		return "", fmt.Errorf("enqueue: taskType is required")
	}

	seq, err := q.rdb.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return "", unavailable(err)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:          uuid.NewString(),
		TaskType:    req.TaskType,
		Priority:    q.opts.Priorities.For(req.TaskType, req.Priority),
		Seq:         seq,
		InputFiles:  req.InputFiles,
		Settings:    req.Settings,
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
		AvailableAt: now,
		ExpiresAt:   now.Add(q.opts.Retention),
	}
	if req.Delay > 0 {
		rec.AvailableAt = now.Add(req.Delay)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode job record: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// 保持期限の TTL は終端遷移時に付与する。待機中のレコードが
		// バックログ滞留中に消えてはならない。
		pipe.Set(ctx, jobKey(rec.ID), payload, 0)
		if req.Delay > 0 {
			pipe.ZAdd(ctx, delayedSetKey, redis.Z{
				Score:  float64(rec.AvailableAt.Unix()),
				Member: rec.ID,
			})
		} else {
			pipe.ZAdd(ctx, waitingSetKey, redis.Z{
				Score:  queueScore(rec.Priority, rec.Seq),
				Member: rec.ID,
			})
		}
		return nil
	})
	if err != nil {
		return "", unavailable(err)
	}
	return rec.ID, nil
}

// leaseScript は waiting ZSET の先頭を active ZSET へ1ステップで移動します。
// ポップと登録の間でプロセスが落ちてもエントリはどちらかの ZSET に必ず
// 残り、スイープで回収できます。
var leaseScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// Lease は waiting ZSET の先頭を原子的に active ZSET へ移し、レコードを
// active へ遷移させます。対象がなければ (nil, nil) です。
func (q *RedisQueue) Lease(ctx context.Context, workerID string) (*Record, error) {
	if workerID == "" {
		return nil, fmt.Errorf("lease: workerID is required")
	}

	for {
		deadline := time.Now().UTC().Add(q.opts.LeaseTimeout)
		res, err := leaseScript.Run(ctx, q.rdb,
			[]string{waitingSetKey, activeSetKey},
			float64(deadline.Unix()),
		).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, unavailable(err)
		}
		jobID, _ := res.(string)

		rec, err := q.update(ctx, jobID, func(rec *Record) error {
			if rec.State != StateWaiting {
				return errStaleEntry
			}
			now := time.Now().UTC()
			rec.State = StateActive
			rec.Attempts++
			rec.WorkerID = workerID
			rec.LeasedAt = &now
			return nil
		}, func(pipe redis.Pipeliner, rec *Record) {
			d := rec.LeasedAt.Add(q.opts.LeaseTimeout)
			pipe.ZAdd(ctx, activeSetKey, redis.Z{
				Score:  float64(d.Unix()),
				Member: rec.ID,
			})
		})
		if errors.Is(err, ErrNotFound) || errors.Is(err, errStaleEntry) {
			// レコードが消えている等の残骸。片付けて次の候補へ。
			q.rdb.ZRem(ctx, activeSetKey, jobID)
			continue
		}
		if err != nil {
			// エントリは active ZSET に残っており、リース期限を過ぎれば
			// スイープが waiting へ戻す。
			return nil, err
		}
		return rec, nil
	}
}

// UpdateProgress は進捗を更新します。減少方向の更新は無視されます。
func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID, workerID string, percent int) error {
	_, err := q.update(ctx, jobID, func(rec *Record) error {
		if err := requireLease(rec, workerID); err != nil {
			return err
		}
		if percent > 100 {
			percent = 100
		}
		if percent > rec.Progress {
			rec.Progress = percent
		}
		return nil
	}, nil)
	return err
}

// Ack はジョブを completed へ遷移させ、active ZSET から除きます。
func (q *RedisQueue) Ack(ctx context.Context, jobID, workerID string, result *TaskResult) error {
	_, err := q.update(ctx, jobID, func(rec *Record) error {
		if err := requireLease(rec, workerID); err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.State = StateCompleted
		rec.Progress = 100
		rec.Result = result
		rec.Error = nil
		rec.WorkerID = ""
		rec.CompletedAt = &now
		rec.ExpiresAt = now.Add(q.opts.Retention)
		return nil
	}, func(pipe redis.Pipeliner, rec *Record) {
		pipe.ZRem(ctx, activeSetKey, rec.ID)
	})
	return err
}

// Nack はジョブを再投入または failed へ遷移させます。
func (q *RedisQueue) Nack(ctx context.Context, jobID, workerID string, message string, retryable bool) (bool, error) {
	requeued := false
	_, err := q.update(ctx, jobID, func(rec *Record) error {
		if err := requireLease(rec, workerID); err != nil {
			return err
		}
		requeued = resolveFailure(rec, message, retryable, q.opts.Retention, time.Now().UTC())
		return nil
	}, func(pipe redis.Pipeliner, rec *Record) {
		pipe.ZRem(ctx, activeSetKey, rec.ID)
		if requeued {
			pipe.ZAdd(ctx, waitingSetKey, redis.Z{
				Score:  queueScore(rec.Priority, rec.Seq),
				Member: rec.ID,
			})
		}
	})
	return requeued, err
}

// Get はジョブのスナップショットを返します。
func (q *RedisQueue) Get(ctx context.Context, jobID string) (*Record, error) {
	data, err := q.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	return &rec, nil
}

// SweepExpiredLeases は期限切れリースを回収し、解禁時刻を過ぎた遅延
// ジョブを waiting へ昇格させます。
func (q *RedisQueue) SweepExpiredLeases(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if err := q.promoteDelayed(ctx, now); err != nil {
		return 0, err
	}

	expired, err := q.rdb.ZRangeByScore(ctx, activeSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	reclaimed := 0
	for _, jobID := range expired {
		requeued := false
		orphaned := false
		_, err := q.update(ctx, jobID, func(rec *Record) error {
			switch rec.State {
			case StateActive:
				requeued = resolveFailure(rec, "処理がリース期限内に完了しませんでした。", true,
					q.opts.Retention, now)
				return nil
			case StateWaiting:
				// リース移行の途中で落ちたジョブ。レコードは waiting の
				// まま active ZSET だけにエントリが残っている。
				orphaned = true
				return nil
			default:
				return errStaleEntry
			}
		}, func(pipe redis.Pipeliner, rec *Record) {
			pipe.ZRem(ctx, activeSetKey, rec.ID)
			if requeued || orphaned {
				pipe.ZAdd(ctx, waitingSetKey, redis.Z{
					Score:  queueScore(rec.Priority, rec.Seq),
					Member: rec.ID,
				})
			}
		})
		switch {
		case errors.Is(err, ErrNotFound):
			// レコードだけ消えている。ZSET 側の残骸を片付ける。
			q.rdb.ZRem(ctx, activeSetKey, jobID)
		case errors.Is(err, errStaleEntry):
			// 終端済みレコードの残骸。Ack/Nack 側の ZRem が落ちた場合。
			q.rdb.ZRem(ctx, activeSetKey, jobID)
		case err != nil:
			return reclaimed, err
		default:
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Counts は waiting / active のジョブ数を返します。終端状態のレコードは
// TTL 管理のため個別には数えません。
func (q *RedisQueue) Counts(ctx context.Context) (map[State]int64, error) {
	waiting, err := q.rdb.ZCard(ctx, waitingSetKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	delayed, err := q.rdb.ZCard(ctx, delayedSetKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	active, err := q.rdb.ZCard(ctx, activeSetKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return map[State]int64{
		StateWaiting: waiting + delayed,
		StateActive:  active,
	}, nil
}

func (q *RedisQueue) promoteDelayed(ctx context.Context, now time.Time) error {
	due, err := q.rdb.ZRangeByScore(ctx, delayedSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return unavailable(err)
	}
	for _, jobID := range due {
		// ZRem が 1 を返した呼び出し元だけが昇格を行う。
		removed, err := q.rdb.ZRem(ctx, delayedSetKey, jobID).Result()
		if err != nil {
			return unavailable(err)
		}
		if removed == 0 {
			continue
		}
		rec, err := q.Get(ctx, jobID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := q.rdb.ZAdd(ctx, waitingSetKey, redis.Z{
			Score:  queueScore(rec.Priority, rec.Seq),
			Member: rec.ID,
		}).Err(); err != nil {
			return unavailable(err)
		}
	}
	return nil
}

// errStaleEntry は ZSET 上のエントリとレコード状態が食い違っている場合の
// 内部シグナルです。呼び出し元でスキップします。
var errStaleEntry = errors.New("stale queue entry")

func requireLease(rec *Record, workerID string) error {
	if rec.State != StateActive || rec.WorkerID != workerID {
		return ErrNotLeaseHolder
	}
	return nil
}

// resolveFailure は失敗したジョブの遷移を決めます。再投入した場合 true を
// 返します。MemoryQueue と RedisQueue で共有するため、時刻は呼び出し側の
// クロックから受け取ります。
func resolveFailure(rec *Record, message string, retryable bool, retention time.Duration, now time.Time) bool {
	if retryable && rec.Attempts < rec.MaxAttempts {
		rec.State = StateWaiting
		rec.Progress = 0
		rec.WorkerID = ""
		rec.LeasedAt = nil
		rec.AvailableAt = now
		return true
	}
	rec.State = StateFailed
	rec.Error = &ErrorInfo{Message: message, Attempt: rec.Attempts}
	rec.Result = nil
	rec.WorkerID = ""
	rec.FailedAt = &now
	rec.ExpiresAt = now.Add(retention)
	return false
}

// update はレコードを WATCH ベースの楽観ロックで書き換えます。mutate が
// 適用されたレコードは post で追加のパイプライン操作（ZSET 更新）を
// 同一トランザクションに含められます。
func (q *RedisQueue) update(ctx context.Context, jobID string, mutate func(*Record) error, post func(redis.Pipeliner, *Record)) (*Record, error) {
	key := jobKey(jobID)
	var out *Record
	for i := 0; i < maxTxConflicts; i++ {
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return unavailable(err)
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to decode job record: %w", err)
			}
			if err := mutate(&rec); err != nil {
				return err
			}
			payload, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("failed to encode job record: %w", err)
			}
			// 非終端レコードは TTL なしで保持し、終端遷移で保持期限を付与する
			ttl := time.Duration(0)
			if rec.State.Terminal() {
				ttl = q.opts.Retention
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, ttl)
				if post != nil {
					post(pipe, &rec)
				}
				return nil
			})
			if err != nil {
				return unavailable(err)
			}
			out = &rec
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: too many transaction conflicts on job %s", ErrQueueUnavailable, jobID)
}
