package jobs

import (
	"context"
	"time"
)

// StatusResponse はポーリングクライアントへ返すジョブ状態です。
// Result と Error は終端状態でのみ一方だけが設定されます。
type StatusResponse struct {
	JobID    string      `json:"jobId"`
	TaskType string      `json:"taskType"`
	State    State       `json:"state"`
	Progress int         `json:"progress"`
	Attempts int         `json:"attempts"`
	Result   *TaskResult `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// StatusService はジョブ状態の読み取り専用の問い合わせ窓口です。
// キューを変更せず、最後にコミットされた状態を返します。
type StatusService struct {
	queue Queue
}

// NewStatusService は StatusService を作成します。
func NewStatusService(queue Queue) *StatusService {
	return &StatusService{queue: queue}
}

// Status はジョブの現在状態を返します。存在しない場合は ErrNotFound です。
func (s *StatusService) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	rec, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		JobID:     rec.ID,
		TaskType:  rec.TaskType,
		State:     rec.State,
		Progress:  rec.Progress,
		Attempts:  rec.Attempts,
		CreatedAt: rec.CreatedAt,
	}
	switch rec.State {
	case StateCompleted:
		resp.Result = rec.Result
		resp.CompletedAt = rec.CompletedAt
	case StateFailed:
		if rec.Error != nil {
			resp.Error = rec.Error.Message
		}
		resp.FailedAt = rec.FailedAt
	}
	return resp, nil
}
