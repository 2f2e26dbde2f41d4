// Package jobs はファイル変換ジョブのキューと状態管理を提供します。
package jobs

import "time"

// State はジョブの実行状態を表します。
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal は状態が終端（これ以上遷移しない）かどうかを返します。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// FileRef はジョブ入力ファイルへの参照を表します。
// Location はブロブストア上のキーです。順序は merge 等の処理で意味を持ちます。
type FileRef struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// OutputFile は処理結果として生成されたファイルの情報です。
type OutputFile struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// TaskResult はジョブ成功時の成果を表します。
type TaskResult struct {
	Files    []OutputFile   `json:"files"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// Record はジョブの現在状態を表します。Record の変更はキュー実装の
// 操作経由でのみ行い、リース保持者以外からの更新は拒否されます。
type Record struct {
	ID          string         `json:"id"`
	TaskType    string         `json:"taskType"`
	Priority    int            `json:"priority"`
	Seq         int64          `json:"seq"`
	InputFiles  []FileRef      `json:"inputFiles"`
	Settings    map[string]any `json:"settings,omitempty"`
	State       State          `json:"state"`
	Progress    int            `json:"progress"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	WorkerID    string         `json:"workerId,omitempty"`
	Result      *TaskResult    `json:"result,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	AvailableAt time.Time  `json:"availableAt"`
	LeasedAt    *time.Time `json:"leasedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Clone は Record のディープコピーを返します。呼び出し側の変更が
// キュー内部の状態へ漏れないようにするために使用します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.InputFiles != nil {
		out.InputFiles = make([]FileRef, len(r.InputFiles))
		copy(out.InputFiles, r.InputFiles)
	}
	if r.Settings != nil {
		out.Settings = make(map[string]any, len(r.Settings))
		for k, v := range r.Settings {
			out.Settings[k] = v
		}
	}
	if r.Result != nil {
		res := *r.Result
		res.Files = make([]OutputFile, len(r.Result.Files))
		copy(res.Files, r.Result.Files)
		if r.Result.Metadata != nil {
			res.Metadata = make(map[string]any, len(r.Result.Metadata))
			for k, v := range r.Result.Metadata {
				res.Metadata[k] = v
			}
		}
		out.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	if r.LeasedAt != nil {
		t := *r.LeasedAt
		out.LeasedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.FailedAt != nil {
		t := *r.FailedAt
		out.FailedAt = &t
	}
	return &out
}
