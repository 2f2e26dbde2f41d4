// Package executor はタスク実行器の契約とレジストリを提供します。
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/file-forge/internal/jobs"
)

// Context は実行器がワーカーへ進捗とログを報告するための窓口です。
// コールバッククロージャーではなくインターフェースとして渡します。
type Context interface {
	// ReportProgress は進捗（0-100）を報告します。減少方向の値は
	// キュー側で無視されます。
	ReportProgress(percent int)

	// Log は実行中のメッセージをジョブIDに紐付けて記録します。
	Log(format string, args ...any)
}

// Executor は1種類の変換処理を実行します。再投入により同じジョブが
// 再実行されることがあるため、前回試行の途中成果が残っていても安全に
// 動作しなければなりません。
type Executor interface {
	Execute(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec Context) (*jobs.TaskResult, error)
}

// Func は関数を Executor として使うためのアダプターです。
type Func func(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec Context) (*jobs.TaskResult, error)

// Execute は f を呼び出します。
func (f Func) Execute(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec Context) (*jobs.TaskResult, error) {
	return f(ctx, files, settings, ec)
}

// Failure は分類済みの実行失敗です。Retryable の判定は実行器側で行い、
// キューは判定結果に従うだけです。
type Failure struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

// Error は1行のエラーメッセージを返します。
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap は原因エラーを返します。
func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient は再試行可能な失敗（一時的なI/O障害など）を作成します。
func Transient(code, message string, err error) *Failure {
	return &Failure{Code: code, Message: message, Retryable: true, Err: err}
}

// Permanent は再試行しても回復しない失敗（不正な入力など）を作成します。
func Permanent(code, message string, err error) *Failure {
	return &Failure{Code: code, Message: message, Retryable: false, Err: err}
}

// IsRetryable はエラーを再試行可能かどうかに分類します。Failure として
// 分類されていないエラーは一時的なものとみなします。
func IsRetryable(err error) bool {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Retryable
	}
	return true
}

// UserMessage はジョブレコードへ保存する1行のメッセージを返します。
// 生のスタックトレースや内部エラーの連鎖は露出させません。
func UserMessage(err error) string {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Message
	}
	return "処理中にエラーが発生しました。"
}
