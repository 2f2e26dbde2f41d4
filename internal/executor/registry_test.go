package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/yourusername/file-forge/internal/jobs"
)

func noopExecutor() Executor {
	return Func(func(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec Context) (*jobs.TaskResult, error) {
		return &jobs.TaskResult{}, nil
	})
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("pdf-merge", noopExecutor()); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if _, ok := reg.Resolve("pdf-merge"); !ok {
		t.Fatal("Resolve(pdf-merge) = false, want true")
	}
	if _, ok := reg.Resolve("unknown"); ok {
		t.Fatal("Resolve(unknown) = true, want false")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("pdf-merge", noopExecutor()); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := reg.Register("pdf-merge", noopExecutor()); err == nil {
		t.Fatal("duplicate Register = nil, want error")
	}
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("pdf-merge", noopExecutor()); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if err := reg.Validate("pdf-merge"); err != nil {
		t.Fatalf("Validate = %v, want nil", err)
	}
	if err := reg.Validate("pdf-merge", "video-transcode"); err == nil {
		t.Fatal("Validate with missing type = nil, want error")
	}
}

func TestFailureClassification(t *testing.T) {
	transient := Transient("STORAGE_ERROR", "一時的なエラーです。", errors.New("io timeout"))
	permanent := Permanent("INVALID_INPUT", "入力が不正です。", nil)

	if !IsRetryable(transient) {
		t.Fatal("transient failure should be retryable")
	}
	if IsRetryable(permanent) {
		t.Fatal("permanent failure should not be retryable")
	}
	// 未分類のエラーは一時的なものとみなす
	if !IsRetryable(errors.New("connection reset")) {
		t.Fatal("unclassified error should be retryable")
	}
}

func TestFailureClassificationThroughWrapping(t *testing.T) {
	permanent := Permanent("INVALID_INPUT", "入力が不正です。", nil)
	wrapped := fmt.Errorf("execute pdf-merge: %w", permanent)

	if IsRetryable(wrapped) {
		t.Fatal("wrapped permanent failure should not be retryable")
	}
	if got := UserMessage(wrapped); got != "入力が不正です。" {
		t.Fatalf("UserMessage = %q", got)
	}
}

func TestUserMessageFallback(t *testing.T) {
	got := UserMessage(errors.New("dial tcp: connection refused"))
	if got != "処理中にエラーが発生しました。" {
		t.Fatalf("UserMessage = %q, want generic fallback", got)
	}
}
