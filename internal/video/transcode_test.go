package video

import (
	"context"
	"testing"

	"github.com/yourusername/file-forge/internal/executor"
	"github.com/yourusername/file-forge/internal/storage"
)

type nopContext struct{}

func (nopContext) ReportProgress(percent int)     {}
func (nopContext) Log(format string, args ...any) {}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), "/api/download")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestTranscodeRequiresInput(t *testing.T) {
	exec := NewTranscodeExecutor(newTestStore(t), "", "")

	_, err := exec.Execute(context.Background(), nil, nil, nopContext{})
	if err == nil {
		t.Fatal("Execute = nil, want error for empty input")
	}
	if executor.IsRetryable(err) {
		t.Fatal("empty input should be a permanent failure")
	}
}

func TestOutputName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"clip.webm", "clip.mp4"},
		{"animation.webp", "animation.mp4"},
		{"noext", "noext.mp4"},
		{"archive.tar.gz", "archive.tar.mp4"},
	}
	for _, tc := range cases {
		if got := outputName(tc.in); got != tc.want {
			t.Fatalf("outputName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInputExt(t *testing.T) {
	if got := inputExt("clip.webm"); got != ".webm" {
		t.Fatalf("inputExt = %q, want .webm", got)
	}
	if got := inputExt("noext"); got != ".bin" {
		t.Fatalf("inputExt = %q, want .bin", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short  ", 100); got != "short" {
		t.Fatalf("tail = %q, want trimmed string", got)
	}
	if got := tail("0123456789", 4); got != "6789" {
		t.Fatalf("tail = %q, want last 4 characters", got)
	}
}
