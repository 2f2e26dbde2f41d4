// Package video は動画系のタスク実行器を提供します。変換処理は外部の
// ffmpeg コマンドに委譲します。
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/yourusername/file-forge/internal/executor"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

// タスク種別名。
const (
	TaskTypeTranscode = "video-transcode"
	TaskTypeWebPToMP4 = "webp-to-mp4"
)

// TranscodeExecutor は動画をMP4 (H.264) に変換します。webp-to-mp4 も
// 同じ変換パイプラインで処理します。
type TranscodeExecutor struct {
	store      storage.Store
	workDir    string
	ffmpegPath string
}

var _ executor.Executor = (*TranscodeExecutor)(nil)

// NewTranscodeExecutor は TranscodeExecutor を作成します。ffmpegPath が
// 空の場合は PATH 上の ffmpeg を使用します。
func NewTranscodeExecutor(store storage.Store, workDir, ffmpegPath string) *TranscodeExecutor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &TranscodeExecutor{store: store, workDir: workDir, ffmpegPath: ffmpegPath}
}

// Execute は入力動画を取得して ffmpeg で変換し、結果を保存します。
func (e *TranscodeExecutor) Execute(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec executor.Context) (*jobs.TaskResult, error) {
	if len(files) == 0 {
		return nil, executor.Permanent("INVALID_INPUT", "変換対象の動画ファイルがありません。", nil)
	}
	in := files[0]

	ws, err := os.MkdirTemp(e.workDir, "video-transcode-")
	if err != nil {
		return nil, executor.Transient("WORKSPACE_ERROR", "作業領域の確保に失敗しました。", err)
	}
	defer os.RemoveAll(ws)

	ec.ReportProgress(10)
	ec.Log("transcoding %s (%d bytes)", in.Name, in.Size)

	inputPath := filepath.Join(ws, "input"+inputExt(in.Name))
	if err := e.fetch(ctx, in.Location, inputPath); err != nil {
		return nil, executor.Transient("STORAGE_ERROR",
			fmt.Sprintf("入力ファイル %s の取得に失敗しました。", in.Name), err)
	}

	ec.ReportProgress(30)

	outputPath := filepath.Join(ws, "output.mp4")
	if err := e.runFFmpeg(ctx, inputPath, outputPath); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, executor.Transient("FFMPEG_UNAVAILABLE", "変換環境の準備ができていません。", err)
		}
		return nil, executor.Permanent("TRANSCODE_ERROR",
			"動画の変換に失敗しました。ファイルが破損していないか確認してください。", err)
	}

	ec.ReportProgress(85)

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, executor.Transient("WORKSPACE_ERROR", "変換結果の読み込みに失敗しました。", err)
	}

	name := outputName(in.Name)
	key := storage.JoinKey("results", uuid.NewString(), name)
	url, err := e.store.Put(ctx, key, data)
	if err != nil {
		return nil, executor.Transient("STORAGE_ERROR", "変換結果の保存に失敗しました。", err)
	}

	ec.ReportProgress(100)
	ec.Log("transcode completed size=%d", len(data))

	return &jobs.TaskResult{
		Files: []jobs.OutputFile{{
			Name:     name,
			URL:      url,
			Size:     int64(len(data)),
			MimeType: "video/mp4",
		}},
		Metadata: map[string]any{
			"originalSize": in.Size,
			"outputSize":   len(data),
		},
	}, nil
}

// runFFmpeg は ffmpeg を実行します。失敗時は stderr の末尾をエラーに
// 含めて診断しやすくします。
func (e *TranscodeExecutor) runFFmpeg(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("ffmpeg の起動に失敗しました: %w", err)
		}
		return fmt.Errorf("ffmpeg の実行に失敗しました: %w: %s", err, tail(stderr.String(), 500))
	}
	return nil
}

func (e *TranscodeExecutor) fetch(ctx context.Context, key, path string) error {
	blob, _, err := e.store.Open(ctx, key)
	if err != nil {
		return err
	}
	defer blob.Close()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, blob); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func inputExt(name string) string {
	if ext := filepath.Ext(name); ext != "" {
		return ext
	}
	return ".bin"
}

func outputName(original string) string {
	base := original
	if i := strings.LastIndex(original, "."); i > 0 {
		base = original[:i]
	}
	return base + ".mp4"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
