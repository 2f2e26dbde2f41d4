// Package pdf はPDF系のタスク実行器を提供します。
package pdf

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/file-forge/internal/executor"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

// TaskTypeMerge は結合タスクの種別名です。
const TaskTypeMerge = "pdf-merge"

const mergedFilename = "merged.pdf"

// MergeExecutor は複数のPDFを1つに結合します。入力の順序は維持されます。
type MergeExecutor struct {
	store   storage.Store
	workDir string
}

var _ executor.Executor = (*MergeExecutor)(nil)

// NewMergeExecutor は MergeExecutor を作成します。workDir は一時作業
// ディレクトリの親です（空なら OS の既定）。
func NewMergeExecutor(store storage.Store, workDir string) *MergeExecutor {
	return &MergeExecutor{store: store, workDir: workDir}
}

// Execute は入力PDFをブロブストアから取得して結合し、結果を保存します。
func (e *MergeExecutor) Execute(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec executor.Context) (*jobs.TaskResult, error) {
	if len(files) < 2 {
		return nil, executor.Permanent("INVALID_INPUT", "結合には2つ以上のPDFファイルが必要です。", nil)
	}
	for _, f := range files {
		if f.MimeType != "application/pdf" {
			return nil, executor.Permanent("INVALID_INPUT",
				fmt.Sprintf("PDF以外のファイルが含まれています: %s (%s)", f.Name, f.MimeType), nil)
		}
	}

	ws, err := os.MkdirTemp(e.workDir, "pdf-merge-")
	if err != nil {
		return nil, executor.Transient("WORKSPACE_ERROR", "作業領域の確保に失敗しました。", err)
	}
	defer os.RemoveAll(ws)

	ec.ReportProgress(10)
	ec.Log("merging %d pdf files", len(files))

	inputs := make([]string, len(files))
	for i, f := range files {
		path := filepath.Join(ws, fmt.Sprintf("in-%03d.pdf", i))
		if err := e.fetch(ctx, f.Location, path); err != nil {
			return nil, executor.Transient("STORAGE_ERROR",
				fmt.Sprintf("入力ファイル %s の取得に失敗しました。", f.Name), err)
		}
		inputs[i] = path
		ec.ReportProgress(10 + (i+1)*60/len(files))
		ec.Log("input %d/%d: %s", i+1, len(files), f.Name)
	}

	outputPath := filepath.Join(ws, mergedFilename)
	if err := pdfapi.MergeCreateFile(inputs, outputPath, false, nil); err != nil {
		return nil, executor.Permanent("UNSUPPORTED_PDF",
			"PDFの結合に失敗しました。ファイルが破損していないか確認してください。", err)
	}

	pages, err := pdfapi.PageCountFile(outputPath)
	if err != nil {
		pages = 0
	}

	ec.ReportProgress(90)

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, executor.Transient("WORKSPACE_ERROR", "結合結果の読み込みに失敗しました。", err)
	}

	key := storage.JoinKey("results", uuid.NewString(), mergedFilename)
	url, err := e.store.Put(ctx, key, data)
	if err != nil {
		return nil, executor.Transient("STORAGE_ERROR", "結合結果の保存に失敗しました。", err)
	}

	ec.ReportProgress(100)
	ec.Log("merge completed pages=%d size=%d", pages, len(data))

	return &jobs.TaskResult{
		Files: []jobs.OutputFile{{
			Name:     mergedFilename,
			URL:      url,
			Size:     int64(len(data)),
			MimeType: "application/pdf",
		}},
		Metadata: map[string]any{
			"totalPages":  pages,
			"sourceFiles": len(files),
		},
	}, nil
}

func (e *MergeExecutor) fetch(ctx context.Context, key, path string) error {
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
