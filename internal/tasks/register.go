// Package tasks はタスク種別と実行器の対応を組み立てます。
package tasks

import (
	"fmt"

	"github.com/yourusername/file-forge/internal/config"
	"github.com/yourusername/file-forge/internal/executor"
	"github.com/yourusername/file-forge/internal/imaging"
	"github.com/yourusername/file-forge/internal/pdf"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/video"
)

// NewRegistry は全タスク実行器を登録したレジストリを作成します。
func NewRegistry(cfg *config.Config, store storage.Store) (*executor.Registry, error) {
	reg := executor.NewRegistry()

	transcode := video.NewTranscodeExecutor(store, cfg.WorkDir, cfg.FFmpegPath)

	entries := map[string]executor.Executor{
		pdf.TaskTypeMerge:       pdf.NewMergeExecutor(store, cfg.WorkDir),
		imaging.TaskTypeResize:  imaging.NewResizeExecutor(store),
		video.TaskTypeTranscode: transcode,
		video.TaskTypeWebPToMP4: transcode,
	}
	for taskType, exec := range entries {
		if err := reg.Register(taskType, exec); err != nil {
			return nil, fmt.Errorf("failed to register task %s: %w", taskType, err)
		}
	}

	if err := reg.Validate(pdf.TaskTypeMerge, imaging.TaskTypeResize, video.TaskTypeTranscode); err != nil {
		return nil, err
	}
	return reg, nil
}
