package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/file-forge/internal/storage"
)

// SubmitOptions は投入ハンドラーの設定です。
type SubmitOptions struct {
	// MaxFileSize は単一アップロードファイルの上限（バイト）です。
	// 0 以下の場合は無制限です。
	MaxFileSize int64
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。アップロード
// ファイルをブロブストアへ保存し、ジョブをキューへ投入して jobId を
// 即時に返します（処理の完了は待ちません）。
func SubmitHandler(queue Queue, store storage.Store, opts SubmitOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		taskType := strings.TrimSpace(c.PostForm("taskType"))
		if taskType == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "taskType を指定してください。",
			})
			return
		}

		headers := form.File["files[]"]
		if len(headers) == 0 {
			headers = form.File["files"]
		}
		if len(headers) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "アップロードされたファイルが見つかりません。",
			})
			return
		}

		settings, err := parseSettings(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		priority, err := parsePriority(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		uploadID := uuid.NewString()
		refs := make([]FileRef, 0, len(headers))
		for _, header := range headers {
			if opts.MaxFileSize > 0 && header.Size > opts.MaxFileSize {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"code":    "LIMIT_EXCEEDED",
					"message": fmt.Sprintf("ファイル %s がサイズ上限を超えています。", header.Filename),
				})
				return
			}

			file, err := header.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": fmt.Sprintf("ファイル %s を読み取れませんでした。", header.Filename),
				})
				return
			}
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": fmt.Sprintf("ファイル %s を読み取れませんでした。", header.Filename),
				})
				return
			}

			key := storage.JoinKey("uploads", uploadID, sanitizeFilename(header.Filename))
			if _, err := store.Put(c.Request.Context(), key, data); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "STORAGE_ERROR",
					"message": "ファイルの保存に失敗しました。時間をおいて再度お試しください。",
				})
				return
			}

			refs = append(refs, FileRef{
				Name:     header.Filename,
				Location: key,
				Size:     int64(len(data)),
				MimeType: mimetype.Detect(data).String(),
			})
		}

		jobID, err := queue.Enqueue(c.Request.Context(), &EnqueueRequest{
			TaskType:   taskType,
			InputFiles: refs,
			Settings:   settings,
			Priority:   priority,
		})
		if err != nil {
			if errors.Is(err, ErrQueueUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"code":    "QUEUE_UNAVAILABLE",
					"message": "ジョブキューが利用できません。時間をおいて再度お試しください。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの投入に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。存在しない
// ジョブID（保持期限切れを含む）は 404 になります。
func StatusHandler(svc *StatusService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		status, err := svc.Status(c.Request.Context(), jobID)
		if err != nil {
			switch {
			case errors.Is(err, ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
			case errors.Is(err, ErrQueueUnavailable):
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"code":    "QUEUE_UNAVAILABLE",
					"message": "ジョブキューが利用できません。",
				})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "ジョブ情報の取得に失敗しました。",
				})
			}
			return
		}

		c.JSON(http.StatusOK, status)
	}
}

// StatsHandler は GET /api/stats のハンドラーを返します。
func StatsHandler(queue Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := queue.Counts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "QUEUE_UNAVAILABLE",
				"message": "ジョブキューが利用できません。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queue": counts})
	}
}

func parseSettings(c *gin.Context) (map[string]any, error) {
	raw := strings.TrimSpace(c.PostForm("settings"))
	if raw == "" {
		return nil, nil
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, errors.New("settings は JSON オブジェクトで指定してください。")
	}
	return settings, nil
}

func parsePriority(c *gin.Context) (int, error) {
	raw := strings.TrimSpace(c.PostForm("priority"))
	if raw == "" {
		return 0, nil
	}
	priority, err := strconv.Atoi(raw)
	if err != nil || priority < 1 {
		return 0, errors.New("priority は 1 以上の整数で指定してください。")
	}
	return priority, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "" {
		return "file"
	}
	return name
}
