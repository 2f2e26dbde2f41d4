// Package imaging は画像系のタスク実行器を提供します。
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"

	"github.com/yourusername/file-forge/internal/executor"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

// TaskTypeResize はリサイズタスクの種別名です。
const TaskTypeResize = "image-resize"

// リサイズ設定の既定値。
const (
	defaultWidth   = 800
	defaultHeight  = 600
	defaultQuality = 90
	defaultFormat  = "jpeg"
)

// ResizeExecutor は画像を指定サイズに縮小します。既定ではアスペクト比を
// 維持し、width/height を上限として収まるサイズに合わせます。
type ResizeExecutor struct {
	store storage.Store
}

var _ executor.Executor = (*ResizeExecutor)(nil)

// NewResizeExecutor は ResizeExecutor を作成します。
func NewResizeExecutor(store storage.Store) *ResizeExecutor {
	return &ResizeExecutor{store: store}
}

type resizeSettings struct {
	width               int
	height              int
	quality             int
	format              string
	maintainAspectRatio bool
}

// Execute は入力画像をデコードして縮小し、指定フォーマットで保存します。
// 複数ファイルが渡された場合は先頭のみを対象とします。
func (e *ResizeExecutor) Execute(ctx context.Context, files []jobs.FileRef, settings map[string]any, ec executor.Context) (*jobs.TaskResult, error) {
	if len(files) == 0 {
		return nil, executor.Permanent("INVALID_INPUT", "リサイズ対象の画像ファイルがありません。", nil)
	}
	opts, err := parseResizeSettings(settings)
	if err != nil {
		return nil, executor.Permanent("INVALID_SETTINGS", err.Error(), err)
	}

	in := files[0]
	ec.ReportProgress(10)
	ec.Log("resizing %s to %dx%d format=%s", in.Name, opts.width, opts.height, opts.format)

	blob, _, err := e.store.Open(ctx, in.Location)
	if err != nil {
		return nil, executor.Transient("STORAGE_ERROR",
			fmt.Sprintf("入力ファイル %s の取得に失敗しました。", in.Name), err)
	}
	raw, err := io.ReadAll(blob)
	blob.Close()
	if err != nil {
		return nil, executor.Transient("STORAGE_ERROR", "入力ファイルの読み込みに失敗しました。", err)
	}

	src, srcFormat, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, executor.Permanent("INVALID_IMAGE",
			"画像のデコードに失敗しました。対応形式は JPEG / PNG です。", err)
	}

	ec.ReportProgress(40)

	dstW, dstH := targetSize(src.Bounds().Dx(), src.Bounds().Dy(), opts)
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)

	ec.ReportProgress(70)

	var buf bytes.Buffer
	mime := "image/jpeg"
	ext := "jpg"
	switch opts.format {
	case "png":
		if err := png.Encode(&buf, dst); err != nil {
			return nil, executor.Permanent("ENCODE_ERROR", "PNGへのエンコードに失敗しました。", err)
		}
		mime = "image/png"
		ext = "png"
	case "jpeg", "jpg":
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: opts.quality}); err != nil {
			return nil, executor.Permanent("ENCODE_ERROR", "JPEGへのエンコードに失敗しました。", err)
		}
	default:
		return nil, executor.Permanent("INVALID_SETTINGS",
			fmt.Sprintf("未対応の出力フォーマットです: %s", opts.format), nil)
	}

	ec.ReportProgress(90)

	name := outputName(in.Name, ext)
	key := storage.JoinKey("results", uuid.NewString(), name)
	url, err := e.store.Put(ctx, key, buf.Bytes())
	if err != nil {
		return nil, executor.Transient("STORAGE_ERROR", "リサイズ結果の保存に失敗しました。", err)
	}

	ec.ReportProgress(100)
	ec.Log("resize completed %dx%d -> %dx%d", src.Bounds().Dx(), src.Bounds().Dy(), dstW, dstH)

	return &jobs.TaskResult{
		Files: []jobs.OutputFile{{
			Name:     name,
			URL:      url,
			Size:     int64(buf.Len()),
			MimeType: mime,
		}},
		Metadata: map[string]any{
			"originalWidth":  src.Bounds().Dx(),
			"originalHeight": src.Bounds().Dy(),
			"width":          dstW,
			"height":         dstH,
			"sourceFormat":   srcFormat,
		},
	}, nil
}

// targetSize はアスペクト比維持の指定に応じて出力サイズを計算します。
// 拡大はせず、元画像が収まる場合はそのままのサイズを返します。
func targetSize(srcW, srcH int, opts resizeSettings) (int, int) {
	if !opts.maintainAspectRatio {
		return opts.width, opts.height
	}
	if srcW <= opts.width && srcH <= opts.height {
		return srcW, srcH
	}
	scaleW := float64(opts.width) / float64(srcW)
	scaleH := float64(opts.height) / float64(srcH)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	w := int(float64(srcW) * scale)
	h := int(float64(srcH) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

func parseResizeSettings(settings map[string]any) (resizeSettings, error) {
	opts := resizeSettings{
		width:               defaultWidth,
		height:              defaultHeight,
		quality:             defaultQuality,
		format:              defaultFormat,
		maintainAspectRatio: true,
	}
	var err error
	if opts.width, err = intSetting(settings, "width", opts.width); err != nil {
		return opts, err
	}
	if opts.height, err = intSetting(settings, "height", opts.height); err != nil {
		return opts, err
	}
	if opts.quality, err = intSetting(settings, "quality", opts.quality); err != nil {
		return opts, err
	}
	if v, ok := settings["format"]; ok {
		s, ok := v.(string)
		if !ok {
			return opts, fmt.Errorf("設定 format は文字列で指定してください")
		}
		opts.format = strings.ToLower(s)
	}
	if v, ok := settings["maintainAspectRatio"]; ok {
		b, ok := v.(bool)
		if !ok {
			return opts, fmt.Errorf("設定 maintainAspectRatio は真偽値で指定してください")
		}
		opts.maintainAspectRatio = b
	}
	if opts.width < 1 || opts.height < 1 {
		return opts, fmt.Errorf("width と height は1以上で指定してください")
	}
	if opts.quality < 1 || opts.quality > 100 {
		return opts, fmt.Errorf("quality は1から100の範囲で指定してください")
	}
	return opts, nil
}

// intSetting はJSON由来の数値（float64）を整数設定として取り出します。
func intSetting(settings map[string]any, key string, fallback int) (int, error) {
	v, ok := settings[key]
	if !ok {
		return fallback, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("設定 %s は数値で指定してください", key)
	}
}

func outputName(original, ext string) string {
	base := original
	if i := strings.LastIndex(original, "."); i > 0 {
		base = original[:i]
	}
	return base + "-resized." + ext
}
