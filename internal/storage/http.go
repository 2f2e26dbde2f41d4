package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// DownloadHandler は GET /api/download/*key のハンドラーを返します。
// Content-Type はブロブの先頭バイトから判定します。
func DownloadHandler(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "ダウンロード対象のキーを指定してください。",
			})
			return
		}
		if unescaped, err := url.PathUnescape(key); err == nil {
			key = unescaped
		}

		blob, size, err := store.Open(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "BLOB_NOT_FOUND",
					"message": "指定されたファイルが見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ファイルの取得に失敗しました。",
			})
			return
		}
		defer blob.Close()

		contentType, reader, err := sniffContentType(blob)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ファイルの取得に失敗しました。",
			})
			return
		}

		filename := path.Base(key)
		encodedName := url.PathEscape(filename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, size, contentType, reader, nil)
	}
}

// sniffContentType は先頭バイトから MIME タイプを判定し、読み出し済みの
// バイトを含むリーダーを返します。
func sniffContentType(r io.Reader) (string, io.Reader, error) {
	header := make([]byte, 3072)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", nil, err
	}
	header = header[:n]
	return mimetype.Detect(header).String(), io.MultiReader(bytes.NewReader(header), r), nil
}
