package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore はローカルファイルシステム上の Store 実装です。開発環境と
// 単一ノード構成で使用します。公開URLは baseURL + エスケープ済みキーです。
type LocalStore struct {
	baseDir string
	baseURL string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore は LocalStore を作成します。baseDir が存在しない場合は
// 作成します。
func NewLocalStore(baseDir, baseURL string) (*LocalStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("storage: baseDir is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalStore{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Put はデータをファイルとして保存し、公開URLを返します。
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	return s.URLFor(key), nil
}

// Open はブロブの読み取りストリームとサイズを返します。
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Delete はブロブを削除します。
func (s *LocalStore) Delete(ctx context.Context, key string) (bool, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return true, nil
}

// List はプレフィックスに一致するキーを返します。
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return keys, nil
}

// URLFor はキーに対応する公開URLを返します。
func (s *LocalStore) URLFor(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segments, "/")
}

// pathFor はキーをベースディレクトリ配下のパスへ解決します。
// ディレクトリトラバーサルは拒否します。
func (s *LocalStore) pathFor(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("storage: key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}
