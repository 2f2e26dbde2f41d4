// Package storage はブロブストアの抽象化レイヤーを提供します。
package storage

import (
	"context"
	"io"
	"strings"
)

// Store はキー指定でブロブを出し入れするストアです。Put は公開URLを
// 返します。異なるキーへの並行書き込みは安全であることが前提です。
type Store interface {
	// Put はデータを保存し、取得用の公開URLを返します。
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Open はキーに対応するブロブの読み取りストリームとサイズを返します。
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete はブロブを削除します。存在しなかった場合は false を返します。
	Delete(ctx context.Context, key string) (bool, error)

	// List はプレフィックスに一致するキーの一覧を返します。
	List(ctx context.Context, prefix string) ([]string, error)
}

// JoinKey はキーのセグメントを "/" で連結します。
func JoinKey(parts ...string) string {
	return strings.Join(parts, "/")
}
