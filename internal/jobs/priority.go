package jobs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// 優先度は数値が小さいほど先に処理されます。
const (
	PriorityFast   = 1 // 小さく速いタスク（PDF系）
	PriorityMedium = 2 // 中程度のタスク（画像系）
	PrioritySlow   = 3 // 大きく遅いタスク（動画系）
)

// PriorityPolicy はタスク種別から優先度を導出するポリシーテーブルです。
// 構築後は読み取り専用として扱います。
type PriorityPolicy struct {
	byTask   map[string]int
	fallback int
}

// NewPriorityPolicy は空のポリシーを作成します。テーブルに無いタスク種別は
// fallback の優先度になります。
func NewPriorityPolicy(fallback int) *PriorityPolicy {
	if fallback <= 0 {
		fallback = PriorityMedium
	}
	return &PriorityPolicy{
		byTask:   make(map[string]int),
		fallback: fallback,
	}
}

// DefaultPriorityPolicy は既定のマッピングを返します:
// PDF系 = 1、画像系 = 2、動画系 = 3、その他 = 2。
func DefaultPriorityPolicy() *PriorityPolicy {
	p := NewPriorityPolicy(PriorityMedium)
	p.Set("pdf-merge", PriorityFast)
	p.Set("pdf-split", PriorityFast)
	p.Set("pdf-compress", PriorityFast)
	p.Set("pdf-to-word", PriorityFast)
	p.Set("pdf-watermark-add", PriorityFast)
	p.Set("image-resize", PriorityMedium)
	p.Set("image-convert", PriorityMedium)
	p.Set("image-bg-remove", PriorityMedium)
	p.Set("video-transcode", PrioritySlow)
	p.Set("webp-to-mp4", PrioritySlow)
	return p
}

// Set はタスク種別の優先度を登録します。
func (p *PriorityPolicy) Set(taskType string, priority int) {
	if priority < 1 {
		priority = 1
	}
	p.byTask[taskType] = priority
}

// For はタスク種別の優先度を返します。override が正の場合はそれを優先します。
func (p *PriorityPolicy) For(taskType string, override int) int {
	if override > 0 {
		return override
	}
	if prio, ok := p.byTask[taskType]; ok {
		return prio
	}
	return p.fallback
}

// TaskTypes は登録済みタスク種別の一覧を返します（ログ出力用）。
func (p *PriorityPolicy) TaskTypes() []string {
	types := make([]string, 0, len(p.byTask))
	for t := range p.byTask {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ParsePriorityOverrides は "pdf-merge=1,video-transcode=3" 形式の文字列を
// ポリシーへ適用します。設定値からの上書きに使用します。
func (p *PriorityPolicy) ParsePriorityOverrides(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return fmt.Errorf("invalid priority override %q: expected task=priority", pair)
		}
		prio, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || prio < 1 {
			return fmt.Errorf("invalid priority override %q: priority must be a positive integer", pair)
		}
		p.Set(strings.TrimSpace(key), prio)
	}
	return nil
}
