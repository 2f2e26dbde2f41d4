package worker

import "sync"

// Stats はワーカープールの処理カウンターです。並行アクセスに対して
// 安全です。
type Stats struct {
	mu        sync.RWMutex
	completed int64
	failed    int64
	retried   int64
}

// NewStats は Stats を作成します。
func NewStats() *Stats {
	return &Stats{}
}

// Completed は完了カウンターを加算します。
func (s *Stats) Completed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
}

// Failed は失敗カウンターを加算します。
func (s *Stats) Failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// Retried は再投入カウンターを加算します。
func (s *Stats) Retried() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried++
}

// Snapshot は現在のカウンター値を返します。
func (s *Stats) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int64{
		"completed_jobs": s.completed,
		"failed_jobs":    s.failed,
		"retried_jobs":   s.retried,
	}
}
