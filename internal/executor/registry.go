package executor

import (
	"fmt"
	"sort"
)

// Registry はタスク種別から実行器への対応表です。プロセス起動時に登録を
// 済ませ、以降は読み取り専用として扱います。
type Registry struct {
	executors map[string]Executor
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register は実行器を登録します。同じタスク種別の二重登録はエラーです。
func (r *Registry) Register(taskType string, exec Executor) error {
	if taskType == "" {
		return fmt.Errorf("registry: taskType is required")
	}
	if exec == nil {
		return fmt.Errorf("registry: executor for %q is nil", taskType)
	}
	if _, exists := r.executors[taskType]; exists {
		return fmt.Errorf("registry: executor for %q is already registered", taskType)
	}
	r.executors[taskType] = exec
	return nil
}

// Resolve はタスク種別に対応する実行器を返します。
func (r *Registry) Resolve(taskType string) (Executor, bool) {
	exec, ok := r.executors[taskType]
	return exec, ok
}

// Validate は必要なタスク種別がすべて登録済みであることを確認します。
// 欠けている場合は起動時に失敗させます（初回ディスパッチ時ではなく）。
func (r *Registry) Validate(required ...string) error {
	var missing []string
	for _, taskType := range required {
		if _, ok := r.executors[taskType]; !ok {
			missing = append(missing, taskType)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("registry: no executor registered for: %v", missing)
	}
	return nil
}

// TaskTypes は登録済みタスク種別の一覧をソートして返します。
func (r *Registry) TaskTypes() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
