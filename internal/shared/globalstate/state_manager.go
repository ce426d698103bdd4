package globalstate

import (
	"maps"
	"sync"

	"liuproxy_harvester/internal/shared/types"
)

// 运行阶段
const (
	StageInitializing = "initializing"
	StageScraping     = "scraping"
	StageExtracting   = "extracting"
	StageChecking     = "checking"
	StageExporting    = "exporting"
	StageDone         = "done"
)

// StatusManager 结构体用于管理全局运行状态。
// 它使用 RWMutex 来保护并发读写，读取时返回副本。
type StatusManager struct {
	mu     sync.RWMutex
	status types.RunStatus
}

// 全局的状态管理器实例
var GlobalStatus = NewStatusManager()

func NewStatusManager() *StatusManager {
	return &StatusManager{status: types.RunStatus{Stage: StageInitializing}}
}

// Set 方法用于安全地更新当前阶段。
func (sm *StatusManager) Set(stage string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status.Stage = stage
}

// Update 在写锁内修改状态。fn 不得阻塞。
func (sm *StatusManager) Update(fn func(*types.RunStatus)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	fn(&sm.status)
}

// Get 方法用于安全地读取状态副本。
func (sm *StatusManager) Get() types.RunStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s := sm.status
	s.Working = maps.Clone(sm.status.Working)
	return s
}

// Stage returns the current stage only.
func (sm *StatusManager) Stage() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status.Stage
}
