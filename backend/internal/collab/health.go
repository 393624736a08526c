package collab

import "sync"

// Health 进程级健康状态，一旦标记为 fatal 不会恢复，只能重启进程
type Health struct {
	mu  sync.RWMutex
	err error
}

func NewHealth() *Health { return &Health{} }

func (h *Health) MarkFatal(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// Err 返回第一次标记的致命错误，健康时为 nil
func (h *Health) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}
