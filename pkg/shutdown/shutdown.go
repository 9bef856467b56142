package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/gobroker/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context)

// Manager 优雅关闭管理器
type Manager struct {
	callbacks []Handler
	mu        sync.Mutex
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{
		callbacks: make([]Handler, 0),
	}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, handler)
}

// Shutdown 按注册顺序执行关闭回调（阻塞调用）
// ctx 应该是一个带超时的 context，超时后放弃剩余回调。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Info("没有注册的关闭回调")
		return
	}

	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	for i, cb := range callbacks {
		done := make(chan struct{})
		go func(handler Handler) {
			handler(ctx)
			close(done)
		}(cb)

		select {
		case <-done:
		case <-ctx.Done():
			logger.Warnf("关闭超时，放弃剩余 %d 个回调: %v", len(callbacks)-i, ctx.Err())
			return
		}
	}
	logger.Info("所有关闭回调已完成")
}
