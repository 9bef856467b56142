package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Manager 按端点类别管理速率限制器
//
// 每个类别一个独立令牌桶；桶状态只通过 Manager 的接口访问（单写者），
// 任何组件都不允许绕过它直接触达远端。
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*TokenBucket
	fallback Budget
	opts     []Option
}

// NewManager 创建速率限制管理器
func NewManager(budgets map[string]Budget, opts ...Option) *Manager {
	m := &Manager{
		limiters: make(map[string]*TokenBucket, len(budgets)),
		fallback: Budget{Limit: 1, Interval: time.Second},
		opts:     opts,
	}
	for category, b := range budgets {
		m.limiters[category] = NewTokenBucket(b, opts...)
	}
	return m
}

// limiter 获取类别对应的限制器；未知类别按保守预算兜底
func (m *Manager) limiter(category string) *TokenBucket {
	m.mu.RLock()
	tb, ok := m.limiters[category]
	m.mu.RUnlock()
	if ok {
		return tb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tb, ok = m.limiters[category]; ok {
		return tb
	}
	tb = NewTokenBucket(m.fallback, m.opts...)
	m.limiters[category] = tb
	return tb
}

// Wait 排队等待该类别的配额（FIFO，队列超限返回 ErrQueueFull）
func (m *Manager) Wait(ctx context.Context, category string) error {
	return m.limiter(category).Wait(ctx)
}

// Allow 非阻塞检查
func (m *Manager) Allow(category string) bool {
	return m.limiter(category).Allow()
}

// Penalize 对该类别施加 429 惩罚
func (m *Manager) Penalize(category string) {
	m.limiter(category).Penalize()
}

// GetRemaining 该类别当前窗口剩余配额
func (m *Manager) GetRemaining(category string) int {
	return m.limiter(category).GetRemaining()
}

// GetResetTime 该类别下一个窗口边界
func (m *Manager) GetResetTime(category string) time.Time {
	return m.limiter(category).GetResetTime()
}
