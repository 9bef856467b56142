package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrQueueFull 表示该类别的本地等待队列已超过上限。
// 本地排队优先于打到远端的 429，但队列不能无界增长。
var ErrQueueFull = errors.New("rate limit queue full")

// Budget 单个端点类别的速率预算（远端公布的配额）
type Budget struct {
	Limit    int           // 窗口内允许的请求数
	Interval time.Duration // 窗口长度
}

// TokenBucket 令牌桶速率限制器
//
// 与其说是经典令牌桶，不如说是"窗口配额 + 虚拟时间调度"：
// 每个请求在锁内被分配一个释放时刻（同一窗口内立即放行，窗口占满则
// 顺延到后续窗口），调用方睡到释放时刻。分配在互斥锁内串行完成，
// 等待顺序即到达顺序（FIFO），请求只会延迟，不会丢弃。
type TokenBucket struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration

	windowStart time.Time // 当前（或已排到的未来）窗口起点
	used        int       // 该窗口内已分配的请求数

	queueBound int // 允许排队的最大请求数，超过即拒绝

	// 429 惩罚：远端仍然回了 429 时临时收缩有效速率（加性退避）。
	// 惩罚级别随 Penalize 递增，在 decayAfter 无惩罚期后归零。
	penaltyStep  time.Duration
	penaltyLevel int
	maxPenalty   int
	lastPenalty  time.Time
	decayAfter   time.Duration
}

// Option 配置函数
type Option func(*TokenBucket)

// WithQueueBound 设置排队上限（默认 64）
func WithQueueBound(n int) Option {
	return func(tb *TokenBucket) {
		if n > 0 {
			tb.queueBound = n
		}
	}
}

// WithPenalty 设置 429 惩罚步长与衰减周期
func WithPenalty(step time.Duration, maxLevel int, decayAfter time.Duration) Option {
	return func(tb *TokenBucket) {
		if step > 0 {
			tb.penaltyStep = step
		}
		if maxLevel > 0 {
			tb.maxPenalty = maxLevel
		}
		if decayAfter > 0 {
			tb.decayAfter = decayAfter
		}
	}
}

// NewTokenBucket 创建新的令牌桶
func NewTokenBucket(budget Budget, opts ...Option) *TokenBucket {
	if budget.Limit <= 0 {
		budget.Limit = 1
	}
	if budget.Interval <= 0 {
		budget.Interval = time.Second
	}
	tb := &TokenBucket{
		limit:       budget.Limit,
		interval:    budget.Interval,
		windowStart: time.Now(),
		queueBound:  64,
		penaltyStep: budget.Interval,
		maxPenalty:  8,
		decayAfter:  4 * budget.Interval,
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// reserve 在锁内为一个请求分配释放时刻。
// 返回 (释放时刻, 是否接受)；不接受表示队列超限。
func (tb *TokenBucket) reserve(now time.Time) (time.Time, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// 惩罚衰减
	if tb.penaltyLevel > 0 && now.Sub(tb.lastPenalty) > tb.decayAfter {
		tb.penaltyLevel = 0
	}

	// 把窗口推进到不晚于 now 的最新边界（窗口起点可能已排在未来，不回退）
	if tb.windowStart.Before(now) {
		elapsed := now.Sub(tb.windowStart)
		steps := elapsed / tb.interval
		if steps > 0 {
			tb.windowStart = tb.windowStart.Add(steps * tb.interval)
			tb.used = 0
		}
	}

	// 队列深度 = 已排到未来的请求数（超限则拒绝而非排队）
	if queued := tb.queuedLocked(now); queued >= tb.queueBound {
		return time.Time{}, false
	}

	// 当前窗口占满则顺延
	for tb.used >= tb.limit {
		tb.windowStart = tb.windowStart.Add(tb.interval)
		tb.used = 0
	}
	tb.used++

	release := tb.windowStart
	if release.Before(now) {
		release = now
	}
	if tb.penaltyLevel > 0 {
		release = release.Add(time.Duration(tb.penaltyLevel) * tb.penaltyStep)
	}
	return release, true
}

// queuedLocked 估算排在未来的请求数（调用方需持锁）
func (tb *TokenBucket) queuedLocked(now time.Time) int {
	if !tb.windowStart.After(now) {
		return 0
	}
	fullWindows := int(tb.windowStart.Sub(now) / tb.interval)
	return fullWindows*tb.limit + tb.used
}

// Allow 非阻塞检查：当前窗口有余量则消费并返回 true
func (tb *TokenBucket) Allow() bool {
	now := time.Now()
	release, ok := tb.reserve(now)
	if !ok {
		return false
	}
	// reserve 把请求排到了未来，说明当前窗口没余量；
	// 这里无法退还名额，但 Allow 只用于诊断路径，偏保守是可接受的。
	return !release.After(now)
}

// Wait 阻塞直到分配的释放时刻（FIFO），或 ctx 取消。
// 队列超限返回 ErrQueueFull。
func (tb *TokenBucket) Wait(ctx context.Context) error {
	release, ok := tb.reserve(time.Now())
	if !ok {
		return ErrQueueFull
	}
	d := time.Until(release)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Penalize 远端返回 429 后调用：加性提高惩罚级别，临时收缩有效速率
func (tb *TokenBucket) Penalize() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.penaltyLevel < tb.maxPenalty {
		tb.penaltyLevel++
	}
	tb.lastPenalty = time.Now()
}

// PenaltyLevel 当前惩罚级别（诊断用）
func (tb *TokenBucket) PenaltyLevel() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.penaltyLevel
}

// GetRemaining 当前窗口剩余配额
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	if tb.windowStart.After(now) {
		return 0
	}
	if now.Sub(tb.windowStart) >= tb.interval {
		return tb.limit
	}
	if rem := tb.limit - tb.used; rem > 0 {
		return rem
	}
	return 0
}

// GetResetTime 下一个窗口边界
func (tb *TokenBucket) GetResetTime() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.windowStart.Add(tb.interval)
}
