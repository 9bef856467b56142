package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/metrics"
	"github.com/betbot/gobroker/pkg/ratelimit"
)

var dispatcherLog = logrus.WithField("component", "dispatcher")

// Dispatcher 速率受限的出站派发器
//
// 所有触达远端的调用都必须经过这里：先在对应类别的令牌桶上排队
// （FIFO，只延迟不丢弃），预算内才真正发请求。即便如此远端仍回 429
// 时，视为本地记账与远端失配的信号——加性收缩该类别的有效速率并
// 原地重新排队，而不是把 429 抛给调用方。
type Dispatcher struct {
	limits *ratelimit.Manager
}

// NewDispatcher 创建派发器
func NewDispatcher(limits *ratelimit.Manager) *Dispatcher {
	return &Dispatcher{limits: limits}
}

// 429 原地重排队的上限；超过后交还给上层分类器继续退避
const maxRequeues = 4

// Do 在 category 的预算内执行 call
// 返回 ratelimit.ErrQueueFull 表示本地队列超限（对应 RateLimitExceeded）。
func (d *Dispatcher) Do(ctx context.Context, category string, call func(context.Context) error) error {
	for requeue := 0; ; requeue++ {
		if remaining := d.limits.GetRemaining(category); remaining == 0 {
			metrics.ThrottleWaits.Add(1)
		}
		if err := d.limits.Wait(ctx, category); err != nil {
			return err
		}

		err := call(ctx)
		if err == nil {
			return nil
		}

		if re, ok := broker.AsRemoteError(err); ok && re.IsRateLimited() {
			metrics.RemoteRateHits.Add(1)
			d.limits.Penalize(category)
			if requeue < maxRequeues {
				dispatcherLog.Warnf("⏳ [限流] 远端返回 429，收缩 %s 速率并重新排队 (%d/%d)",
					category, requeue+1, maxRequeues)
				continue
			}
			dispatcherLog.Warnf("⏳ [限流] %s 重排队超限，交给上层退避", category)
		}
		return err
	}
}

// Remaining 该类别当前窗口剩余配额（诊断用）
func (d *Dispatcher) Remaining(category string) int {
	return d.limits.GetRemaining(category)
}
