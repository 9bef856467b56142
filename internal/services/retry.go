package services

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/metrics"
)

var retryLog = logrus.WithField("component", "retry")

// ErrSessionFatal 表示凭证级错误（401）：整个连接器会话必须停摆，
// 等待人工重新配置凭证，绝不能静默地无限重试。
var ErrSessionFatal = errors.New("fatal session error")

// ErrRetriesExhausted 重试次数耗尽后的包装错误
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrorKind 错误分类结果
type ErrorKind int

const (
	KindRetryable ErrorKind = iota // 传输错误、408、429、5xx
	KindPermanent                  // 400、403、404：请求本身有问题，重试不会自愈
	KindFatal                      // 401：凭证失效，会话级停摆
)

// Classify 对派发结果分类
func Classify(err error) ErrorKind {
	if err == nil {
		return KindRetryable
	}
	if _, ok := broker.AsTransportError(err); ok {
		return KindRetryable
	}
	// context 超时视为传输层问题
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	if re, ok := broker.AsRemoteError(err); ok {
		switch {
		case re.Status == 401:
			return KindFatal
		case re.Status == 400 || re.Status == 403 || re.Status == 404:
			return KindPermanent
		case re.Status == 408 || re.Status == 429 || re.Status >= 500:
			return KindRetryable
		}
	}
	return KindPermanent
}

// Classifier 重试/退避分类器
// 包装一次派发调用：可重试错误按指数退避加抖动重试（次数有界），
// 永久错误立即上浮，致命错误包上 ErrSessionFatal 上浮。
type Classifier struct {
	maxAttempts int
	baseBackoff time.Duration
}

// NewClassifier 创建分类器（参数来自配置，不写死）
func NewClassifier(maxAttempts int, baseBackoff time.Duration) *Classifier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &Classifier{maxAttempts: maxAttempts, baseBackoff: baseBackoff}
}

// backoffDelay 第 attempt 次失败后的退避时长（指数 + 抖动）
func (c *Classifier) backoffDelay(attempt int) time.Duration {
	d := c.baseBackoff << uint(attempt)
	// 0~50% 抖动，避免多笔订单同节奏撞限流
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// Execute 执行 op，按分类决定重试或上浮
// onRetry 每次重试前回调（订单路径用它递增 RetryCount）。
func (c *Classifier) Execute(ctx context.Context, op func(context.Context) error, onRetry func(attempt int)) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RetryAttempts.Add(1)
			if onRetry != nil {
				onRetry(attempt)
			}
			delay := c.backoffDelay(attempt - 1)
			retryLog.Debugf("🔁 [重试] 第 %d/%d 次，退避 %v: %v", attempt, c.maxAttempts-1, delay, lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		switch Classify(err) {
		case KindFatal:
			retryLog.Errorf("🛑 [致命] 凭证失效，停止重试: %v", err)
			return errors.Wrap(ErrSessionFatal, err.Error())
		case KindPermanent:
			// 畸形请求不会自愈，立即上浮
			return err
		case KindRetryable:
			// 继续循环
		}
	}
	return errors.Wrapf(ErrRetriesExhausted, "%d attempts: %v", c.maxAttempts, lastErr)
}
