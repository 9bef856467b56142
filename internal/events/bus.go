package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/metrics"
)

var busLog = logrus.WithField("component", "event_bus")

// Bus 进程内事件总线（fan-out）
//
// 发布方永远不被慢消费者阻塞：订阅 channel 写满时丢弃并计数。
// 行情 tick 丢了下一次轮询会再来，订单事件的权威状态在订单表里，
// 事件只是通知，不是账本。
type Bus struct {
	mu   sync.RWMutex
	subs []chan interface{}
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 订阅事件流，返回只读 channel
// bufferSize <= 0 时使用默认缓冲 64。
func (b *Bus) Subscribe(bufferSize int) <-chan interface{} {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan interface{}, bufferSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish 发布事件（非阻塞，慢消费者丢弃）
func (b *Bus) Publish(event interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			metrics.EventsDropped.Add(1)
			busLog.Debugf("订阅队列已满，丢弃事件: %T", event)
		}
	}
}

// Close 关闭所有订阅 channel（连接器停机时调用）
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
