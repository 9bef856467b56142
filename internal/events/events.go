package events

import (
	"time"

	"github.com/betbot/gobroker/internal/domain"
)

// OrderUpdateEvent 订单状态变化事件
// Previous 为变化前状态；轮询对账明确区分"有变化"与"无变化"，
// 没有变化不会发事件，消费方可以据此推断数据新鲜度。
type OrderUpdateEvent struct {
	Order     *domain.Order
	Previous  domain.OrderStatus
	Timestamp time.Time
}

// OrderFillEvent 成交推进事件（FilledQuantity 增长时触发）
type OrderFillEvent struct {
	Order        *domain.Order
	FillDelta    string // 本次轮询新增的成交数量（十进制字符串）
	AvgFillPrice string // 远端回报的平均成交价
	Timestamp    time.Time
}

// BalanceUpdateEvent 余额快照更新事件
type BalanceUpdateEvent struct {
	Balance   domain.Balance
	Changed   bool // 与上一份快照相比是否有变化
	Timestamp time.Time
}

// PositionUpdateEvent 持仓快照更新事件
type PositionUpdateEvent struct {
	Positions []domain.Position
	Changed   bool
	Timestamp time.Time
}

// TickEvent 合成行情事件
type TickEvent struct {
	Tick domain.Tick
}

// SessionHaltEvent 会话停摆事件（401 凭证失效等致命错误）
type SessionHaltEvent struct {
	Reason    string
	Timestamp time.Time
}
