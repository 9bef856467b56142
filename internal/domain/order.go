package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce 订单有效期
type TimeInForce string

const (
	TIFDay            TimeInForce = "DAY"
	TIFGoodTillCancel TimeInForce = "GOOD_TILL_CANCEL"
)

// OrderStatus 订单状态
// 状态只能单向推进；FILLED/CANCELLED/REJECTED/EXPIRED 为终态（吸收态）。
// UNKNOWN 是诊断用的过渡状态：远端列表中连续找不到已知订单时进入，
// 连续 K 次后降级为 CANCELLED（带注释），不会无限停留。
type OrderStatus string

const (
	OrderStatusPendingSubmit   OrderStatus = "PENDING_SUBMIT"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal 是否为终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// rank 状态单调序（用于禁止回退）。UNKNOWN 不参与排序。
func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusPendingSubmit:
		return 0
	case OrderStatusSubmitted:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return 3
	}
	return -1
}

// CanTransitionTo 检查状态迁移是否合法
// 终态不允许任何迁移；非终态只允许前进。SUBMITTED/PARTIALLY_FILLED
// 可以维持自身（轮询期间继续部分成交属于正常情况）。
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return s == OrderStatusPartiallyFilled || s == OrderStatusSubmitted
	}
	if s.IsTerminal() {
		return false
	}
	if next == OrderStatusUnknown {
		// 只有已提交过的订单才可能进入 UNKNOWN
		return s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled
	}
	if s == OrderStatusUnknown {
		// UNKNOWN 要么被远端快照救回，要么降级为 CANCELLED
		return true
	}
	return next.rank() > s.rank()
}

// 终态原因（面向用户的可区分字符串）
const (
	ReasonRejectedByRemote = "rejected by remote"
	ReasonExhaustedRetries = "exhausted retries"
	ReasonInvalidLocally   = "invalid locally"
	ReasonUnknownDemoted   = "demoted after consecutive unknown polls"
	ReasonExpiredMidFill   = "day order expired; filled portion preserved"
	ReasonLiveTradingGate  = "live trading disabled"
	ReasonQueueOverflow    = "local rate queue overflow"
)

// Order 订单领域模型
//
// ClientID 在连接器生命周期内唯一且不可变；RemoteID 一旦分配不再改变。
// FilledQuantity 在任何 reconcile 序列下单调不减（更低的回报视为过期快照丢弃）。
type Order struct {
	ClientID string // 本地生成的客户端订单 ID（uuid）
	RemoteID string // 远端订单 ID（首次确认后不可变）

	Ticker      string          // 标的代码（如 AAPL_US_EQ）
	Side        Side            // 买卖方向
	Type        OrderType       // 订单类型
	Quantity    decimal.Decimal // 委托数量
	Price       decimal.Decimal // 限价（LIMIT/STOP_LIMIT 有效）
	StopPrice   decimal.Decimal // 止损触发价（STOP/STOP_LIMIT 有效）
	TimeInForce TimeInForce     // 有效期

	Status         OrderStatus     // 当前状态
	StatusReason   string          // 终态原因（区分远端拒绝/重试耗尽/本地校验失败）
	FilledQuantity decimal.Decimal // 已成交数量（单调不减）
	AvgFillPrice   decimal.Decimal // 平均成交价（以远端回报为准，不是委托价）

	CreatedAt    time.Time // 本地创建时间（PENDING_SUBMIT 时刻）
	UpdatedAt    time.Time // 最近一次本地更新
	RemoteTime   time.Time // 远端回报时间戳（快照冲突仲裁用）
	RetryCount   int       // 重试次数（分类器每次重试递增）
	UnknownPolls int       // 连续未在远端列表出现的次数

	// CancelRequested 在远端 ID 还未分配时收到取消请求的标记；
	// 提交 goroutine 拿到远端 ID 后补发取消。
	CancelRequested bool
}

// IsActive 订单是否仍可被远端推进（未到终态）
func (o *Order) IsActive() bool {
	return o != nil && !o.Status.IsTerminal()
}

// CanCancel 是否允许发起取消
func (o *Order) CanCancel() bool {
	if o == nil {
		return false
	}
	switch o.Status {
	case OrderStatusPendingSubmit, OrderStatusSubmitted, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// RemainingQuantity 剩余未成交数量
func (o *Order) RemainingQuantity() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Clone 返回订单的浅拷贝（decimal 为值类型，拷贝安全）
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}
