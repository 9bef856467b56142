package broker

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/gobroker/internal/domain"
)

// OrderRequest 下单请求体（market/limit/stop/stop_limit 共用，按需填字段）
type OrderRequest struct {
	Ticker       string          `json:"ticker"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice    decimal.Decimal `json:"stopPrice,omitempty"`
	TimeValidity string          `json:"timeValidity,omitempty"`
}

// RemoteOrder 远端订单回报
//
// 远端用带符号数量表达方向（买正卖负），状态字符串集合为
// LOCAL/WORKING(NEW/PROCESSING)/FILLED/CANCELLED/REJECTED/EXPIRED。
type RemoteOrder struct {
	ID             int64           `json:"id"`
	Ticker         string          `json:"ticker"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	FilledValue    decimal.Decimal `json:"filledValue"`
	LimitPrice     decimal.Decimal `json:"limitPrice"`
	StopPrice      decimal.Decimal `json:"stopPrice"`
	Status         string          `json:"status"`
	Type           string          `json:"type"`
	TimeValidity   string          `json:"timeValidity"`
	CreationTime   time.Time       `json:"creationTime"`
	DateModified   time.Time       `json:"dateModified"`
}

// RemoteIDString 远端订单 ID 的字符串形式（本地统一用字符串存储）
func (o RemoteOrder) RemoteIDString() string {
	return strconv.FormatInt(o.ID, 10)
}

// AbsQuantity 无符号数量
func (o RemoteOrder) AbsQuantity() decimal.Decimal {
	return o.Quantity.Abs()
}

// AbsFilledQuantity 无符号已成交数量
func (o RemoteOrder) AbsFilledQuantity() decimal.Decimal {
	return o.FilledQuantity.Abs()
}

// Side 从带符号数量推导方向
func (o RemoteOrder) Side() domain.Side {
	if o.Quantity.IsNegative() {
		return domain.SideSell
	}
	return domain.SideBuy
}

// AvgFillPrice 平均成交价 = filledValue / filledQuantity（远端口径）
func (o RemoteOrder) AvgFillPrice() decimal.Decimal {
	fq := o.AbsFilledQuantity()
	if fq.IsZero() {
		return decimal.Zero
	}
	return o.FilledValue.Abs().DivRound(fq, 8)
}

// MappedStatus 远端状态映射为本地状态
func (o RemoteOrder) MappedStatus() domain.OrderStatus {
	switch o.Status {
	case "LOCAL":
		return domain.OrderStatusPendingSubmit
	case "WORKING", "NEW", "PROCESSING":
		if o.AbsFilledQuantity().IsPositive() {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusSubmitted
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELLED", "CANCELLING":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED":
		return domain.OrderStatusExpired
	}
	return domain.OrderStatusUnknown
}

// RemoteCash 账户现金回报
type RemoteCash struct {
	Free     decimal.Decimal `json:"free"`
	Blocked  decimal.Decimal `json:"blocked"`
	Invested decimal.Decimal `json:"invested"`
	Total    decimal.Decimal `json:"total"`
	PPL      decimal.Decimal `json:"ppl"`
}

// RemotePosition 持仓回报
type RemotePosition struct {
	Ticker          string          `json:"ticker"`
	Quantity        decimal.Decimal `json:"quantity"`
	AveragePrice    decimal.Decimal `json:"averagePrice"`
	CurrentPrice    decimal.Decimal `json:"currentPrice"`
	PPL             decimal.Decimal `json:"ppl"`
	InitialFillDate time.Time       `json:"initialFillDate"`
}

// RemoteAccountInfo 账户信息（健康检查探针使用）
type RemoteAccountInfo struct {
	ID           int64  `json:"id"`
	CurrencyCode string `json:"currencyCode"`
}

// RemoteInstrument 标的元数据
type RemoteInstrument struct {
	Ticker           string          `json:"ticker"`
	Type             string          `json:"type"`
	CurrencyCode     string          `json:"currencyCode"`
	Name             string          `json:"name"`
	MinTradeQuantity decimal.Decimal `json:"minTradeQuantity"`
	MaxOpenQuantity  decimal.Decimal `json:"maxOpenQuantity"`
}

// ToDomain 转换为领域模型
func (i RemoteInstrument) ToDomain() *domain.Instrument {
	return &domain.Instrument{
		Ticker:           i.Ticker,
		Type:             i.Type,
		Currency:         i.CurrencyCode,
		MinTradeQuantity: i.MinTradeQuantity,
		MaxOpenQuantity:  i.MaxOpenQuantity,
		PriceTick:        decimal.New(1, -2), // 远端价格精度为 2 位小数
	}
}

// RemoteHistoryOrder 历史订单（history 类别，只读）
type RemoteHistoryOrder struct {
	Type            string          `json:"type"`
	Ticker          string          `json:"ticker"`
	OrderedQuantity decimal.Decimal `json:"orderedQuantity"`
	FilledQuantity  decimal.Decimal `json:"filledQuantity"`
	FillPrice       decimal.Decimal `json:"fillPrice"`
	Status          string          `json:"status"`
	DateExecuted    time.Time       `json:"dateExecuted"`
}

// RemoteDividend 分红记录
type RemoteDividend struct {
	Ticker   string          `json:"ticker"`
	Amount   decimal.Decimal `json:"amount"`
	PaidOn   time.Time       `json:"paidOn"`
	Type     string          `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
}

// RemoteTransaction 资金流水
type RemoteTransaction struct {
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	DateTime  time.Time       `json:"dateTime"`
}
