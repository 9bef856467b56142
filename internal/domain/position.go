package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position 持仓领域模型
//
// 由 Account Reconciler 独占写入（整体替换，不做局部合并）；
// 对消费方只读。MarketValue 基于合成行情的最近价，只是尽力而为的估值。
type Position struct {
	Ticker       string          // 标的代码
	Quantity     decimal.Decimal // 持仓数量
	AvgCost      decimal.Decimal // 平均成本
	CurrentPrice decimal.Decimal // 远端回报的最近价
	MarketValue  decimal.Decimal // 合成市值 = Quantity * CurrentPrice
	UpdatedAt    time.Time       // 快照时间
}

// UnrealizedPnL 浮动盈亏（估值口径，见 MarketValue 注释）
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.CurrentPrice.Sub(p.AvgCost).Mul(p.Quantity)
}
