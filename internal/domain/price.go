package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceConfidence 价格样本置信度
type PriceConfidence string

const (
	PriceFresh PriceConfidence = "fresh" // 在新鲜度窗口内
	PriceStale PriceConfidence = "stale" // 超过新鲜度窗口未更新
)

// PriceSample 价格样本（短暂存在，原地覆盖，不落盘）
type PriceSample struct {
	Ticker    string          // 标的代码
	Price     decimal.Decimal // 最近已知价格
	SampledAt time.Time       // 采样时间
}

// ConfidenceAt 给定新鲜度窗口，计算 now 时刻的置信度
func (s PriceSample) ConfidenceAt(now time.Time, window time.Duration) PriceConfidence {
	if window <= 0 {
		return PriceFresh
	}
	if now.Sub(s.SampledAt) > window {
		return PriceStale
	}
	return PriceFresh
}

// Tick 合成行情事件
//
// 由周期性价格轮询派生，不是真实订单簿：Bid/Ask 是最近价加减名义点差
// 的单层报价。需要真实深度的做市策略不应使用本连接器（设计取舍，非缺陷）。
type Tick struct {
	Ticker     string          // 标的代码
	Bid        decimal.Decimal // 合成最优买价 = last - spread/2
	Ask        decimal.Decimal // 合成最优卖价 = last + spread/2
	Last       decimal.Decimal // 最近成交价（即样本价格）
	Confidence PriceConfidence // fresh / stale
	Timestamp  time.Time       // 事件时间
}

// IsFresh 行情是否新鲜
func (t Tick) IsFresh() bool {
	return t.Confidence == PriceFresh
}
