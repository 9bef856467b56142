package domain

import (
	"github.com/shopspring/decimal"

	"github.com/pkg/errors"
)

// Instrument 标的元数据（来自远端 metadata/instruments，用于本地下单前校验）
type Instrument struct {
	Ticker           string          // 标的代码
	Type             string          // EQUITY / ETF / ...
	Currency         string          // 计价币种
	MinTradeQuantity decimal.Decimal // 最小委托数量（碎股）
	MaxOpenQuantity  decimal.Decimal // 最大持仓数量
	PriceTick        decimal.Decimal // 价格最小变动单位
}

// ErrValidation 本地预检失败（不会触达远端）
var ErrValidation = errors.New("validation error")

// OrderSpec 下单请求（消费方视角的提交参数）
type OrderSpec struct {
	Ticker      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal // LIMIT/STOP_LIMIT 必填
	StopPrice   decimal.Decimal // STOP/STOP_LIMIT 必填
	TimeInForce TimeInForce
}

// Validate 本地校验订单约束（最小数量、价格步长、TIF 支持）
// 失败返回包了 ErrValidation 的错误；校验过程不触达远端。
func (s OrderSpec) Validate(inst *Instrument) error {
	if s.Ticker == "" {
		return errors.Wrap(ErrValidation, "ticker is empty")
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return errors.Wrapf(ErrValidation, "unsupported side %q", s.Side)
	}
	switch s.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
	default:
		return errors.Wrapf(ErrValidation, "unsupported order type %q", s.Type)
	}
	switch s.TimeInForce {
	case "", TIFDay, TIFGoodTillCancel:
	default:
		return errors.Wrapf(ErrValidation, "unsupported time in force %q", s.TimeInForce)
	}
	if !s.Quantity.IsPositive() {
		return errors.Wrapf(ErrValidation, "quantity %s must be positive", s.Quantity)
	}

	needsPrice := s.Type == OrderTypeLimit || s.Type == OrderTypeStopLimit
	if needsPrice && !s.Price.IsPositive() {
		return errors.Wrapf(ErrValidation, "%s order requires positive price", s.Type)
	}
	needsStop := s.Type == OrderTypeStop || s.Type == OrderTypeStopLimit
	if needsStop && !s.StopPrice.IsPositive() {
		return errors.Wrapf(ErrValidation, "%s order requires positive stop price", s.Type)
	}

	if inst == nil {
		return nil
	}
	if inst.MinTradeQuantity.IsPositive() && s.Quantity.LessThan(inst.MinTradeQuantity) {
		return errors.Wrapf(ErrValidation, "quantity %s below minimum %s", s.Quantity, inst.MinTradeQuantity)
	}
	if inst.MaxOpenQuantity.IsPositive() && s.Quantity.GreaterThan(inst.MaxOpenQuantity) {
		return errors.Wrapf(ErrValidation, "quantity %s above maximum %s", s.Quantity, inst.MaxOpenQuantity)
	}
	if needsPrice && inst.PriceTick.IsPositive() {
		// 价格必须落在 tick 网格上
		if !s.Price.Mod(inst.PriceTick).IsZero() {
			return errors.Wrapf(ErrValidation, "price %s not aligned to tick %s", s.Price, inst.PriceTick)
		}
	}
	return nil
}

// normalizedTIF 返回默认化后的 TIF（空值按 DAY 处理，与远端默认一致）
func (s OrderSpec) NormalizedTIF() TimeInForce {
	if s.TimeInForce == "" {
		return TIFDay
	}
	return s.TimeInForce
}
