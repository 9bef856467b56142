package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance 账户现金余额
//
// 不变量：Free + Blocked = Total，每次轮询以远端快照整体覆盖。
// 本地永远不用"总额减去本地已知挂单"推算可用余额——远端可能因为
// 本连接器不可见的原因冻结资金（pie、分红再投资等）。
type Balance struct {
	Currency  string          // 币种
	Free      decimal.Decimal // 可用金额
	Blocked   decimal.Decimal // 挂单冻结金额
	Total     decimal.Decimal // 总额
	UpdatedAt time.Time       // 快照时间
}

// Consistent 校验 Free + Blocked = Total
func (b Balance) Consistent() bool {
	return b.Free.Add(b.Blocked).Equal(b.Total)
}
