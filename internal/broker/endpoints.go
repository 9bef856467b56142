package broker

import (
	"time"

	"github.com/betbot/gobroker/pkg/ratelimit"
)

// REST 端点路径（equity API v0）
const (
	EndpointAccountCash  = "/api/v0/equity/account/cash"
	EndpointAccountInfo  = "/api/v0/equity/account/info"
	EndpointPortfolio    = "/api/v0/equity/portfolio"
	EndpointOrders       = "/api/v0/equity/orders"
	EndpointOrderByID    = "/api/v0/equity/orders/{id}"
	EndpointOrderMarket  = "/api/v0/equity/orders/market"
	EndpointOrderLimit   = "/api/v0/equity/orders/limit"
	EndpointOrderStop    = "/api/v0/equity/orders/stop"
	EndpointOrderStopLim = "/api/v0/equity/orders/stop_limit"
	EndpointInstruments  = "/api/v0/equity/metadata/instruments"
	EndpointExchanges    = "/api/v0/equity/metadata/exchanges"
	EndpointHistOrders   = "/api/v0/equity/history/orders"
	EndpointHistDivs     = "/api/v0/equity/history/dividends"
	EndpointHistTxns     = "/api/v0/history/transactions"
)

// 速率限制类别：每个类别共享一份配额，由 Dispatcher 独占记账
const (
	CategoryOrderExecute = "orders_execute"
	CategoryOrderCancel  = "orders_cancel"
	CategoryOrderList    = "orders_list"
	CategoryOrderDetails = "order_details"
	CategoryPortfolio    = "portfolio"
	CategoryAccountCash  = "account_cash"
	CategoryAccountInfo  = "account_info"
	CategoryMetadata     = "metadata"
	CategoryHistory      = "history"
)

// DefaultBudgets 远端公布的各类别配额
func DefaultBudgets() map[string]ratelimit.Budget {
	return map[string]ratelimit.Budget{
		CategoryOrderExecute: {Limit: 1, Interval: 1 * time.Second},
		CategoryOrderCancel:  {Limit: 1, Interval: 1 * time.Second},
		CategoryOrderList:    {Limit: 1, Interval: 5 * time.Second},
		CategoryOrderDetails: {Limit: 1, Interval: 1 * time.Second},
		CategoryPortfolio:    {Limit: 1, Interval: 5 * time.Second},
		CategoryAccountCash:  {Limit: 1, Interval: 2 * time.Second},
		CategoryAccountInfo:  {Limit: 1, Interval: 30 * time.Second},
		CategoryMetadata:     {Limit: 1, Interval: 30 * time.Second},
		CategoryHistory:      {Limit: 6, Interval: 60 * time.Second},
	}
}
