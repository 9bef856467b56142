package services

import (
	"context"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/domain"
)

// RemoteClient 远端券商 API 的抽象，broker.Client 是唯一的生产实现。
// 服务层只依赖这个接口，测试里用假远端驱动完整的提单/对账路径。
type RemoteClient interface {
	PlaceOrder(ctx context.Context, typ domain.OrderType, req broker.OrderRequest) (*broker.RemoteOrder, error)
	CancelOrder(ctx context.Context, remoteID string) error
	GetOrder(ctx context.Context, remoteID string) (*broker.RemoteOrder, error)
	ListOrders(ctx context.Context) ([]broker.RemoteOrder, error)
	GetCash(ctx context.Context) (*broker.RemoteCash, error)
	GetPortfolio(ctx context.Context) ([]broker.RemotePosition, error)
	GetAccountInfo(ctx context.Context) (*broker.RemoteAccountInfo, error)
	GetInstruments(ctx context.Context) ([]broker.RemoteInstrument, error)
	HistoryOrders(ctx context.Context) ([]broker.RemoteHistoryOrder, error)
	HistoryDividends(ctx context.Context) ([]broker.RemoteDividend, error)
	HistoryTransactions(ctx context.Context) ([]broker.RemoteTransaction, error)
}

var _ RemoteClient = (*broker.Client)(nil)
