package services

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/domain"
	"github.com/betbot/gobroker/internal/events"
)

var accountLog = logrus.WithField("component", "account")

// AccountService 账户资金与持仓对账
//
// 远端每次都返回完整快照，这里做整表替换：不尝试增量合并，
// 本地不出现远端已平掉的仓位。变化检测只用于决定要不要发事件。
type AccountService struct {
	remote RemoteClient
	bus    *events.Bus

	mu        sync.RWMutex
	balance   domain.Balance
	positions map[string]domain.Position // ticker -> position
	info      *broker.RemoteAccountInfo
}

// NewAccountService 创建账户服务
func NewAccountService(remote RemoteClient, bus *events.Bus) *AccountService {
	return &AccountService{
		remote:    remote,
		bus:       bus,
		positions: make(map[string]domain.Position),
	}
}

// RefreshBalance 拉取资金快照并整表替换
func (s *AccountService) RefreshBalance(ctx context.Context) error {
	cash, err := s.remote.GetCash(ctx)
	if err != nil {
		return err
	}

	next := domain.Balance{
		Free:      cash.Free,
		Blocked:   cash.Blocked,
		Total:     cash.Total,
		UpdatedAt: time.Now(),
	}
	if !next.Consistent() {
		accountLog.Warnf("⚠️ [资金] 远端快照不自洽: free=%s blocked=%s total=%s",
			next.Free, next.Blocked, next.Total)
	}

	s.mu.Lock()
	changed := !s.balance.Free.Equal(next.Free) ||
		!s.balance.Blocked.Equal(next.Blocked) ||
		!s.balance.Total.Equal(next.Total)
	next.Currency = s.balance.Currency
	s.balance = next
	s.mu.Unlock()

	if changed && s.bus != nil {
		s.bus.Publish(events.BalanceUpdateEvent{Balance: next, Changed: true})
	}
	return nil
}

// RefreshPositions 拉取持仓快照并整表替换
func (s *AccountService) RefreshPositions(ctx context.Context) error {
	remotes, err := s.remote.GetPortfolio(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	next := make(map[string]domain.Position, len(remotes))
	for _, r := range remotes {
		p := domain.Position{
			Ticker:       r.Ticker,
			Quantity:     r.Quantity,
			AvgCost:      r.AveragePrice,
			CurrentPrice: r.CurrentPrice,
			MarketValue:  r.Quantity.Mul(r.CurrentPrice),
			UpdatedAt:    now,
		}
		next[p.Ticker] = p
	}

	s.mu.Lock()
	changed := positionsDiffer(s.positions, next)
	s.positions = next
	s.mu.Unlock()

	if changed && s.bus != nil {
		list := make([]domain.Position, 0, len(next))
		for _, p := range next {
			list = append(list, p)
		}
		s.bus.Publish(events.PositionUpdateEvent{Positions: list, Changed: true})
	}
	return nil
}

// RefreshInfo 拉取账户元信息（币种、账户 ID），低频
func (s *AccountService) RefreshInfo(ctx context.Context) error {
	info, err := s.remote.GetAccountInfo(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.info = info
	s.balance.Currency = info.CurrencyCode
	s.mu.Unlock()
	return nil
}

// Balance 返回当前资金快照的拷贝
func (s *AccountService) Balance() domain.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

// Position 按 ticker 查询持仓；不存在返回零值持仓
func (s *AccountService) Position(ticker string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[ticker]
	return p, ok
}

// Positions 返回全部持仓的拷贝
func (s *AccountService) Positions() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// Currency 账户计价币种；元信息尚未拉到时为空串
func (s *AccountService) Currency() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance.Currency
}

// AvailableFor 判断可用资金是否足以覆盖给定名义金额
func (s *AccountService) AvailableFor(notional decimal.Decimal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance.Free.GreaterThanOrEqual(notional)
}

func positionsDiffer(a, b map[string]domain.Position) bool {
	if len(a) != len(b) {
		return true
	}
	for ticker, pa := range a {
		pb, ok := b[ticker]
		if !ok {
			return true
		}
		if !pa.Quantity.Equal(pb.Quantity) || !pa.AvgCost.Equal(pb.AvgCost) ||
			!pa.CurrentPrice.Equal(pb.CurrentPrice) {
			return true
		}
	}
	return false
}
