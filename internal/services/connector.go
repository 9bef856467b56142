package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/domain"
	"github.com/betbot/gobroker/internal/events"
	"github.com/betbot/gobroker/internal/metrics"
	"github.com/betbot/gobroker/pkg/config"
	"github.com/betbot/gobroker/pkg/persistence"
	"github.com/betbot/gobroker/pkg/ratelimit"
)

var connLog = logrus.WithField("component", "connector")

// ErrSessionHalted 会话已因凭证失效停摆，拒绝一切新操作
var ErrSessionHalted = errors.New("session halted")

// ErrConnectorClosed 连接器已关闭
var ErrConnectorClosed = errors.New("connector closed")

// ErrLiveTradingDisabled 实盘主机未显式开闸，交易操作被拒绝
var ErrLiveTradingDisabled = errors.New("live trading not enabled")

// ErrUnknownTicker 本地元数据中不存在该标的
var ErrUnknownTicker = errors.New("unknown ticker")

// Connector 券商连接器门面
//
// 对外提供同步校验、异步提交的下单接口，内部靠轮询对账收敛状态。
// 所有远端调用都经过 Dispatcher（限流）和 Classifier（重试），
// 401 触发会话级停摆：停掉轮询、拒绝新操作、广播 SessionHaltEvent。
type Connector struct {
	cfg        *config.Config
	remote     RemoteClient
	dispatcher *Dispatcher
	classifier *Classifier
	tracker    *OrderTracker
	account    *AccountService
	marketData *MarketDataService
	scheduler  *Scheduler
	bus        *events.Bus
	store      persistence.Store

	instMu      sync.RWMutex
	instruments map[string]*domain.Instrument

	submitWG sync.WaitGroup
	halted   atomic.Bool
	closed   atomic.Bool
	haltOnce sync.Once
}

// NewConnector 组装连接器
// remote 传 broker.NewClient 的实例；测试注入假远端。
func NewConnector(cfg *config.Config, remote RemoteClient) *Connector {
	bus := events.NewBus()
	account := NewAccountService(remote, bus)
	spread, err := decimal.NewFromString(cfg.NominalSpread)
	if err != nil {
		spread = decimal.New(2, -2)
	}

	limits := ratelimit.NewManager(broker.DefaultBudgets(),
		ratelimit.WithQueueBound(cfg.QueueBound))

	c := &Connector{
		cfg:         cfg,
		remote:      remote,
		dispatcher:  NewDispatcher(limits),
		classifier:  NewClassifier(cfg.MaxRetries, cfg.BaseBackoff()),
		tracker:     NewOrderTracker(cfg.UnknownPollThreshold),
		account:     account,
		marketData:  NewMarketDataService(NewPortfolioPriceSource(account), bus, spread, cfg.StalenessWindow()),
		scheduler:   NewScheduler(),
		bus:         bus,
		instruments: make(map[string]*domain.Instrument),
	}
	if cfg.SnapshotDir != "" {
		c.store = persistence.NewJSONFileService(cfg.SnapshotDir).NewStore("orders", "tracker", "snapshot")
	}
	return c
}

// Subscribe 订阅连接器事件流
func (c *Connector) Subscribe(bufferSize int) <-chan interface{} {
	return c.bus.Subscribe(bufferSize)
}

// Start 凭证探针、快照恢复、元数据加载，然后启动轮询
func (c *Connector) Start(ctx context.Context) error {
	// 凭证探针：401 在这里就暴露，不等到首笔订单
	err := c.classifier.Execute(ctx, func(ctx context.Context) error {
		return c.dispatcher.Do(ctx, broker.CategoryAccountInfo, func(ctx context.Context) error {
			return c.account.RefreshInfo(ctx)
		})
	}, nil)
	if err != nil {
		if errors.Is(err, ErrSessionFatal) {
			c.halt("凭证探针返回 401")
		}
		return errors.Wrap(err, "凭证探针失败")
	}
	connLog.Infof("✅ [启动] 凭证有效, 账户币种=%s host=%s", c.account.Currency(), c.cfg.BaseHost)

	if c.store != nil {
		if err := c.tracker.LoadSnapshot(c.store); err != nil {
			connLog.Warnf("⚠️ [启动] 订单快照恢复失败: %v", err)
		}
	}

	if err := c.refreshInstruments(ctx); err != nil {
		connLog.Warnf("⚠️ [启动] 标的元数据加载失败，下单校验将拒绝未知标的: %v", err)
	}

	c.registerPolls()
	c.scheduler.Start(ctx)
	return nil
}

// Stop 有序停机：停轮询、放空在途提交、保存快照、关事件流
func (c *Connector) Stop() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	connLog.Info("🛑 [停机] 连接器关闭中")
	c.scheduler.Stop()
	c.submitWG.Wait()
	if c.store != nil {
		if err := c.tracker.SaveSnapshot(c.store); err != nil {
			connLog.Errorf("保存订单快照失败: %v", err)
		}
	}
	c.bus.Close()
	connLog.Info("🛑 [停机] 连接器已关闭")
}

// SubmitOrder 同步校验、异步提交
// 返回 clientID：校验失败立即报错，远端结果经事件流异步到达。
func (c *Connector) SubmitOrder(ctx context.Context, spec domain.OrderSpec) (string, error) {
	if err := c.gateTrading(); err != nil {
		return "", err
	}

	inst, ok := c.Instrument(spec.Ticker)
	if !ok {
		return "", errors.Wrapf(ErrUnknownTicker, "ticker=%s", spec.Ticker)
	}
	if err := spec.Validate(inst); err != nil {
		return "", err
	}

	order := c.tracker.Create(spec)
	connLog.Infof("📤 [下单] clientID=%s %s %s %s qty=%s", order.ClientID,
		order.Side, order.Type, order.Ticker, order.Quantity)

	c.submitWG.Add(1)
	go func() {
		defer c.submitWG.Done()
		c.submit(context.WithoutCancel(ctx), order.ClientID, spec)
	}()
	return order.ClientID, nil
}

// submit 提交 goroutine：限流派发 + 分类重试，终局写回订单表
func (c *Connector) submit(ctx context.Context, clientID string, spec domain.OrderSpec) {
	req := broker.OrderRequest{
		Ticker:       spec.Ticker,
		Quantity:     signedQuantity(spec),
		LimitPrice:   spec.Price,
		StopPrice:    spec.StopPrice,
		TimeValidity: string(spec.NormalizedTIF()),
	}

	var placed *broker.RemoteOrder
	err := c.classifier.Execute(ctx, func(ctx context.Context) error {
		return c.dispatcher.Do(ctx, broker.CategoryOrderExecute, func(ctx context.Context) error {
			var callErr error
			placed, callErr = c.remote.PlaceOrder(ctx, spec.Type, req)
			return callErr
		})
	}, func(int) {
		c.tracker.IncrementRetry(clientID)
	})

	if err != nil {
		c.finishRejected(clientID, err)
		return
	}

	cancelPending, err := c.tracker.BindRemote(clientID, placed)
	if err != nil {
		connLog.Errorf("绑定远端订单失败: clientID=%s err=%v", clientID, err)
		return
	}
	c.publishUpdate(clientID, domain.OrderStatusPendingSubmit)

	// 远端 ID 分配前收到的取消请求在这里补发
	if cancelPending {
		connLog.Infof("🔄 [撤单] 补发挂起的取消: clientID=%s remoteID=%s", clientID, placed.RemoteIDString())
		c.dispatchCancel(ctx, clientID, placed.RemoteIDString())
	}
}

// finishRejected 提交失败的终局处理
func (c *Connector) finishRejected(clientID string, err error) {
	reason := domain.ReasonRejectedByRemote
	switch {
	case errors.Is(err, ErrSessionFatal):
		c.halt("下单返回 401")
	case errors.Is(err, ErrRetriesExhausted):
		reason = domain.ReasonExhaustedRetries
	case errors.Is(err, ratelimit.ErrQueueFull):
		reason = domain.ReasonQueueOverflow
	default:
		if re, ok := broker.AsRemoteError(err); ok && re.IsRealMoneyGate() {
			reason = domain.ReasonLiveTradingGate
		}
	}
	connLog.Warnf("⚠️ [下单] 提交失败: clientID=%s reason=%s err=%v", clientID, reason, err)
	c.tracker.MarkRejected(clientID, reason)
	c.publishUpdate(clientID, domain.OrderStatusPendingSubmit)
	// 本地终结的订单走不到对账驱逐，这里通知后立即驱逐
	c.tracker.EvictNotified(clientID)
}

// CancelOrder 登记取消意图
// 状态校验同步完成；不可取消的状态立即报错且不触碰远端。
func (c *Connector) CancelOrder(ctx context.Context, clientID string) error {
	if err := c.gateTrading(); err != nil {
		return err
	}

	remoteID, err := c.tracker.RequestCancel(clientID)
	if err != nil {
		return err
	}
	if remoteID == "" {
		// 远端 ID 还没回来，提交路径负责补发
		connLog.Infof("⏳ [撤单] 订单尚未被远端受理，取消已登记: clientID=%s", clientID)
		return nil
	}

	c.submitWG.Add(1)
	go func() {
		defer c.submitWG.Done()
		c.dispatchCancel(context.WithoutCancel(ctx), clientID, remoteID)
	}()
	return nil
}

// dispatchCancel 发送撤单请求
// 404 视为订单已在远端终结，交给下一轮对账收敛，不算失败。
func (c *Connector) dispatchCancel(ctx context.Context, clientID, remoteID string) {
	err := c.classifier.Execute(ctx, func(ctx context.Context) error {
		return c.dispatcher.Do(ctx, broker.CategoryOrderCancel, func(ctx context.Context) error {
			return c.remote.CancelOrder(ctx, remoteID)
		})
	}, nil)
	if err == nil {
		return
	}
	if errors.Is(err, ErrSessionFatal) {
		c.halt("撤单返回 401")
		return
	}
	if re, ok := broker.AsRemoteError(err); ok && re.IsOrderNotFound() {
		connLog.Infof("🔄 [撤单] 远端已无此订单，等待对账收敛: clientID=%s remoteID=%s", clientID, remoteID)
		return
	}
	connLog.Warnf("⚠️ [撤单] 取消请求失败: clientID=%s remoteID=%s err=%v", clientID, remoteID, err)
}

// GetOrder 查询订单（含短期终态归档）
func (c *Connector) GetOrder(clientID string) (*domain.Order, error) {
	return c.tracker.Get(clientID)
}

// ListOrders 本地订单表的活跃集
func (c *Connector) ListOrders() []*domain.Order {
	return c.tracker.List()
}

// Balance 当前资金快照
func (c *Connector) Balance() domain.Balance {
	return c.account.Balance()
}

// Positions 当前持仓快照
func (c *Connector) Positions() []domain.Position {
	return c.account.Positions()
}

// Position 按 ticker 查询持仓
func (c *Connector) Position(ticker string) (domain.Position, bool) {
	return c.account.Position(ticker)
}

// SubscribeTicker 订阅标的的合成行情
func (c *Connector) SubscribeTicker(ticker string) {
	c.marketData.Subscribe(ticker)
}

// LastTick 最近合成行情
func (c *Connector) LastTick(ticker string) (domain.Tick, bool) {
	return c.marketData.LastTick(ticker)
}

// Instrument 标的元数据
func (c *Connector) Instrument(ticker string) (*domain.Instrument, bool) {
	c.instMu.RLock()
	defer c.instMu.RUnlock()
	inst, ok := c.instruments[ticker]
	return inst, ok
}

// HistoryOrders 历史订单（只读，history 共享配额）
func (c *Connector) HistoryOrders(ctx context.Context) ([]broker.RemoteHistoryOrder, error) {
	var items []broker.RemoteHistoryOrder
	err := c.readHistory(ctx, func(ctx context.Context) error {
		var callErr error
		items, callErr = c.remote.HistoryOrders(ctx)
		return callErr
	})
	return items, err
}

// HistoryDividends 分红记录（只读，history 共享配额）
func (c *Connector) HistoryDividends(ctx context.Context) ([]broker.RemoteDividend, error) {
	var items []broker.RemoteDividend
	err := c.readHistory(ctx, func(ctx context.Context) error {
		var callErr error
		items, callErr = c.remote.HistoryDividends(ctx)
		return callErr
	})
	return items, err
}

// HistoryTransactions 资金流水（只读，history 共享配额）
func (c *Connector) HistoryTransactions(ctx context.Context) ([]broker.RemoteTransaction, error) {
	var items []broker.RemoteTransaction
	err := c.readHistory(ctx, func(ctx context.Context) error {
		var callErr error
		items, callErr = c.remote.HistoryTransactions(ctx)
		return callErr
	})
	return items, err
}

// readHistory 历史接口的统一入口：三个端点共用同一配额桶
func (c *Connector) readHistory(ctx context.Context, call func(context.Context) error) error {
	if c.closed.Load() {
		return ErrConnectorClosed
	}
	if c.halted.Load() {
		return ErrSessionHalted
	}
	return c.classifier.Execute(ctx, func(ctx context.Context) error {
		return c.dispatcher.Do(ctx, broker.CategoryHistory, call)
	}, nil)
}

// Halted 会话是否已停摆
func (c *Connector) Halted() bool {
	return c.halted.Load()
}

// gateTrading 交易操作的统一闸门
func (c *Connector) gateTrading() error {
	if c.closed.Load() {
		return ErrConnectorClosed
	}
	if c.halted.Load() {
		return ErrSessionHalted
	}
	// 实盘主机必须显式开闸，且在任何网络调用之前拦截
	if c.cfg.IsLiveHost() && !c.cfg.LiveTradingOptIn {
		return ErrLiveTradingDisabled
	}
	return nil
}

// halt 会话级停摆：幂等，只广播一次
func (c *Connector) halt(reason string) {
	c.haltOnce.Do(func() {
		c.halted.Store(true)
		connLog.Errorf("🛑 [停摆] 会话停摆: %s", reason)
		c.bus.Publish(events.SessionHaltEvent{Reason: reason})
	})
}

// refreshInstruments 加载标的元数据（metadata 类别，低频）
func (c *Connector) refreshInstruments(ctx context.Context) error {
	var remotes []broker.RemoteInstrument
	err := c.classifier.Execute(ctx, func(ctx context.Context) error {
		return c.dispatcher.Do(ctx, broker.CategoryMetadata, func(ctx context.Context) error {
			var callErr error
			remotes, callErr = c.remote.GetInstruments(ctx)
			return callErr
		})
	}, nil)
	if err != nil {
		return err
	}

	next := make(map[string]*domain.Instrument, len(remotes))
	for _, r := range remotes {
		next[r.Ticker] = r.ToDomain()
	}
	c.instMu.Lock()
	c.instruments = next
	c.instMu.Unlock()
	connLog.Infof("📋 [元数据] 加载 %d 个标的", len(next))
	return nil
}

// metadataRefreshInterval 标的元数据的刷新周期，远低于 metadata 配额上限
const metadataRefreshInterval = 30 * time.Minute

// registerPolls 注册轮询任务
func (c *Connector) registerPolls() {
	c.scheduler.Register(PollTask{
		Name:     "orders",
		Interval: c.cfg.OrderPollInterval(),
		Run:      c.pollOrders,
	})
	c.scheduler.Register(PollTask{
		Name:     "balance",
		Interval: c.cfg.AccountPollInterval(),
		Run: func(ctx context.Context) error {
			return c.pollGuarded(ctx, broker.CategoryAccountCash, c.account.RefreshBalance)
		},
	})
	c.scheduler.Register(PollTask{
		Name:     "positions",
		Interval: c.cfg.PositionPollInterval(),
		Run: func(ctx context.Context) error {
			return c.pollGuarded(ctx, broker.CategoryPortfolio, c.account.RefreshPositions)
		},
	})
	c.scheduler.Register(PollTask{
		Name:     "metadata",
		Interval: metadataRefreshInterval,
		Run: func(ctx context.Context) error {
			if c.halted.Load() {
				return nil
			}
			return c.refreshInstruments(ctx)
		},
	})
	c.scheduler.Register(PollTask{
		Name:     "prices",
		Interval: c.cfg.PricePollInterval(),
		Jitter:   c.cfg.PriceJitter(),
		Run: func(ctx context.Context) error {
			c.marketData.Poll(ctx)
			return nil
		},
	})
}

// pollOrders 订单对账轮询：拉远端列表、合并、发事件、驱逐终态
func (c *Connector) pollOrders(ctx context.Context) error {
	if c.halted.Load() {
		return nil
	}
	var remotes []broker.RemoteOrder
	err := c.classifier.Execute(ctx, func(ctx context.Context) error {
		return c.dispatcher.Do(ctx, broker.CategoryOrderList, func(ctx context.Context) error {
			var callErr error
			remotes, callErr = c.remote.ListOrders(ctx)
			return callErr
		})
	}, nil)
	if err != nil {
		if errors.Is(err, ErrSessionFatal) {
			c.halt("订单轮询返回 401")
			return nil
		}
		metrics.ReconcileErrors.Add(1)
		return err
	}

	for _, ev := range c.tracker.ApplySnapshot(remotes) {
		c.bus.Publish(ev)
		// 终态事件已进入通知路径，可以安全驱逐
		if up, ok := ev.(events.OrderUpdateEvent); ok && up.Order.Status.IsTerminal() {
			c.tracker.EvictNotified(up.Order.ClientID)
		}
	}
	return nil
}

// pollGuarded 账户类轮询的公共包装（限流 + 重试 + 停摆检查）
func (c *Connector) pollGuarded(ctx context.Context, category string, refresh func(context.Context) error) error {
	if c.halted.Load() {
		return nil
	}
	err := c.classifier.Execute(ctx, func(ctx context.Context) error {
		return c.dispatcher.Do(ctx, category, func(ctx context.Context) error {
			return refresh(ctx)
		})
	}, nil)
	if errors.Is(err, ErrSessionFatal) {
		c.halt("账户轮询返回 401")
		return nil
	}
	return err
}

// publishUpdate 按当前订单状态发布更新事件
func (c *Connector) publishUpdate(clientID string, prev domain.OrderStatus) {
	o, err := c.tracker.Get(clientID)
	if err != nil {
		return
	}
	c.bus.Publish(events.OrderUpdateEvent{
		Order:     o,
		Previous:  prev,
		Timestamp: time.Now(),
	})
}

// signedQuantity 远端用带符号数量表达方向：买正卖负
func signedQuantity(spec domain.OrderSpec) decimal.Decimal {
	if spec.Side == domain.SideSell {
		return spec.Quantity.Neg()
	}
	return spec.Quantity
}
