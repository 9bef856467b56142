package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/domain"
	"github.com/betbot/gobroker/internal/events"
	"github.com/betbot/gobroker/pkg/config"
)

// fakeRemote 可编排的假远端：测试里驱动完整的提交/对账路径
type fakeRemote struct {
	mu sync.Mutex

	placeErr    error
	placeResp   broker.RemoteOrder
	placeCalls  int
	placeBlock  chan struct{} // 非 nil 时 PlaceOrder 阻塞直到关闭
	cancelCalls []string
	cancelErr   error
	listResp    []broker.RemoteOrder
	cash        broker.RemoteCash
	positions   []broker.RemotePosition
	infoErr     error
}

func (f *fakeRemote) PlaceOrder(ctx context.Context, typ domain.OrderType, req broker.OrderRequest) (*broker.RemoteOrder, error) {
	f.mu.Lock()
	f.placeCalls++
	block := f.placeBlock
	err := f.placeErr
	resp := f.placeResp
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (f *fakeRemote) CancelOrder(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, remoteID)
	return f.cancelErr
}

func (f *fakeRemote) GetOrder(ctx context.Context, remoteID string) (*broker.RemoteOrder, error) {
	return nil, &broker.RemoteError{Status: 404, Message: "Order not found"}
}

func (f *fakeRemote) ListOrders(ctx context.Context) ([]broker.RemoteOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.RemoteOrder(nil), f.listResp...), nil
}

func (f *fakeRemote) GetCash(ctx context.Context) (*broker.RemoteCash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cash := f.cash
	return &cash, nil
}

func (f *fakeRemote) GetPortfolio(ctx context.Context) ([]broker.RemotePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.RemotePosition(nil), f.positions...), nil
}

func (f *fakeRemote) GetAccountInfo(ctx context.Context) (*broker.RemoteAccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &broker.RemoteAccountInfo{ID: 1001, CurrencyCode: "USD"}, nil
}

func (f *fakeRemote) GetInstruments(ctx context.Context) ([]broker.RemoteInstrument, error) {
	return []broker.RemoteInstrument{
		{
			Ticker:           "AAPL_US_EQ",
			Type:             "EQUITY",
			CurrencyCode:     "USD",
			MinTradeQuantity: decimal.RequireFromString("0.0001"),
			MaxOpenQuantity:  decimal.RequireFromString("10000"),
		},
	}, nil
}

func (f *fakeRemote) HistoryOrders(ctx context.Context) ([]broker.RemoteHistoryOrder, error) {
	return []broker.RemoteHistoryOrder{
		{
			Type:            "LIMIT",
			Ticker:          "AAPL_US_EQ",
			OrderedQuantity: decimal.NewFromInt(10),
			FilledQuantity:  decimal.NewFromInt(10),
			FillPrice:       decimal.RequireFromString("187.25"),
			Status:          "FILLED",
		},
	}, nil
}

func (f *fakeRemote) HistoryDividends(ctx context.Context) ([]broker.RemoteDividend, error) {
	return []broker.RemoteDividend{
		{Ticker: "AAPL_US_EQ", Amount: decimal.RequireFromString("2.40"), Type: "ORDINARY"},
	}, nil
}

func (f *fakeRemote) HistoryTransactions(ctx context.Context) ([]broker.RemoteTransaction, error) {
	return []broker.RemoteTransaction{
		{Type: "DEPOSIT", Amount: decimal.NewFromInt(1000), Reference: "ref-1"},
	}, nil
}

func (f *fakeRemote) setListResp(orders ...broker.RemoteOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listResp = orders
}

func (f *fakeRemote) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelCalls...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		APIKey:            "test-key",
		BaseHost:          config.PracticeHost,
		SnapshotDir:       t.TempDir(),
		BaseBackoffMillis: 1,
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestConnector(t *testing.T, fake *fakeRemote) *Connector {
	t.Helper()
	c := NewConnector(testConfig(t), fake)
	if err := c.refreshInstruments(context.Background()); err != nil {
		t.Fatalf("load instruments: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func buyLimit(qty, price string) domain.OrderSpec {
	return domain.OrderSpec{
		Ticker:   "AAPL_US_EQ",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.RequireFromString(price),
	}
}

func TestConnector_SubmitAndFillLifecycle(t *testing.T) {
	t0 := time.Now()
	fake := &fakeRemote{
		placeResp: broker.RemoteOrder{
			ID: 9001, Ticker: "AAPL_US_EQ",
			Quantity: decimal.RequireFromString("10"),
			Status:   "WORKING", DateModified: t0,
		},
	}
	c := newTestConnector(t, fake)
	ch := c.Subscribe(32)

	clientID, err := c.SubmitOrder(context.Background(), buyLimit("10", "187.25"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 提交是异步的：先看到 PENDING_SUBMIT，随后被远端受理
	o, err := c.GetOrder(clientID)
	if err != nil {
		t.Fatalf("get right after submit: %v", err)
	}
	if o.Status != domain.OrderStatusPendingSubmit && o.Status != domain.OrderStatusSubmitted {
		t.Fatalf("unexpected early status %s", o.Status)
	}

	waitFor(t, "remote acceptance", func() bool {
		o, err := c.GetOrder(clientID)
		return err == nil && o.Status == domain.OrderStatusSubmitted && o.RemoteID == "9001"
	})

	// 远端完全成交，通过订单轮询对账收敛
	fake.setListResp(broker.RemoteOrder{
		ID: 9001, Ticker: "AAPL_US_EQ",
		Quantity:       decimal.RequireFromString("10"),
		FilledQuantity: decimal.RequireFromString("10"),
		FilledValue:    decimal.RequireFromString("1872.5"),
		Status:         "FILLED",
		DateModified:   t0.Add(time.Second),
	})
	if err := c.pollOrders(context.Background()); err != nil {
		t.Fatalf("poll orders: %v", err)
	}

	got, err := c.GetOrder(clientID)
	if err != nil {
		t.Fatalf("get after fill: %v", err)
	}
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("status got=%s want=FILLED", got.Status)
	}
	// 均价以远端回报为准，不是委托价
	if !got.AvgFillPrice.Equal(decimal.RequireFromString("187.25")) {
		t.Fatalf("avg fill price got=%s", got.AvgFillPrice)
	}

	// 事件流里必须能看到成交事件
	waitFor(t, "fill event", func() bool {
		for {
			select {
			case ev := <-ch:
				if _, ok := ev.(events.OrderFillEvent); ok {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestConnector_LiveTradingGate(t *testing.T) {
	fake := &fakeRemote{}
	cfg := testConfig(t)
	cfg.BaseHost = config.LiveHost
	cfg.LiveTradingOptIn = false
	c := NewConnector(cfg, fake)

	_, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25"))
	if !errors.Is(err, ErrLiveTradingDisabled) {
		t.Fatalf("expected ErrLiveTradingDisabled, got %v", err)
	}
	if err := c.CancelOrder(context.Background(), "whatever"); !errors.Is(err, ErrLiveTradingDisabled) {
		t.Fatalf("cancel should hit the same gate, got %v", err)
	}
	// 闸门必须在任何网络调用之前
	if fake.placeCalls != 0 {
		t.Fatalf("remote must not be contacted, calls=%d", fake.placeCalls)
	}
}

func TestConnector_ValidationRejectsLocally(t *testing.T) {
	fake := &fakeRemote{}
	c := newTestConnector(t, fake)

	// 未知标的
	spec := buyLimit("1", "187.25")
	spec.Ticker = "NO_SUCH_EQ"
	if _, err := c.SubmitOrder(context.Background(), spec); !errors.Is(err, ErrUnknownTicker) {
		t.Fatalf("expected ErrUnknownTicker, got %v", err)
	}

	// 低于最小数量
	if _, err := c.SubmitOrder(context.Background(), buyLimit("0.00001", "187.25")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if fake.placeCalls != 0 {
		t.Fatalf("invalid orders must never reach the remote")
	}
}

func TestConnector_CancelBeforeRemoteAcceptance(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeRemote{
		placeBlock: block,
		placeResp: broker.RemoteOrder{
			ID: 7001, Ticker: "AAPL_US_EQ",
			Quantity: decimal.RequireFromString("5"),
			Status:   "WORKING", DateModified: time.Now(),
		},
	}
	c := newTestConnector(t, fake)

	clientID, err := c.SubmitOrder(context.Background(), buyLimit("5", "187.25"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 远端还没受理时取消：登记意图，不报错
	if err := c.CancelOrder(context.Background(), clientID); err != nil {
		t.Fatalf("early cancel should be accepted: %v", err)
	}
	if len(fake.cancelled()) != 0 {
		t.Fatalf("cancel must not reach remote before the order does")
	}

	// 放行提交：拿到远端 ID 后必须补发取消
	close(block)
	waitFor(t, "deferred cancel", func() bool {
		calls := fake.cancelled()
		return len(calls) == 1 && calls[0] == "7001"
	})
}

func TestConnector_CancelInvalidState(t *testing.T) {
	fake := &fakeRemote{
		placeErr: &broker.RemoteError{Status: 400, Message: "bad order"},
	}
	c := newTestConnector(t, fake)

	clientID, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "rejection", func() bool {
		o, err := c.GetOrder(clientID)
		return err == nil && o.Status == domain.OrderStatusRejected
	})

	if err := c.CancelOrder(context.Background(), clientID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(fake.cancelled()) != 0 {
		t.Fatalf("invalid cancel must never reach remote")
	}
}

func TestConnector_RealMoneyGateReason(t *testing.T) {
	fake := &fakeRemote{
		placeErr: &broker.RemoteError{Status: 400, Message: "Not available for real money accounts"},
	}
	c := newTestConnector(t, fake)

	clientID, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "gated rejection", func() bool {
		o, err := c.GetOrder(clientID)
		return err == nil && o.Status == domain.OrderStatusRejected &&
			o.StatusReason == domain.ReasonLiveTradingGate
	})
}

func TestConnector_LocallyTerminalOrderEvicted(t *testing.T) {
	fake := &fakeRemote{
		placeErr: &broker.RemoteError{Status: 400, Message: "Insufficient funds"},
	}
	c := newTestConnector(t, fake)

	clientID, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "local rejection", func() bool {
		o, err := c.GetOrder(clientID)
		return err == nil && o.Status == domain.OrderStatusRejected
	})

	// 没有远端 ID 的终态订单不经过对账路径，必须在通知后离开活跃集
	if n := len(c.ListOrders()); n != 0 {
		t.Fatalf("locally rejected order must leave the active set, got %d active", n)
	}
	if err := c.pollOrders(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n := len(c.ListOrders()); n != 0 {
		t.Fatalf("rejected order resurfaced after reconcile, got %d active", n)
	}

	// 归档里短期内仍可查询
	o, err := c.GetOrder(clientID)
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if o.StatusReason != domain.ReasonRejectedByRemote {
		t.Fatalf("unexpected reason: %s", o.StatusReason)
	}
}

func TestConnector_QueueOverflowReason(t *testing.T) {
	fake := &fakeRemote{
		placeResp: broker.RemoteOrder{
			ID: 6001, Quantity: decimal.RequireFromString("1"),
			Status: "WORKING", DateModified: time.Now(),
		},
	}
	cfg := testConfig(t)
	cfg.QueueBound = 1
	c := NewConnector(cfg, fake)
	if err := c.refreshInstruments(context.Background()); err != nil {
		t.Fatalf("instruments: %v", err)
	}

	// execute 配额 1/1s：第一单即时通过，第二单排队，第三单溢出
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	waitFor(t, "queue overflow rejection", func() bool {
		for _, id := range ids {
			o, err := c.GetOrder(id)
			if err == nil && o.Status == domain.OrderStatusRejected &&
				o.StatusReason == domain.ReasonQueueOverflow {
				return true
			}
		}
		return false
	})
}

func TestConnector_FatalHaltsSession(t *testing.T) {
	fake := &fakeRemote{
		placeErr: &broker.RemoteError{Status: 401, Message: "Bad API key"},
	}
	c := newTestConnector(t, fake)
	ch := c.Subscribe(8)

	if _, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "session halt", func() bool { return c.Halted() })

	// 停摆后拒绝一切新操作
	if _, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25")); !errors.Is(err, ErrSessionHalted) {
		t.Fatalf("expected ErrSessionHalted, got %v", err)
	}

	waitFor(t, "halt event", func() bool {
		select {
		case ev := <-ch:
			_, ok := ev.(events.SessionHaltEvent)
			return ok
		default:
			return false
		}
	})
}

func TestConnector_StopRejectsNewWork(t *testing.T) {
	fake := &fakeRemote{
		placeResp: broker.RemoteOrder{
			ID: 8001, Quantity: decimal.RequireFromString("1"),
			Status: "WORKING", DateModified: time.Now(),
		},
	}
	c := newTestConnector(t, fake)

	clientID, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	c.Stop()
	c.Stop() // 幂等

	if _, err := c.SubmitOrder(context.Background(), buyLimit("1", "187.25")); !errors.Is(err, ErrConnectorClosed) {
		t.Fatalf("expected ErrConnectorClosed, got %v", err)
	}

	// 停机前的在途提交已被放空，订单状态确定
	o, err := c.GetOrder(clientID)
	if err != nil {
		t.Fatalf("get after stop: %v", err)
	}
	if o.Status != domain.OrderStatusSubmitted {
		t.Fatalf("in-flight submit must drain before stop, status=%s", o.Status)
	}
}

func TestConnector_HistoryReads(t *testing.T) {
	fake := &fakeRemote{}
	c := newTestConnector(t, fake)
	defer c.Stop()

	orders, err := c.HistoryOrders(context.Background())
	if err != nil {
		t.Fatalf("history orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != "FILLED" {
		t.Fatalf("unexpected history orders: %+v", orders)
	}

	dividends, err := c.HistoryDividends(context.Background())
	if err != nil {
		t.Fatalf("history dividends: %v", err)
	}
	if len(dividends) != 1 || dividends[0].Ticker != "AAPL_US_EQ" {
		t.Fatalf("unexpected dividends: %+v", dividends)
	}

	txns, err := c.HistoryTransactions(context.Background())
	if err != nil {
		t.Fatalf("history transactions: %v", err)
	}
	if len(txns) != 1 || txns[0].Type != "DEPOSIT" {
		t.Fatalf("unexpected transactions: %+v", txns)
	}
}

func TestConnector_HistoryRejectedAfterStop(t *testing.T) {
	fake := &fakeRemote{}
	c := newTestConnector(t, fake)
	c.Stop()

	if _, err := c.HistoryOrders(context.Background()); !errors.Is(err, ErrConnectorClosed) {
		t.Fatalf("expected ErrConnectorClosed, got %v", err)
	}
}
