package services

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/domain"
	"github.com/betbot/gobroker/internal/events"
	"github.com/betbot/gobroker/pkg/persistence"
)

func limitSpec(qty, price string) domain.OrderSpec {
	return domain.OrderSpec{
		Ticker:   "AAPL_US_EQ",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.RequireFromString(price),
	}
}

func remoteWorking(id int64, filled, value string, modified time.Time) broker.RemoteOrder {
	return broker.RemoteOrder{
		ID:             id,
		Ticker:         "AAPL_US_EQ",
		Quantity:       decimal.RequireFromString("10"),
		FilledQuantity: decimal.RequireFromString(filled),
		FilledValue:    decimal.RequireFromString(value),
		Status:         "WORKING",
		DateModified:   modified,
	}
}

func TestTracker_CreateAndBind(t *testing.T) {
	tr := NewOrderTracker(3)

	o := tr.Create(limitSpec("10", "187.25"))
	if o.ClientID == "" {
		t.Fatalf("clientID not assigned")
	}
	if o.Status != domain.OrderStatusPendingSubmit {
		t.Fatalf("new order status got=%s want=PENDING_SUBMIT", o.Status)
	}
	if o.TimeInForce != domain.TIFDay {
		t.Fatalf("empty TIF should default to DAY, got=%s", o.TimeInForce)
	}

	remote := remoteWorking(42, "0", "0", time.Now())
	cancelPending, err := tr.BindRemote(o.ClientID, &remote)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cancelPending {
		t.Fatalf("no cancel was requested")
	}

	got, err := tr.Get(o.ClientID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RemoteID != "42" || got.Status != domain.OrderStatusSubmitted {
		t.Fatalf("after bind: remoteID=%s status=%s", got.RemoteID, got.Status)
	}
}

func TestTracker_IdenticalSpecsGetDistinctIDs(t *testing.T) {
	tr := NewOrderTracker(3)

	first := tr.Create(limitSpec("10", "187.25"))
	second := tr.Create(limitSpec("10", "187.25"))
	if first.ClientID == second.ClientID {
		t.Fatalf("identical specs must not share a clientID: %s", first.ClientID)
	}
	if n := tr.ActiveCount(); n != 2 {
		t.Fatalf("expected 2 independent orders, got %d", n)
	}

	// 两条记录各自独立演进
	remote := remoteWorking(42, "0", "0", time.Now())
	if _, err := tr.BindRemote(first.ClientID, &remote); err != nil {
		t.Fatalf("bind first: %v", err)
	}
	other, err := tr.Get(second.ClientID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if other.Status != domain.OrderStatusPendingSubmit || other.RemoteID != "" {
		t.Fatalf("second order must be untouched: status=%s remoteID=%s", other.Status, other.RemoteID)
	}
}

func TestTracker_CancelBeforeRemoteID(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))

	remoteID, err := tr.RequestCancel(o.ClientID)
	if err != nil {
		t.Fatalf("cancel of PENDING_SUBMIT should be accepted: %v", err)
	}
	if remoteID != "" {
		t.Fatalf("no remote id should exist yet, got=%s", remoteID)
	}

	// 提交路径绑定远端后必须看到挂起的取消
	remote := remoteWorking(7, "0", "0", time.Now())
	cancelPending, err := tr.BindRemote(o.ClientID, &remote)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !cancelPending {
		t.Fatalf("pending cancel flag lost")
	}
}

func TestTracker_CancelInvalidState(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))
	tr.MarkRejected(o.ClientID, domain.ReasonRejectedByRemote)

	_, err := tr.RequestCancel(o.ClientID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if _, err := tr.RequestCancel("no-such-order"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestTracker_SnapshotFillProgression(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))

	t0 := time.Now()
	remote := remoteWorking(100, "0", "0", t0)
	if _, err := tr.BindRemote(o.ClientID, &remote); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// 部分成交
	evs := tr.ApplySnapshot([]broker.RemoteOrder{remoteWorking(100, "4", "749", t0.Add(time.Second))})
	var fill *events.OrderFillEvent
	var update *events.OrderUpdateEvent
	for _, ev := range evs {
		switch e := ev.(type) {
		case events.OrderFillEvent:
			fill = &e
		case events.OrderUpdateEvent:
			update = &e
		}
	}
	if fill == nil || fill.FillDelta != "4" {
		t.Fatalf("expected fill event with delta 4, got %+v", fill)
	}
	if update == nil || update.Order.Status != domain.OrderStatusPartiallyFilled {
		t.Fatalf("expected transition to PARTIALLY_FILLED, got %+v", update)
	}

	got, _ := tr.Get(o.ClientID)
	if !got.AvgFillPrice.Equal(decimal.RequireFromString("187.25")) {
		t.Fatalf("avg fill price got=%s want=187.25", got.AvgFillPrice)
	}

	// 完全成交
	full := remoteWorking(100, "10", "1872.5", t0.Add(2*time.Second))
	full.Status = "FILLED"
	evs = tr.ApplySnapshot([]broker.RemoteOrder{full})
	got, _ = tr.Get(o.ClientID)
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("status got=%s want=FILLED", got.Status)
	}
	if len(evs) == 0 {
		t.Fatalf("terminal transition must emit events")
	}
}

func TestTracker_StaleSnapshotDiscarded(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))

	t0 := time.Now()
	remote := remoteWorking(200, "0", "0", t0)
	if _, err := tr.BindRemote(o.ClientID, &remote); err != nil {
		t.Fatalf("bind: %v", err)
	}
	tr.ApplySnapshot([]broker.RemoteOrder{remoteWorking(200, "6", "1123.5", t0.Add(2 * time.Second))})

	// 远端时间戳更早的快照：丢弃，成交量不回退
	evs := tr.ApplySnapshot([]broker.RemoteOrder{remoteWorking(200, "2", "374.5", t0.Add(time.Second))})
	if len(evs) != 0 {
		t.Fatalf("stale snapshot must not emit events, got %d", len(evs))
	}
	got, _ := tr.Get(o.ClientID)
	if !got.FilledQuantity.Equal(decimal.RequireFromString("6")) {
		t.Fatalf("filled quantity regressed: %s", got.FilledQuantity)
	}

	// 相同时间戳、更低成交量：同样丢弃
	evs = tr.ApplySnapshot([]broker.RemoteOrder{remoteWorking(200, "5", "936.25", t0.Add(2 * time.Second))})
	if len(evs) != 0 {
		t.Fatalf("equal-time lower-fill snapshot must be discarded")
	}
}

func TestTracker_UnknownDemotion(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))
	remote := remoteWorking(300, "0", "0", time.Now())
	if _, err := tr.BindRemote(o.ClientID, &remote); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// 第一次缺席：进入 UNKNOWN
	evs := tr.ApplySnapshot(nil)
	if len(evs) != 1 {
		t.Fatalf("first miss should emit one update, got %d", len(evs))
	}
	got, _ := tr.Get(o.ClientID)
	if got.Status != domain.OrderStatusUnknown {
		t.Fatalf("status got=%s want=UNKNOWN", got.Status)
	}

	// 第二次缺席：仍在 UNKNOWN，不再重复发事件
	if evs = tr.ApplySnapshot(nil); len(evs) != 0 {
		t.Fatalf("second miss below threshold should be silent, got %d", len(evs))
	}

	// 第三次缺席：降级为带注释的 CANCELLED
	evs = tr.ApplySnapshot(nil)
	got, _ = tr.Get(o.ClientID)
	if got.Status != domain.OrderStatusCancelled || got.StatusReason != domain.ReasonUnknownDemoted {
		t.Fatalf("expected demotion to CANCELLED, got status=%s reason=%q", got.Status, got.StatusReason)
	}
	if len(evs) != 1 {
		t.Fatalf("demotion must emit an update event")
	}
}

func TestTracker_UnknownRecoveredBySnapshot(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))
	t0 := time.Now()
	remote := remoteWorking(400, "0", "0", t0)
	if _, err := tr.BindRemote(o.ClientID, &remote); err != nil {
		t.Fatalf("bind: %v", err)
	}

	tr.ApplySnapshot(nil) // UNKNOWN (1/3)
	tr.ApplySnapshot(nil) // UNKNOWN (2/3)

	// 快照重新出现：救回并清零缺席计数
	tr.ApplySnapshot([]broker.RemoteOrder{remoteWorking(400, "0", "0", t0.Add(time.Second))})
	got, _ := tr.Get(o.ClientID)
	if got.Status != domain.OrderStatusSubmitted {
		t.Fatalf("recovered status got=%s want=SUBMITTED", got.Status)
	}
	if got.UnknownPolls != 0 {
		t.Fatalf("unknown poll counter not reset: %d", got.UnknownPolls)
	}
}

func TestTracker_ExpiredMidFillPreservesFills(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))
	t0 := time.Now()
	remote := remoteWorking(500, "0", "0", t0)
	if _, err := tr.BindRemote(o.ClientID, &remote); err != nil {
		t.Fatalf("bind: %v", err)
	}
	tr.ApplySnapshot([]broker.RemoteOrder{remoteWorking(500, "3", "561.75", t0.Add(time.Second))})

	expired := remoteWorking(500, "3", "561.75", t0.Add(2*time.Second))
	expired.Status = "EXPIRED"
	tr.ApplySnapshot([]broker.RemoteOrder{expired})

	got, _ := tr.Get(o.ClientID)
	if got.Status != domain.OrderStatusExpired {
		t.Fatalf("status got=%s want=EXPIRED", got.Status)
	}
	if got.StatusReason != domain.ReasonExpiredMidFill {
		t.Fatalf("reason got=%q want mid-fill expiry note", got.StatusReason)
	}
	if !got.FilledQuantity.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("filled portion must be preserved, got=%s", got.FilledQuantity)
	}
}

func TestTracker_TerminalIsAbsorbing(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))
	t0 := time.Now()
	remote := remoteWorking(600, "0", "0", t0)
	if _, err := tr.BindRemote(o.ClientID, &remote); err != nil {
		t.Fatalf("bind: %v", err)
	}

	cancelled := remoteWorking(600, "0", "0", t0.Add(time.Second))
	cancelled.Status = "CANCELLED"
	tr.ApplySnapshot([]broker.RemoteOrder{cancelled})

	// 终态之后的任何快照都不再推进
	evs := tr.ApplySnapshot([]broker.RemoteOrder{remoteWorking(600, "5", "936.25", t0.Add(2 * time.Second))})
	if len(evs) != 0 {
		t.Fatalf("terminal order must ignore snapshots, got %d events", len(evs))
	}
	got, _ := tr.Get(o.ClientID)
	if got.Status != domain.OrderStatusCancelled {
		t.Fatalf("status got=%s want=CANCELLED", got.Status)
	}
}

func TestTracker_EvictAndArchive(t *testing.T) {
	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))
	tr.MarkRejected(o.ClientID, domain.ReasonRejectedByRemote)

	tr.EvictNotified(o.ClientID)
	if n := len(tr.List()); n != 0 {
		t.Fatalf("active set should be empty after evict, got %d", n)
	}

	// 归档仍可查询
	got, err := tr.Get(o.ClientID)
	if err != nil {
		t.Fatalf("archived order should remain queryable: %v", err)
	}
	if got.Status != domain.OrderStatusRejected {
		t.Fatalf("archived status got=%s", got.Status)
	}

	// 归档订单的取消报状态错误而非不存在
	if _, err := tr.RequestCancel(o.ClientID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel on archived order: expected ErrInvalidState, got %v", err)
	}
}

func TestTracker_SnapshotRoundTrip(t *testing.T) {
	store := persistence.NewJSONFileService(t.TempDir()).NewStore("orders", "tracker", "test")

	tr := NewOrderTracker(3)
	o := tr.Create(limitSpec("10", "187.25"))
	remote := remoteWorking(700, "0", "0", time.Now())
	if _, err := tr.BindRemote(o.ClientID, &remote); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := tr.SaveSnapshot(store); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := NewOrderTracker(3)
	if err := restored.LoadSnapshot(store); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := restored.Get(o.ClientID)
	if err != nil {
		t.Fatalf("restored order missing: %v", err)
	}
	if got.RemoteID != "700" || got.Status != domain.OrderStatusSubmitted {
		t.Fatalf("restored order state: remoteID=%s status=%s", got.RemoteID, got.Status)
	}

	// 空 store 恢复不报错
	empty := persistence.NewJSONFileService(t.TempDir()).NewStore("orders", "tracker", "empty")
	if err := NewOrderTracker(3).LoadSnapshot(empty); err != nil {
		t.Fatalf("empty load should be nil, got %v", err)
	}
}
