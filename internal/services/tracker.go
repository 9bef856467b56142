package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/domain"
	"github.com/betbot/gobroker/internal/events"
	"github.com/betbot/gobroker/internal/metrics"
	"github.com/betbot/gobroker/pkg/persistence"
)

var trackerLog = logrus.WithField("component", "order_tracker")

// ErrOrderNotFound 本地订单表中不存在该 clientID
var ErrOrderNotFound = errors.New("order not found")

// ErrInvalidState 当前状态不允许该操作（例如对终态订单撤单）
var ErrInvalidState = errors.New("invalid order state")

// 终态归档保留条数（供 GetOrder 在驱逐后短期内仍可查询）
const terminalArchiveCap = 256

// OrderTracker 订单生命周期跟踪器
//
// 每个订单一台状态机：本地意图（提交/撤单）与远端快照在这里合并。
// 全部变更在同一把互斥锁下进行，用户动作和轮询对账不会把同一笔
// 订单写成不一致的状态。
//
// 合并规则：
//   - 远端回报的字段（状态、成交量、均价）按 last-writer-wins 合并，
//     但 FilledQuantity 永不回退——更低的回报视为乱序的过期快照，
//     告警后丢弃；
//   - 两次轮询对同一订单冲突时，远端时间戳晚者胜；时间戳相同则
//     成交量高者胜；
//   - 已提交的订单连续 K 次不在远端列表中，先进 UNKNOWN 诊断态，
//     到阈值后降级为带注释的 CANCELLED，绝不静默丢弃。
//
// DAY 订单成交中途过期的行为远端没有完整定义，这里采取保守策略：
// 剩余数量冻结为 EXPIRED，已成交部分与均价原样保留。
type OrderTracker struct {
	mu       sync.Mutex
	orders   map[string]*domain.Order // clientID -> order（活跃集）
	remoteIx map[string]string        // remoteID -> clientID
	archive  map[string]*domain.Order // 已驱逐终态订单（有界）
	archiveQ []string                 // 归档驱逐顺序

	unknownThreshold int // 连续 UNKNOWN 降级阈值 K
}

// NewOrderTracker 创建订单跟踪器
func NewOrderTracker(unknownThreshold int) *OrderTracker {
	if unknownThreshold < 1 {
		unknownThreshold = 3
	}
	return &OrderTracker{
		orders:           make(map[string]*domain.Order),
		remoteIx:         make(map[string]string),
		archive:          make(map[string]*domain.Order),
		unknownThreshold: unknownThreshold,
	}
}

// Create 同步创建 PENDING_SUBMIT 订单记录
// 在远端确认之前就分配 clientID，快速的重复调用也能靠 clientID 区分。
// 相同参数提交两次就是两笔订单；去重是调用方的责任，不在这里静默合并。
func (t *OrderTracker) Create(spec domain.OrderSpec) *domain.Order {
	now := time.Now()
	o := &domain.Order{
		ClientID:    uuid.NewString(),
		Ticker:      spec.Ticker,
		Side:        spec.Side,
		Type:        spec.Type,
		Quantity:    spec.Quantity,
		Price:       spec.Price,
		StopPrice:   spec.StopPrice,
		TimeInForce: spec.NormalizedTIF(),
		Status:      domain.OrderStatusPendingSubmit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.mu.Lock()
	t.orders[o.ClientID] = o
	t.mu.Unlock()
	return o.Clone()
}

// BindRemote 远端受理后绑定远端 ID 并推进到 SUBMITTED
// 远端 ID 一旦绑定不再改变。返回是否存在待处理的取消请求。
func (t *OrderTracker) BindRemote(clientID string, remote *broker.RemoteOrder) (cancelPending bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[clientID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.RemoteID == "" {
		o.RemoteID = remote.RemoteIDString()
		t.remoteIx[o.RemoteID] = clientID
	}
	if o.Status == domain.OrderStatusPendingSubmit {
		o.Status = domain.OrderStatusSubmitted
	}
	o.RemoteTime = remote.DateModified
	o.UpdatedAt = time.Now()
	return o.CancelRequested, nil
}

// MarkRejected 订单进入 REJECTED 终态（携带可区分的原因字符串）
func (t *OrderTracker) MarkRejected(clientID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[clientID]
	if !ok || o.Status.IsTerminal() {
		return
	}
	o.Status = domain.OrderStatusRejected
	o.StatusReason = reason
	o.UpdatedAt = time.Now()
}

// IncrementRetry 重试计数加一（分类器回调）
func (t *OrderTracker) IncrementRetry(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.orders[clientID]; ok {
		o.RetryCount++
	}
}

// RequestCancel 校验并登记取消意图
// 返回远端 ID；为空表示订单尚未被远端受理，取消意图已登记，
// 提交路径拿到远端 ID 后负责补发。
func (t *OrderTracker) RequestCancel(clientID string) (remoteID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[clientID]
	if !ok {
		// 已归档的终态订单：报"状态不可取消"而不是"不存在"
		if a, hit := t.archive[clientID]; hit {
			return "", errors.Wrapf(ErrInvalidState, "status=%s", a.Status)
		}
		return "", ErrOrderNotFound
	}
	if !o.CanCancel() {
		return "", errors.Wrapf(ErrInvalidState, "status=%s", o.Status)
	}
	o.CancelRequested = true
	o.UpdatedAt = time.Now()
	return o.RemoteID, nil
}

// Get 按 clientID 查询（活跃集优先，其次终态归档）
func (t *OrderTracker) Get(clientID string) (*domain.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.orders[clientID]; ok {
		return o.Clone(), nil
	}
	if o, ok := t.archive[clientID]; ok {
		return o.Clone(), nil
	}
	return nil, ErrOrderNotFound
}

// List 返回活跃集全部订单的拷贝
func (t *OrderTracker) List() []*domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.Order, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, o.Clone())
	}
	return out
}

// ActiveCount 未到终态的订单数
func (t *OrderTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, o := range t.orders {
		if o.IsActive() {
			n++
		}
	}
	return n
}

// ApplySnapshot 把一次 order-list 轮询的远端快照合并进本地订单表
// 返回需要发布的事件（变化才有事件，"无变化"不发）。
func (t *OrderTracker) ApplySnapshot(remotes []broker.RemoteOrder) []interface{} {
	metrics.ReconcileRuns.Add(1)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []interface{}
	seen := make(map[string]bool, len(remotes))

	for i := range remotes {
		r := &remotes[i]
		rid := r.RemoteIDString()
		clientID, ok := t.remoteIx[rid]
		if !ok {
			// 本连接器不认识的远端订单（其他终端下的单），不纳管
			continue
		}
		seen[clientID] = true
		o := t.orders[clientID]
		if o == nil {
			continue
		}
		out = append(out, t.mergeLocked(o, r, now)...)
	}

	// 远端列表里缺席的本地订单走 UNKNOWN 路径
	for clientID, o := range t.orders {
		if seen[clientID] || o.RemoteID == "" || o.Status.IsTerminal() {
			continue
		}
		out = append(out, t.missingLocked(o, now)...)
	}

	return out
}

// mergeLocked 单笔订单的快照合并（调用方持锁）
func (t *OrderTracker) mergeLocked(o *domain.Order, r *broker.RemoteOrder, now time.Time) []interface{} {
	if o.Status.IsTerminal() {
		// 终态是吸收态，任何快照都不再推进
		return nil
	}

	// 快照在列表里出现，清零 UNKNOWN 计数
	o.UnknownPolls = 0

	// 冲突仲裁：远端时间戳更早的快照直接丢弃；
	// 时间戳相同时只接受成交量不低于当前值的快照
	if !r.DateModified.IsZero() && !o.RemoteTime.IsZero() {
		if r.DateModified.Before(o.RemoteTime) {
			trackerLog.Warnf("⚠️ [对账] 丢弃乱序快照: clientID=%s remoteTime=%v < localRemoteTime=%v",
				o.ClientID, r.DateModified, o.RemoteTime)
			return nil
		}
		if r.DateModified.Equal(o.RemoteTime) && r.AbsFilledQuantity().LessThan(o.FilledQuantity) {
			return nil
		}
	}

	var out []interface{}
	prev := o.Status

	// 成交量单调不减：更低的回报是过期快照
	rf := r.AbsFilledQuantity()
	if rf.LessThan(o.FilledQuantity) {
		trackerLog.Warnf("⚠️ [对账] 远端回报成交量回退，按过期快照丢弃: clientID=%s local=%s remote=%s",
			o.ClientID, o.FilledQuantity, rf)
		return nil
	}
	if rf.GreaterThan(o.FilledQuantity) {
		delta := rf.Sub(o.FilledQuantity)
		o.FilledQuantity = rf
		o.AvgFillPrice = r.AvgFillPrice()
		out = append(out, events.OrderFillEvent{
			Order:        o.Clone(),
			FillDelta:    delta.String(),
			AvgFillPrice: o.AvgFillPrice.String(),
			Timestamp:    now,
		})
	}

	next := r.MappedStatus()
	if next == domain.OrderStatusExpired && o.FilledQuantity.IsPositive() && o.FilledQuantity.LessThan(o.Quantity) {
		// DAY 订单成交中途过期：冻结剩余数量，保留已成交部分
		o.StatusReason = domain.ReasonExpiredMidFill
	}
	if next == domain.OrderStatusRejected {
		o.StatusReason = domain.ReasonRejectedByRemote
	}
	if next != o.Status && o.Status.CanTransitionTo(next) {
		o.Status = next
	}

	if !r.DateModified.IsZero() {
		o.RemoteTime = r.DateModified
	}
	o.UpdatedAt = now

	if o.Status != prev {
		out = append(out, events.OrderUpdateEvent{
			Order:     o.Clone(),
			Previous:  prev,
			Timestamp: now,
		})
	}
	return out
}

// missingLocked 处理远端列表缺席的已提交订单（调用方持锁）
func (t *OrderTracker) missingLocked(o *domain.Order, now time.Time) []interface{} {
	prev := o.Status
	o.UnknownPolls++
	o.UpdatedAt = now

	if o.UnknownPolls < t.unknownThreshold {
		if o.Status != domain.OrderStatusUnknown && o.Status.CanTransitionTo(domain.OrderStatusUnknown) {
			o.Status = domain.OrderStatusUnknown
			trackerLog.Warnf("⚠️ [对账] 订单未出现在远端列表 (%d/%d): clientID=%s remoteID=%s",
				o.UnknownPolls, t.unknownThreshold, o.ClientID, o.RemoteID)
			return []interface{}{events.OrderUpdateEvent{Order: o.Clone(), Previous: prev, Timestamp: now}}
		}
		return nil
	}

	// 连续 K 次缺席：降级为带注释的 CANCELLED
	o.Status = domain.OrderStatusCancelled
	o.StatusReason = domain.ReasonUnknownDemoted
	trackerLog.Warnf("⚠️ [对账] 订单连续 %d 次缺席，降级为 CANCELLED: clientID=%s remoteID=%s",
		o.UnknownPolls, o.ClientID, o.RemoteID)
	return []interface{}{events.OrderUpdateEvent{Order: o.Clone(), Previous: prev, Timestamp: now}}
}

// EvictNotified 终态订单经消费方通知路径观察过一次后，从活跃集驱逐
// 订单进入有界归档，短期内 GetOrder 仍可命中。
func (t *OrderTracker) EvictNotified(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[clientID]
	if !ok || !o.Status.IsTerminal() {
		return
	}
	delete(t.orders, clientID)
	if o.RemoteID != "" {
		delete(t.remoteIx, o.RemoteID)
	}

	t.archive[clientID] = o
	t.archiveQ = append(t.archiveQ, clientID)
	for len(t.archiveQ) > terminalArchiveCap {
		old := t.archiveQ[0]
		t.archiveQ = t.archiveQ[1:]
		delete(t.archive, old)
	}
}

// trackerSnapshot 快照文件结构
type trackerSnapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	Orders  []*domain.Order `json:"orders"`
}

// SaveSnapshot 保存活跃订单表（停机时调用）
func (t *OrderTracker) SaveSnapshot(store persistence.Store) error {
	t.mu.Lock()
	snap := trackerSnapshot{SavedAt: time.Now()}
	for _, o := range t.orders {
		snap.Orders = append(snap.Orders, o.Clone())
	}
	t.mu.Unlock()

	if err := store.Save(snap); err != nil {
		return err
	}
	metrics.SnapshotSaves.Add(1)
	return nil
}

// LoadSnapshot 重启后恢复订单表
// 恢复的在途订单会在首次轮询时走正常对账；远端已经不认识的
// 订单自然落入 UNKNOWN 降级路径，不会永远悬着。
func (t *OrderTracker) LoadSnapshot(store persistence.Store) error {
	var snap trackerSnapshot
	if err := store.Load(&snap); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil
		}
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range snap.Orders {
		if o == nil || o.ClientID == "" {
			continue
		}
		t.orders[o.ClientID] = o
		if o.RemoteID != "" {
			t.remoteIx[o.RemoteID] = o.ClientID
		}
	}
	metrics.SnapshotLoads.Add(1)
	trackerLog.Infof("📥 [恢复] 从快照恢复 %d 笔订单", len(snap.Orders))
	return nil
}
