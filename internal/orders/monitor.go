package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raze-trader/internal/config"
	"raze-trader/internal/execution"
	"raze-trader/internal/history"
	"raze-trader/internal/metrics"
	"raze-trader/internal/wallet"
)

// WalletSource 返回订单钱包中当前可用的子集。
type WalletSource interface {
	Usable(addresses []string) []wallet.Wallet
}

// Options 控制订单上限与行情去抖。
type Options struct {
	MaxActive int
	Debounce  time.Duration

	// OnTransition 在订单新建或状态变化后调用，调用时不持有监控锁。
	OnTransition func(LimitOrder)
	// MarketCapReady 报告能否为代币推算市值；为空时不检查。
	MarketCapReady func(token string) bool
}

// OptionsFromConfig 读取 orders 配置段。
func OptionsFromConfig(cfg config.OrdersConfig) Options {
	return Options{MaxActive: cfg.MaxActive, Debounce: cfg.Debounce}
}

func (o Options) withDefaults() Options {
	if o.MaxActive <= 0 {
		o.MaxActive = 20
	}
	if o.Debounce < 0 {
		o.Debounce = 0
	}
	return o
}

// Monitor 持有全部限价单，按行情评估并在条件满足时最多触发一次执行。
type Monitor struct {
	dispatcher execution.Dispatcher
	wallets    WalletSource
	store      Store
	history    history.Recorder
	opts       Options
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	orders  map[string]*LimitOrder
	seq     []string
	pending map[string]PriceUpdate
	timer   *time.Timer
	closed  bool

	wg sync.WaitGroup
}

// NewMonitor 创建订单监控。store 与 recorder 可为空。
func NewMonitor(dispatcher execution.Dispatcher, wallets WalletSource, store Store, recorder history.Recorder, opts Options, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = nopStore{}
	}
	if recorder == nil {
		recorder = history.Nop{}
	}
	return &Monitor{
		dispatcher: dispatcher,
		wallets:    wallets,
		store:      store,
		history:    recorder,
		opts:       opts.withDefaults(),
		logger:     logger.Named("orders"),
		now:        time.Now,
		orders:     make(map[string]*LimitOrder),
		pending:    make(map[string]PriceUpdate),
	}
}

// Load 从持久化恢复订单。重启前已触发但未完成的订单标记为失败。
func (m *Monitor) Load(ctx context.Context) error {
	stored, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	var interrupted []LimitOrder
	m.mu.Lock()
	for i := range stored {
		o := stored[i]
		if _, ok := m.orders[o.ID]; ok {
			continue
		}
		if o.Status == StatusTriggered {
			ts := m.now().UTC()
			o.Status = StatusFailed
			o.ResolvedAt = &ts
			o.Error = "interrupted before execution result was recorded"
			interrupted = append(interrupted, o.clone())
		}
		m.orders[o.ID] = &o
		m.seq = append(m.seq, o.ID)
	}
	active := m.activeCountLocked()
	m.mu.Unlock()

	metrics.ActiveOrders.Set(float64(active))
	for _, o := range interrupted {
		m.persist(ctx, o)
		m.report(ctx, history.EventOrderFailed, o)
	}
	m.logger.Info("已恢复限价单", zap.Int("total", len(stored)), zap.Int("active", active), zap.Int("interrupted", len(interrupted)))
	return nil
}

// AddOrder 校验并登记新订单。
func (m *Monitor) AddOrder(ctx context.Context, spec Spec) (order LimitOrder, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orders: add order panic: %v", r)
			m.logger.Error("新增限价单异常", zap.Any("panic", r))
			m.history.Append(context.WithoutCancel(ctx), history.EventError, history.ErrorPayload{Message: "add order", Error: err.Error()})
		}
	}()

	spec, err = spec.normalize()
	if err == nil && spec.PriceMode == PriceModeMarketCap && m.opts.MarketCapReady != nil && !m.opts.MarketCapReady(spec.TokenAddress) {
		err = &ValidationError{Field: "priceMode", Reason: "market cap is unavailable for this token: quote price or token supply not configured"}
	}
	if err != nil {
		m.history.Append(ctx, history.EventOrderRejected, map[string]interface{}{"spec": spec, "error": err.Error()})
		return LimitOrder{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return LimitOrder{}, ErrClosed
	}
	if m.activeCountLocked() >= m.opts.MaxActive {
		m.mu.Unlock()
		capErr := &CapacityError{Max: m.opts.MaxActive}
		m.history.Append(ctx, history.EventOrderRejected, map[string]interface{}{"spec": spec, "error": capErr.Error()})
		return LimitOrder{}, capErr
	}
	o := &LimitOrder{
		ID:              uuid.NewString(),
		TokenAddress:    spec.TokenAddress,
		Side:            spec.Side,
		PriceMode:       spec.PriceMode,
		TargetPrice:     spec.TargetPrice,
		Amount:          spec.Amount,
		WalletAddresses: spec.WalletAddresses,
		Mode:            spec.Mode,
		Status:          StatusActive,
		CreatedAt:       m.now().UTC(),
	}
	m.orders[o.ID] = o
	m.seq = append(m.seq, o.ID)
	snapshot := o.clone()
	active := m.activeCountLocked()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		m.mu.Lock()
		delete(m.orders, snapshot.ID)
		m.seq = removeID(m.seq, snapshot.ID)
		m.mu.Unlock()
		return LimitOrder{}, err
	}

	metrics.ActiveOrders.Set(float64(active))
	metrics.IncOrderTransition(string(StatusActive))
	m.history.Append(ctx, history.EventOrderCreated, snapshot)
	m.logger.Info("新增限价单",
		zap.String("id", snapshot.ID),
		zap.String("token", snapshot.TokenAddress),
		zap.String("side", string(snapshot.Side)),
		zap.String("price_mode", string(snapshot.PriceMode)),
		zap.Float64("target", snapshot.TargetPrice),
	)
	m.notify(snapshot)
	return snapshot, nil
}

// CancelOrder 仅在 Active 状态下生效。
func (m *Monitor) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if o.Status != StatusActive {
		m.mu.Unlock()
		return ErrNotCancellable
	}
	ts := m.now().UTC()
	o.Status = StatusCancelled
	o.ResolvedAt = &ts
	snapshot := o.clone()
	active := m.activeCountLocked()
	m.mu.Unlock()

	metrics.ActiveOrders.Set(float64(active))
	m.persist(ctx, snapshot)
	m.report(ctx, history.EventOrderCancelled, snapshot)
	return nil
}

// Orders 按创建顺序返回全部订单快照。
func (m *Monitor) Orders() []LimitOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LimitOrder, 0, len(m.seq))
	for _, id := range m.seq {
		out = append(out, m.orders[id].clone())
	}
	return out
}

// Get returns a snapshot of one order.
func (m *Monitor) Get(id string) (LimitOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return LimitOrder{}, ErrNotFound
	}
	return o.clone(), nil
}

// ActiveTokens lists distinct tokens with at least one active order.
func (m *Monitor) ActiveTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range m.seq {
		o := m.orders[id]
		if o.Status != StatusActive {
			continue
		}
		if _, ok := seen[o.TokenAddress]; ok {
			continue
		}
		seen[o.TokenAddress] = struct{}{}
		out = append(out, o.TokenAddress)
	}
	return out
}

// OnPriceEvent 接收行情。静默期后的第一条立即评估，窗口内的后续行情按代币合并，
// 在窗口结束时以最新值评估一次。
func (m *Monitor) OnPriceEvent(u PriceUpdate) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.opts.Debounce <= 0 {
		fired := m.evaluateLocked(u)
		m.mu.Unlock()
		m.fire(fired)
		return
	}
	if m.timer != nil {
		m.pending[u.TokenAddress] = u
		m.mu.Unlock()
		return
	}
	m.timer = time.AfterFunc(m.opts.Debounce, m.flush)
	fired := m.evaluateLocked(u)
	m.mu.Unlock()
	m.fire(fired)
}

// flush evaluates the coalesced updates and keeps the window open while events keep coming.
func (m *Monitor) flush() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if len(m.pending) == 0 {
		m.timer = nil
		m.mu.Unlock()
		return
	}
	pending := m.pending
	m.pending = make(map[string]PriceUpdate)
	var fired []LimitOrder
	for _, u := range pending {
		fired = append(fired, m.evaluateLocked(u)...)
	}
	m.timer = time.AfterFunc(m.opts.Debounce, m.flush)
	m.mu.Unlock()
	m.fire(fired)
}

// evaluateLocked flips matching Active orders to Triggered. The flip is the only
// guard against a second trigger.
func (m *Monitor) evaluateLocked(u PriceUpdate) []LimitOrder {
	var fired []LimitOrder
	for _, id := range m.seq {
		o := m.orders[id]
		if o.Status != StatusActive || o.TokenAddress != u.TokenAddress {
			continue
		}
		if !o.shouldTrigger(u) {
			continue
		}
		o.Status = StatusTriggered
		fired = append(fired, o.clone())
		m.wg.Add(1)
	}
	if len(fired) > 0 {
		metrics.ActiveOrders.Set(float64(m.activeCountLocked()))
	}
	return fired
}

func (m *Monitor) fire(fired []LimitOrder) {
	for _, o := range fired {
		m.execute(o)
	}
}

// execute runs once per triggered order; wg was incremented by evaluateLocked.
func (m *Monitor) execute(o LimitOrder) {
	ctx := context.Background()
	m.persist(ctx, o)
	m.report(ctx, history.EventOrderTriggered, o)

	usable := m.wallets.Usable(o.WalletAddresses)
	if len(usable) == 0 {
		defer m.wg.Done()
		m.resolve(ctx, o.ID, false, fmt.Sprintf("no usable wallet among %d configured addresses", len(o.WalletAddresses)))
		return
	}

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("限价单执行异常", zap.String("id", o.ID), zap.Any("panic", r))
				m.resolve(ctx, o.ID, false, fmt.Sprintf("execution panic: %v", r))
			}
		}()

		res := m.dispatcher.Dispatch(ctx, execution.DispatchRequest{
			Wallets: usable,
			Intent:  o.intent(),
			Mode:    o.Mode,
		})
		m.resolve(ctx, o.ID, res.Success, res.Error)
	}()
}

// resolve moves a Triggered order to its terminal status exactly once.
func (m *Monitor) resolve(ctx context.Context, id string, ok bool, errMsg string) {
	m.mu.Lock()
	o, exists := m.orders[id]
	if !exists || o.Status != StatusTriggered {
		m.mu.Unlock()
		return
	}
	ts := m.now().UTC()
	o.ResolvedAt = &ts
	if ok {
		o.Status = StatusCompleted
		o.Error = ""
	} else {
		o.Status = StatusFailed
		o.Error = errMsg
	}
	snapshot := o.clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	if ok {
		m.report(ctx, history.EventOrderCompleted, snapshot)
	} else {
		m.report(ctx, history.EventOrderFailed, snapshot)
	}
}

func (m *Monitor) persist(ctx context.Context, o LimitOrder) {
	if err := m.store.Save(ctx, o); err != nil {
		m.logger.Warn("保存限价单失败", zap.String("id", o.ID), zap.Error(err))
	}
}

func (m *Monitor) report(ctx context.Context, typ history.EventType, o LimitOrder) {
	defer m.notify(o)
	metrics.IncOrderTransition(string(o.Status))
	m.history.Append(ctx, typ, o)

	fields := []zap.Field{
		zap.String("id", o.ID),
		zap.String("token", o.TokenAddress),
		zap.String("status", string(o.Status)),
	}
	if o.Status == StatusFailed {
		m.logger.Warn("限价单失败", append(fields, zap.String("error", o.Error))...)
		return
	}
	m.logger.Info("限价单状态变更", fields...)
}

// notify runs after every status report, including Triggered, so callers see
// an order leave Active before its execution finishes.
func (m *Monitor) notify(o LimitOrder) {
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(o)
	}
}

func (m *Monitor) activeCountLocked() int {
	n := 0
	for _, o := range m.orders {
		if o.Status == StatusActive {
			n++
		}
	}
	return n
}

// Wait blocks until every dispatched execution has resolved.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Close 停止去抖定时器并等待进行中的执行结束，已提交的交易不会被中止。
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = make(map[string]PriceUpdate)
	m.mu.Unlock()

	m.wg.Wait()
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
