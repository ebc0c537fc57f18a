package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raze-trader/internal/execution"
	"raze-trader/internal/history"
	"raze-trader/internal/store"
	"raze-trader/internal/wallet"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []execution.DispatchRequest
	release chan struct{}
	result  execution.Result
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{result: execution.Result{Success: true}}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req execution.DispatchRequest) execution.Result {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	release := d.release
	res := d.result
	d.mu.Unlock()
	if release != nil {
		<-release
	}
	return res
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type staticWallets map[string]bool

func (s staticWallets) Usable(addresses []string) []wallet.Wallet {
	var out []wallet.Wallet
	for _, a := range addresses {
		if s[a] {
			out = append(out, wallet.Wallet{Address: a})
		}
	}
	return out
}

type recordingHistory struct {
	mu    sync.Mutex
	types []history.EventType
}

func (r *recordingHistory) Append(_ context.Context, typ history.EventType, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
}

func (r *recordingHistory) count(typ history.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	monitor    *Monitor
	dispatcher *fakeDispatcher
	history    *recordingHistory
}

func newFixture(t *testing.T, opts Options, wallets staticWallets, st Store) *fixture {
	t.Helper()
	f := &fixture{dispatcher: newFakeDispatcher(), history: &recordingHistory{}}
	f.monitor = NewMonitor(f.dispatcher, wallets, st, f.history, opts, nil)
	t.Cleanup(f.monitor.Close)
	return f
}

func buySpec(target float64) Spec {
	return Spec{
		TokenAddress:    "MINT",
		Side:            execution.OrderSideBuy,
		PriceMode:       PriceModeTokenPrice,
		TargetPrice:     target,
		Amount:          0.25,
		WalletAddresses: []string{"W1", "W2"},
	}
}

func TestMonitorTriggersOnceOnCrossing(t *testing.T) {
	f := newFixture(t, Options{}, staticWallets{"W1": true, "W2": true}, nil)
	ctx := context.Background()

	order, err := f.monitor.AddOrder(ctx, buySpec(0.01))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, order.Status)
	assert.NotEmpty(t, order.ID)

	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.015})
	assert.Equal(t, 0, f.dispatcher.count())

	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.009})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.005})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.008})
	f.monitor.Wait()

	require.Equal(t, 1, f.dispatcher.count())
	req := f.dispatcher.calls[0]
	assert.Equal(t, execution.OrderSideBuy, req.Intent.Side)
	assert.InDelta(t, 0.25, req.Intent.SolAmount, 1e-12)
	assert.Equal(t, order.ID, req.Intent.OrderID)
	assert.Len(t, req.Wallets, 2)

	got, err := f.monitor.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1, f.history.count(history.EventOrderTriggered))
	assert.Equal(t, 1, f.history.count(history.EventOrderCompleted))
}

func TestMonitorNoRetriggerWhileDispatchInFlight(t *testing.T) {
	f := newFixture(t, Options{}, staticWallets{"W1": true}, nil)
	f.dispatcher.release = make(chan struct{})

	order, err := f.monitor.AddOrder(context.Background(), buySpec(0.01))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.009})
	}
	require.Eventually(t, func() bool { return f.dispatcher.count() == 1 }, time.Second, 5*time.Millisecond)

	got, _ := f.monitor.Get(order.ID)
	assert.Equal(t, StatusTriggered, got.Status)
	assert.Nil(t, got.ResolvedAt)

	close(f.dispatcher.release)
	f.monitor.Wait()
	assert.Equal(t, 1, f.dispatcher.count())

	got, _ = f.monitor.Get(order.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMonitorSellOnMarketCap(t *testing.T) {
	f := newFixture(t, Options{}, staticWallets{"W1": true}, nil)
	order, err := f.monitor.AddOrder(context.Background(), Spec{
		TokenAddress:    "MINT",
		Side:            "SELL",
		PriceMode:       "market_cap",
		TargetPrice:     1_000_000,
		Amount:          50,
		WalletAddresses: []string{"W1"},
		Mode:            "all-in-one",
	})
	require.NoError(t, err)
	assert.Equal(t, PriceModeMarketCap, order.PriceMode)

	// unknown market cap never triggers, whatever the unit price says
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 99})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", MarketCap: 900_000})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "OTHER", MarketCap: 5_000_000})
	assert.Equal(t, 0, f.dispatcher.count())

	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", MarketCap: 1_000_000})
	f.monitor.Wait()

	require.Equal(t, 1, f.dispatcher.count())
	req := f.dispatcher.calls[0]
	assert.Equal(t, execution.OrderSideSell, req.Intent.Side)
	assert.InDelta(t, 50.0, req.Intent.Percentage, 1e-12)
	assert.Zero(t, req.Intent.SolAmount)
	assert.Equal(t, execution.ModeAllInOne, req.Mode)
}

func TestMonitorCapacity(t *testing.T) {
	f := newFixture(t, Options{MaxActive: 2}, staticWallets{}, nil)
	ctx := context.Background()

	first, err := f.monitor.AddOrder(ctx, buySpec(0.01))
	require.NoError(t, err)
	_, err = f.monitor.AddOrder(ctx, buySpec(0.02))
	require.NoError(t, err)

	_, err = f.monitor.AddOrder(ctx, buySpec(0.03))
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.Max)
	assert.Equal(t, 1, f.history.count(history.EventOrderRejected))

	require.NoError(t, f.monitor.CancelOrder(ctx, first.ID))
	_, err = f.monitor.AddOrder(ctx, buySpec(0.03))
	assert.NoError(t, err)
	assert.Len(t, f.monitor.Orders(), 3)
}

func TestMonitorCancel(t *testing.T) {
	f := newFixture(t, Options{}, staticWallets{"W1": true}, nil)
	ctx := context.Background()

	order, err := f.monitor.AddOrder(ctx, buySpec(0.01))
	require.NoError(t, err)

	require.NoError(t, f.monitor.CancelOrder(ctx, order.ID))
	assert.ErrorIs(t, f.monitor.CancelOrder(ctx, order.ID), ErrNotCancellable)
	assert.ErrorIs(t, f.monitor.CancelOrder(ctx, "missing"), ErrNotFound)

	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.001})
	f.monitor.Wait()
	assert.Equal(t, 0, f.dispatcher.count())

	got, _ := f.monitor.Get(order.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.ResolvedAt)
	assert.Empty(t, f.monitor.ActiveTokens())
}

func TestMonitorCancelAfterTrigger(t *testing.T) {
	f := newFixture(t, Options{}, staticWallets{"W1": true}, nil)
	f.dispatcher.release = make(chan struct{})
	ctx := context.Background()

	order, err := f.monitor.AddOrder(ctx, buySpec(0.01))
	require.NoError(t, err)
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.001})

	assert.ErrorIs(t, f.monitor.CancelOrder(ctx, order.ID), ErrNotCancellable)
	close(f.dispatcher.release)
	f.monitor.Wait()
}

func TestMonitorFailsWithoutUsableWallet(t *testing.T) {
	f := newFixture(t, Options{}, staticWallets{"OTHER": true}, nil)

	order, err := f.monitor.AddOrder(context.Background(), buySpec(0.01))
	require.NoError(t, err)

	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.005})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.004})
	f.monitor.Wait()

	assert.Equal(t, 0, f.dispatcher.count())
	got, _ := f.monitor.Get(order.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "no usable wallet")
	assert.Equal(t, 1, f.history.count(history.EventOrderFailed))
}

func TestMonitorRecordsDispatchFailure(t *testing.T) {
	f := newFixture(t, Options{}, staticWallets{"W1": true}, nil)
	f.dispatcher.result = execution.Result{Success: false, Error: "1 failed, 0 succeeded"}

	order, err := f.monitor.AddOrder(context.Background(), buySpec(0.01))
	require.NoError(t, err)
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.01})
	f.monitor.Wait()

	got, _ := f.monitor.Get(order.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "1 failed, 0 succeeded", got.Error)
	assert.NotNil(t, got.ResolvedAt)
}

func TestMonitorDebounceCoalesces(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond}, staticWallets{"W1": true}, nil)
	_, err := f.monitor.AddOrder(context.Background(), buySpec(0.01))
	require.NoError(t, err)

	// leading event is evaluated at once; the dip inside the window is
	// superseded by the later recovery
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.02})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.009})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.02})
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, f.dispatcher.count())

	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.02})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.009})
	require.Eventually(t, func() bool { return f.dispatcher.count() == 1 }, time.Second, 5*time.Millisecond)
	f.monitor.Wait()
}

func TestMonitorValidation(t *testing.T) {
	f := newFixture(t, Options{}, staticWallets{}, nil)

	_, err := f.monitor.AddOrder(context.Background(), Spec{
		Side:        "hold",
		PriceMode:   "volume",
		TargetPrice: -1,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"tokenAddress", "side", "priceMode", "targetPrice", "amount", "walletAddresses"} {
		assert.Contains(t, err.Error(), field)
	}

	spec := buySpec(0.01)
	spec.Side = execution.OrderSideSell
	spec.Amount = 150
	_, err = f.monitor.AddOrder(context.Background(), spec)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.Empty(t, f.monitor.Orders())
}

func TestMonitorCloseStopsEvaluation(t *testing.T) {
	f := newFixture(t, Options{Debounce: 20 * time.Millisecond}, staticWallets{"W1": true}, nil)
	_, err := f.monitor.AddOrder(context.Background(), buySpec(0.01))
	require.NoError(t, err)

	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.5})
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.001})
	f.monitor.Close()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 0, f.dispatcher.count())
	_, err = f.monitor.AddOrder(context.Background(), buySpec(0.01))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMonitorLoadRestoresOrders(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	orderStore, err := NewSQLiteStore(st)
	require.NoError(t, err)

	ctx := context.Background()
	first := newFixture(t, Options{}, staticWallets{"W1": true}, orderStore)
	active, err := first.monitor.AddOrder(ctx, buySpec(0.01))
	require.NoError(t, err)
	inflight, err := first.monitor.AddOrder(ctx, buySpec(0.02))
	require.NoError(t, err)

	// simulate a crash between trigger and result
	inflight.Status = StatusTriggered
	require.NoError(t, orderStore.Save(ctx, inflight))

	second := newFixture(t, Options{}, staticWallets{"W1": true}, orderStore)
	require.NoError(t, second.monitor.Load(ctx))

	restored := second.monitor.Orders()
	require.Len(t, restored, 2)
	byID := map[string]LimitOrder{restored[0].ID: restored[0], restored[1].ID: restored[1]}

	assert.Equal(t, StatusActive, byID[active.ID].Status)
	assert.Equal(t, []string{"W1", "W2"}, byID[active.ID].WalletAddresses)
	assert.Equal(t, StatusFailed, byID[inflight.ID].Status)
	assert.Contains(t, byID[inflight.ID].Error, "interrupted")
	assert.Equal(t, 1, second.history.count(history.EventOrderFailed))

	saved, err := orderStore.List(ctx)
	require.NoError(t, err)
	for _, o := range saved {
		if o.ID == inflight.ID {
			assert.Equal(t, StatusFailed, o.Status)
			assert.NotNil(t, o.ResolvedAt)
		}
	}
	assert.Equal(t, []string{"MINT"}, second.monitor.ActiveTokens())
}

func TestSpecNormalizeRejectsBadMode(t *testing.T) {
	spec := buySpec(0.01)
	spec.Mode = "turbo"
	_, err := spec.normalize()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "mode", verr.Field)
}

func TestMonitorNotifiesEveryTransition(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Status
	)
	opts := Options{OnTransition: func(o LimitOrder) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, o.Status)
	}}
	f := newFixture(t, opts, staticWallets{"W1": true}, nil)
	f.dispatcher.release = make(chan struct{})
	ctx := context.Background()

	filled, err := f.monitor.AddOrder(ctx, buySpec(0.01))
	require.NoError(t, err)
	f.monitor.OnPriceEvent(PriceUpdate{TokenAddress: "MINT", TokenPrice: 0.005})

	// Triggered is reported before the execution result arrives.
	mu.Lock()
	assert.Equal(t, []Status{StatusActive, StatusTriggered}, seen)
	mu.Unlock()
	assert.Empty(t, f.monitor.ActiveTokens())

	close(f.dispatcher.release)
	f.monitor.Wait()

	cancelled, err := f.monitor.AddOrder(ctx, buySpec(0.001))
	require.NoError(t, err)
	require.NoError(t, f.monitor.CancelOrder(ctx, cancelled.ID))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusActive, StatusTriggered, StatusCompleted, StatusActive, StatusCancelled}, seen)
	got, _ := f.monitor.Get(filled.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMonitorRejectsMarketCapWithoutInputs(t *testing.T) {
	ready := map[string]bool{"PRICED": true}
	opts := Options{MarketCapReady: func(token string) bool { return ready[token] }}
	f := newFixture(t, opts, staticWallets{"W1": true}, nil)
	ctx := context.Background()

	spec := Spec{
		TokenAddress:    "MINT",
		Side:            execution.OrderSideBuy,
		PriceMode:       PriceModeMarketCap,
		TargetPrice:     1_000_000,
		Amount:          0.1,
		WalletAddresses: []string{"W1"},
	}
	_, err := f.monitor.AddOrder(ctx, spec)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "priceMode", verr.Field)
	assert.Empty(t, f.monitor.Orders())
	assert.Equal(t, 1, f.history.count(history.EventOrderRejected))

	// token price orders do not depend on market cap inputs
	spec.PriceMode = PriceModeTokenPrice
	_, err = f.monitor.AddOrder(ctx, spec)
	require.NoError(t, err)

	spec.TokenAddress = "PRICED"
	spec.PriceMode = PriceModeMarketCap
	_, err = f.monitor.AddOrder(ctx, spec)
	require.NoError(t, err)
}
