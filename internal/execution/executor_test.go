package execution

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raze-trader/internal/backend"
	"raze-trader/internal/bundle"
	"raze-trader/internal/history"
	"raze-trader/internal/solana"
	"raze-trader/internal/wallet"
)

func makeWallets(t *testing.T, n int) []wallet.Wallet {
	t.Helper()
	out := make([]wallet.Wallet, n)
	for i := range out {
		seed := sha256.Sum256([]byte(fmt.Sprintf("wallet-%d", i)))
		kp, err := solana.NewKeypairFromSeed(seed[:])
		require.NoError(t, err)
		out[i] = wallet.Wallet{Address: kp.PublicKey().String(), PrivateKey: kp.SecretBase58()}
	}
	return out
}

// txFor 构造一笔只需 addr 签名的交易。
func txFor(addr string) string {
	pk, err := solana.ParsePublicKey(addr)
	if err != nil {
		panic(err)
	}
	return solana.UnsignedTransaction([]solana.PublicKey{pk}, nil, [32]byte{9}, true).Base58()
}

func signerOf(chunk bundle.SignedBundle) string {
	tx, err := solana.DecodeTransaction(chunk[0])
	if err != nil {
		return ""
	}
	return tx.RequiredSigners()[0].String()
}

type mockPreparer struct {
	mu       sync.Mutex
	requests []backend.PrepRequest
	fail     map[string]error
	panicMsg string
}

func (m *mockPreparer) Prepare(_ context.Context, req backend.PrepRequest) ([]bundle.Bundle, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	b := make(bundle.Bundle, 0, len(req.Wallets))
	for _, w := range req.Wallets {
		if err, ok := m.fail[w.Address]; ok {
			return nil, err
		}
		b = append(b, txFor(w.Address))
	}
	return []bundle.Bundle{b}, nil
}

func (m *mockPreparer) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type submission struct {
	chunk bundle.SignedBundle
	at    time.Time
}

type mockSubmitter struct {
	mu     sync.Mutex
	calls  []submission
	failOn map[string]bool
}

func (m *mockSubmitter) Submit(_ context.Context, chunk bundle.SignedBundle) (backend.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, submission{chunk: chunk, at: time.Now()})
	for _, tx := range chunk {
		parsed, err := solana.DecodeTransaction(tx)
		if err != nil {
			return backend.SubmitResult{}, err
		}
		if m.failOn[parsed.RequiredSigners()[0].String()] {
			return backend.SubmitResult{}, fmt.Errorf("%w: bundle dropped", backend.ErrRejected)
		}
	}
	return backend.SubmitResult{Result: fmt.Sprintf("bundle-%d", len(m.calls))}, nil
}

func (m *mockSubmitter) sizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.calls))
	for i, c := range m.calls {
		out[i] = len(c.chunk)
	}
	return out
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.waits++
	l.mu.Unlock()
	return ctx.Err()
}

type recordingHistory struct {
	mu     sync.Mutex
	events []history.EventType
}

func (r *recordingHistory) Append(_ context.Context, typ history.EventType, _ interface{}) {
	r.mu.Lock()
	r.events = append(r.events, typ)
	r.mu.Unlock()
}

type fixture struct {
	prep    *mockPreparer
	submit  *mockSubmitter
	limiter *countingLimiter
	hist    *recordingHistory
	exec    *Executor
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		prep:    &mockPreparer{fail: map[string]error{}},
		submit:  &mockSubmitter{failOn: map[string]bool{}},
		limiter: &countingLimiter{},
		hist:    &recordingHistory{},
	}
	f.exec = NewExecutor(f.prep, f.submit, nil, f.limiter, f.hist, opts, nil)
	return f
}

func buyIntent() Intent {
	return Intent{Side: OrderSideBuy, TokenAddress: "Mint1111", SolAmount: 0.1}
}

func TestExecute_SingleContinuesAfterFailure(t *testing.T) {
	wallets := makeWallets(t, 3)
	f := newFixture(Options{SingleDelay: time.Millisecond})
	f.prep.fail[wallets[1].Address] = errors.New("rpc unavailable")

	res := f.exec.Execute(context.Background(), wallets, buyIntent(), ModeSingle)

	assert.True(t, res.Success)
	assert.Equal(t, "1 failed, 2 succeeded", res.Error)
	assert.Equal(t, 2, res.Payload.Succeeded)
	assert.Equal(t, 1, res.Payload.Failed)
	require.Len(t, res.Payload.Units, 3)
	assert.False(t, res.Payload.Units[1].Success)

	var prepErr *PrepServiceError
	assert.ErrorAs(t, res.Err(), &prepErr)

	assert.Equal(t, 3, f.prep.calls())
	for i, req := range f.prep.requests {
		require.Len(t, req.Wallets, 1)
		assert.Equal(t, wallets[i].Address, req.Wallets[0].Address, "wallets processed in order")
	}
	require.Len(t, f.submit.calls, 2)
	assert.Equal(t, wallets[0].Address, signerOf(f.submit.calls[0].chunk))
	assert.Equal(t, wallets[2].Address, signerOf(f.submit.calls[1].chunk))
	assert.Equal(t, 2, f.limiter.waits)
	assert.Equal(t, []history.EventType{history.EventExecution}, f.hist.events)
}

func TestExecute_BatchSubmitsRemainingChunksOfFailedGroup(t *testing.T) {
	wallets := makeWallets(t, 12)
	f := newFixture(Options{BatchSize: 5, MaxTxPerBundle: 3})
	// 第一组的第一个分块失败，第二个分块仍需提交。
	f.submit.failOn[wallets[0].Address] = true

	res := f.exec.Execute(context.Background(), wallets, buyIntent(), ModeBatch)

	assert.True(t, res.Success)
	assert.Equal(t, "1 failed, 2 succeeded", res.Error)
	require.Len(t, res.Payload.Units, 3)
	assert.False(t, res.Payload.Units[0].Success)
	assert.Equal(t, 2, res.Payload.Units[0].Chunks)
	assert.True(t, res.Payload.Units[1].Success)
	assert.True(t, res.Payload.Units[2].Success)

	assert.Equal(t, 3, f.prep.calls())
	assert.Equal(t, []int{3, 2, 3, 2, 2}, f.submit.sizes())
	assert.Equal(t, 5, f.limiter.waits)

	var subErr *SubmissionError
	require.ErrorAs(t, res.Err(), &subErr)
	assert.ErrorIs(t, res.Err(), backend.ErrRejected)
}

func TestExecute_AllInOneIsolatesChunkFailures(t *testing.T) {
	wallets := makeWallets(t, 12)
	stagger := 20 * time.Millisecond
	f := newFixture(Options{MaxTxPerBundle: 5, StaggerIncrement: stagger})
	f.submit.failOn[wallets[5].Address] = true

	start := time.Now()
	res := f.exec.Execute(context.Background(), wallets, buyIntent(), ModeAllInOne)

	assert.True(t, res.Success)
	assert.Equal(t, "1 failed, 2 succeeded", res.Error)
	assert.Equal(t, 1, f.prep.calls(), "one prep request for the whole wallet set")
	require.Len(t, f.prep.requests[0].Wallets, 12)

	require.Len(t, res.Payload.Units, 3)
	assert.True(t, res.Payload.Units[0].Success)
	assert.False(t, res.Payload.Units[1].Success)
	assert.True(t, res.Payload.Units[2].Success)
	assert.Equal(t, 3, f.limiter.waits)

	sizes := f.submit.sizes()
	assert.ElementsMatch(t, []int{5, 5, 2}, sizes)
	// 第 i 个分块至少在 i×stagger 之后提交。
	for _, call := range f.submit.calls {
		idx := map[string]int{wallets[0].Address: 0, wallets[5].Address: 1, wallets[10].Address: 2}[signerOf(call.chunk)]
		assert.GreaterOrEqual(t, call.at.Sub(start), time.Duration(idx)*stagger)
	}
}

func TestExecute_AllFailed(t *testing.T) {
	wallets := makeWallets(t, 3)
	f := newFixture(Options{})
	for _, w := range wallets {
		f.submit.failOn[w.Address] = true
	}

	res := f.exec.Execute(context.Background(), wallets, buyIntent(), ModeSingle)
	assert.False(t, res.Success)
	assert.Equal(t, "3 failed, 0 succeeded", res.Error)
	assert.Len(t, res.Errors(), 3)
}

func TestExecute_AllSucceededHasNoError(t *testing.T) {
	wallets := makeWallets(t, 4)
	f := newFixture(Options{BatchSize: 2})

	res := f.exec.Execute(context.Background(), wallets, buyIntent(), ModeBatch)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.NoError(t, res.Err())
	assert.Len(t, res.Payload.Results, 2)
}

func TestExecute_ValidationHappensBeforeNetwork(t *testing.T) {
	wallets := makeWallets(t, 2)

	tests := []struct {
		name    string
		wallets []wallet.Wallet
		intent  Intent
		mode    Mode
		field   string
	}{
		{name: "no wallets", intent: buyIntent(), mode: ModeSingle, field: "wallets"},
		{name: "unknown mode", wallets: wallets, intent: buyIntent(), mode: "turbo", field: "mode"},
		{name: "missing token", wallets: wallets, intent: Intent{Side: OrderSideBuy, SolAmount: 1}, mode: ModeBatch, field: "tokenAddress"},
		{name: "zero buy", wallets: wallets, intent: Intent{Side: OrderSideBuy, TokenAddress: "M"}, mode: ModeBatch, field: "solAmount"},
		{name: "both sell amounts", wallets: wallets, intent: Intent{Side: OrderSideSell, TokenAddress: "M", TokensAmount: 10, Percentage: 50}, mode: ModeBatch, field: "amount"},
		{name: "no sell amount", wallets: wallets, intent: Intent{Side: OrderSideSell, TokenAddress: "M"}, mode: ModeBatch, field: "amount"},
		{name: "percentage over 100", wallets: wallets, intent: Intent{Side: OrderSideSell, TokenAddress: "M", Percentage: 150}, mode: ModeBatch, field: "percentage"},
		{name: "unknown side", wallets: wallets, intent: Intent{Side: "hold", TokenAddress: "M"}, mode: ModeBatch, field: "side"},
		{name: "bad key", wallets: []wallet.Wallet{{Address: "x", PrivateKey: "bad"}}, intent: buyIntent(), mode: ModeBatch, field: "wallets"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Options{})
			res := f.exec.Execute(context.Background(), tt.wallets, tt.intent, tt.mode)

			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
			var vErr *ValidationError
			require.ErrorAs(t, res.Err(), &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.True(t, IsValidation(res.Err()))
			assert.Zero(t, f.prep.calls())
			assert.Empty(t, f.submit.calls)
		})
	}
}

func TestExecute_SigningErrorWhenNoSignerMatches(t *testing.T) {
	wallets := makeWallets(t, 1)
	outsider := makeWallets(t, 2)[1]

	f := newFixture(Options{})
	f.exec.prep = preparerFunc(func(context.Context, backend.PrepRequest) ([]bundle.Bundle, error) {
		return []bundle.Bundle{{txFor(outsider.Address)}}, nil
	})

	res := f.exec.Execute(context.Background(), wallets, buyIntent(), ModeSingle)
	assert.False(t, res.Success)
	assert.Equal(t, "1 failed, 0 succeeded", res.Error)
	var signErr *SigningError
	assert.ErrorAs(t, res.Err(), &signErr)
	assert.ErrorIs(t, res.Err(), bundle.ErrNothingSigned)
	assert.Empty(t, f.submit.calls)
}

func TestExecute_RecoversPanic(t *testing.T) {
	wallets := makeWallets(t, 2)
	f := newFixture(Options{})
	f.prep.panicMsg = "boom"

	res := f.exec.Execute(context.Background(), wallets, buyIntent(), ModeAllInOne)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "execution panic: boom")
	assert.Equal(t, []history.EventType{history.EventExecution}, f.hist.events)
}

func TestExecute_CancelledDuringDelayFailsRemainingUnits(t *testing.T) {
	wallets := makeWallets(t, 3)
	f := newFixture(Options{SingleDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := f.exec.Execute(ctx, wallets, buyIntent(), ModeSingle)

	assert.True(t, res.Success)
	assert.Equal(t, "2 failed, 1 succeeded", res.Error)
	assert.ErrorIs(t, res.Err(), context.DeadlineExceeded)
}

func TestDispatch_UsesDefaultMode(t *testing.T) {
	wallets := makeWallets(t, 3)
	f := newFixture(Options{DefaultMode: ModeAllInOne})

	res := f.exec.Dispatch(context.Background(), DispatchRequest{Wallets: wallets, Intent: buyIntent()})
	assert.True(t, res.Success)
	assert.Equal(t, ModeAllInOne, res.Payload.Mode)
	assert.Equal(t, 1, f.prep.calls())
}

func TestExecute_AppliesDefaults(t *testing.T) {
	wallets := makeWallets(t, 1)
	f := newFixture(Options{SlippageBps: 250, FeeSol: 0.002})

	f.exec.Execute(context.Background(), wallets, buyIntent(), ModeSingle)
	require.Equal(t, 1, f.prep.calls())
	assert.Equal(t, 250, f.prep.requests[0].SlippageBps)
	assert.Equal(t, 0.002, f.prep.requests[0].FeeSol)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"single": ModeSingle, "Batch": ModeBatch, "all-in-one": ModeAllInOne, "allInOne": ModeAllInOne} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("fast")
	assert.True(t, IsValidation(err))
}

type preparerFunc func(context.Context, backend.PrepRequest) ([]bundle.Bundle, error)

func (f preparerFunc) Prepare(ctx context.Context, req backend.PrepRequest) ([]bundle.Bundle, error) {
	return f(ctx, req)
}
