package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"raze-trader/internal/backend"
	"raze-trader/internal/bundle"
	"raze-trader/internal/config"
	"raze-trader/internal/history"
	"raze-trader/internal/metrics"
	"raze-trader/internal/solana"
	"raze-trader/internal/wallet"
)

// Preparer builds unsigned bundles for a wallet set.
type Preparer interface {
	Prepare(ctx context.Context, req backend.PrepRequest) ([]bundle.Bundle, error)
}

// Submitter sends one signed bundle.
type Submitter interface {
	Submit(ctx context.Context, signed bundle.SignedBundle) (backend.SubmitResult, error)
}

// Limiter delays submissions to stay within the global budget.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Options 控制下单默认值与节奏。
type Options struct {
	DefaultMode      Mode
	SlippageBps      int
	FeeSol           float64
	BatchSize        int
	BatchDelay       time.Duration
	SingleDelay      time.Duration
	StaggerIncrement time.Duration
	MaxTxPerBundle   int
}

// OptionsFromConfig 从配置构造执行参数。
func OptionsFromConfig(trading config.TradingConfig, exec config.ExecutionConfig) Options {
	mode, err := ParseMode(trading.DefaultMode)
	if err != nil {
		mode = ModeBatch
	}
	return Options{
		DefaultMode:      mode,
		SlippageBps:      trading.SlippageBps,
		FeeSol:           trading.FeeSol,
		BatchSize:        exec.BatchSize,
		BatchDelay:       exec.BatchDelay,
		SingleDelay:      exec.SingleDelay,
		StaggerIncrement: exec.StaggerIncrement,
		MaxTxPerBundle:   exec.MaxTxPerBundle,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultMode == "" {
		o.DefaultMode = ModeBatch
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.MaxTxPerBundle <= 0 {
		o.MaxTxPerBundle = 5
	}
	return o
}

// Executor 将交易意图转化为签名并提交的 bundle。
type Executor struct {
	prep     Preparer
	submit   Submitter
	signer   *bundle.Signer
	limiter  Limiter
	recorder history.Recorder
	opts     Options
	logger   *zap.Logger
}

// NewExecutor 创建执行器。limiter 必须是进程内唯一的共享实例。
func NewExecutor(prep Preparer, submit Submitter, signer *bundle.Signer, limiter Limiter, recorder history.Recorder, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if signer == nil {
		signer = bundle.NewSigner(logger)
	}
	if recorder == nil {
		recorder = history.Nop{}
	}
	return &Executor{
		prep:     prep,
		submit:   submit,
		signer:   signer,
		limiter:  limiter,
		recorder: recorder,
		opts:     opts.withDefaults(),
		logger:   logger.Named("execution"),
	}
}

// DefaultMode 返回配置的默认模式。
func (e *Executor) DefaultMode() Mode {
	return e.opts.DefaultMode
}

// Execute 按指定模式执行交易意图，返回聚合结果。不会返回 panic。
func (e *Executor) Execute(ctx context.Context, wallets []wallet.Wallet, intent Intent, mode Mode) (result Result) {
	started := time.Now().UTC()
	logger := e.logger.With(
		zap.String("mode", string(mode)),
		zap.String("side", string(intent.Side)),
		zap.String("token", intent.TokenAddress),
		zap.Int("wallets", len(wallets)),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("执行过程中发生 panic", zap.Any("panic", r), zap.Stack("stack"))
			cause := fmt.Errorf("execution panic: %v", r)
			result = Result{
				Success: false,
				Payload: Payload{Mode: mode, Side: intent.Side, TokenAddress: intent.TokenAddress, StartedAt: started},
				Error:   cause.Error(),
				cause:   cause,
			}
		}
		result.Payload.Duration = time.Since(started).String()
		e.recorder.Append(context.WithoutCancel(ctx), history.EventExecution, executionRecord{Intent: intent, Result: result})
	}()

	intent = e.applyDefaults(intent)
	keypairs, err := e.validate(wallets, intent, mode)
	if err != nil {
		logger.Warn("执行请求校验失败", zap.Error(err))
		return Result{
			Success: false,
			Payload: Payload{Mode: mode, Side: intent.Side, TokenAddress: intent.TokenAddress, StartedAt: started},
			Error:   err.Error(),
			cause:   err,
		}
	}

	var units []Unit
	switch mode {
	case ModeSingle:
		units = e.runSequential(ctx, wallets, keypairs, intent, mode, 1, e.opts.SingleDelay)
	case ModeBatch:
		units = e.runSequential(ctx, wallets, keypairs, intent, mode, e.opts.BatchSize, e.opts.BatchDelay)
	case ModeAllInOne:
		units = e.runAllInOne(ctx, wallets, keypairs, intent)
	}

	result = aggregate(mode, intent, units, started)
	if result.Error != "" {
		logger.Warn("执行完成但存在失败单元", zap.String("summary", result.Error), zap.Error(result.cause))
	} else {
		logger.Info("执行完成", zap.Int("units", len(units)))
	}
	return result
}

func (e *Executor) applyDefaults(intent Intent) Intent {
	if intent.SlippageBps <= 0 {
		intent.SlippageBps = e.opts.SlippageBps
	}
	if intent.FeeSol <= 0 {
		intent.FeeSol = e.opts.FeeSol
	}
	return intent
}

func (e *Executor) validate(wallets []wallet.Wallet, intent Intent, mode Mode) ([]solana.Keypair, error) {
	switch mode {
	case ModeSingle, ModeBatch, ModeAllInOne:
	default:
		return nil, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	if len(wallets) == 0 {
		return nil, &ValidationError{Field: "wallets", Reason: "no wallets selected"}
	}
	if intent.TokenAddress == "" {
		return nil, &ValidationError{Field: "tokenAddress", Reason: "required"}
	}
	switch intent.Side {
	case OrderSideBuy:
		if intent.SolAmount <= 0 {
			return nil, &ValidationError{Field: "solAmount", Reason: "must be positive"}
		}
	case OrderSideSell:
		hasTokens := intent.TokensAmount > 0
		hasPct := intent.Percentage > 0
		switch {
		case intent.TokensAmount < 0 || intent.Percentage < 0:
			return nil, &ValidationError{Field: "amount", Reason: "must not be negative"}
		case hasTokens && hasPct:
			return nil, &ValidationError{Field: "amount", Reason: "tokensAmount and percentage are mutually exclusive"}
		case !hasTokens && !hasPct:
			return nil, &ValidationError{Field: "amount", Reason: "tokensAmount or percentage is required"}
		case intent.Percentage > 100:
			return nil, &ValidationError{Field: "percentage", Reason: "must be within (0,100]"}
		}
	default:
		return nil, &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", intent.Side)}
	}
	if intent.SlippageBps < 0 || intent.SlippageBps > 10000 {
		return nil, &ValidationError{Field: "slippageBps", Reason: "must be within [0,10000]"}
	}

	keypairs, err := wallet.Keypairs(wallets)
	if err != nil {
		return nil, &ValidationError{Field: "wallets", Reason: err.Error()}
	}
	return keypairs, nil
}

// runSequential 按 size 分组依次执行，组间等待 delay。Single 即 size=1。
func (e *Executor) runSequential(ctx context.Context, wallets []wallet.Wallet, keypairs []solana.Keypair, intent Intent, mode Mode, size int, delay time.Duration) []Unit {
	units := make([]Unit, 0, (len(wallets)+size-1)/size)
	for start, idx := 0, 0; start < len(wallets); start, idx = start+size, idx+1 {
		end := start + size
		if end > len(wallets) {
			end = len(wallets)
		}
		group := wallets[start:end]

		if idx > 0 && delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				units = append(units, failedUnit(idx, group, err))
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			units = append(units, failedUnit(idx, group, err))
			continue
		}

		unit := e.runGroup(ctx, idx, group, keypairs[start:end], intent, mode)
		if !unit.Success {
			e.logger.Warn("执行单元失败，继续下一单元",
				zap.String("mode", string(mode)),
				zap.Int("unit", idx),
				zap.Strings("wallets", unit.Wallets),
				zap.Error(unit.err),
			)
		}
		units = append(units, unit)
	}
	return units
}

// runGroup 对一组钱包执行 prep → sign → split → 限流提交。任一分块失败则该组失败，但其余分块仍会提交。
func (e *Executor) runGroup(ctx context.Context, idx int, group []wallet.Wallet, keypairs []solana.Keypair, intent Intent, mode Mode) Unit {
	unit := Unit{Index: idx, Wallets: wallet.Addresses(group)}

	chunks, err := e.prepareAndSign(ctx, group, keypairs, intent)
	if err != nil {
		unit.err = err
		unit.Error = err.Error()
		return unit
	}

	unit.Chunks = len(chunks)
	var errs error
	for i, chunk := range chunks {
		res, err := e.submitChunk(ctx, mode, i, chunk)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		unit.Results = append(unit.Results, res.Result)
	}
	if errs != nil {
		unit.err = errs
		unit.Error = errs.Error()
		return unit
	}
	unit.Success = true
	return unit
}

// runAllInOne 一次构建全部钱包的交易，分块后各自在 index×stagger 后并发提交。
func (e *Executor) runAllInOne(ctx context.Context, wallets []wallet.Wallet, keypairs []solana.Keypair, intent Intent) []Unit {
	chunks, err := e.prepareAndSign(ctx, wallets, keypairs, intent)
	if err != nil {
		return []Unit{{Index: 0, Wallets: wallet.Addresses(wallets), Error: err.Error(), err: err}}
	}

	units := make([]Unit, len(chunks))
	var g errgroup.Group
	for i, chunk := range chunks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("execution panic: %v", r)
					units[i] = Unit{Index: i, Chunks: 1, Error: err.Error(), err: err}
				}
			}()

			unit := Unit{Index: i, Chunks: 1}
			if err := sleep(ctx, time.Duration(i)*e.opts.StaggerIncrement); err != nil {
				unit.err, unit.Error = err, err.Error()
				units[i] = unit
				return nil
			}
			res, err := e.submitChunk(ctx, ModeAllInOne, i, chunk)
			if err != nil {
				unit.err, unit.Error = err, err.Error()
			} else {
				unit.Success = true
				unit.Results = []string{res.Result}
			}
			units[i] = unit
			// 单元之间相互隔离，错误只记录在结果里。
			return nil
		})
	}
	_ = g.Wait()
	return units
}

func (e *Executor) prepareAndSign(ctx context.Context, group []wallet.Wallet, keypairs []solana.Keypair, intent Intent) ([]bundle.SignedBundle, error) {
	bundles, err := e.prep.Prepare(ctx, backend.PrepRequest{
		Side:         intent.Side,
		TokenAddress: intent.TokenAddress,
		Wallets:      group,
		SolAmount:    intent.SolAmount,
		TokensAmount: intent.TokensAmount,
		Percentage:   intent.Percentage,
		SlippageBps:  intent.SlippageBps,
		FeeSol:       intent.FeeSol,
	})
	if err != nil {
		return nil, &PrepServiceError{Err: err}
	}
	if len(bundles) == 0 {
		return nil, &PrepServiceError{Err: backend.ErrEmpty}
	}

	signed := make([]bundle.SignedBundle, 0, len(bundles))
	var signErrs error
	for _, b := range bundles {
		sb, err := e.signer.Sign(b, keypairs)
		if err != nil {
			signErrs = multierr.Append(signErrs, err)
			continue
		}
		signed = append(signed, sb)
	}
	if len(signed) == 0 {
		return nil, &SigningError{Err: signErrs}
	}
	return bundle.Split(signed, e.opts.MaxTxPerBundle), nil
}

func (e *Executor) submitChunk(ctx context.Context, mode Mode, index int, chunk bundle.SignedBundle) (backend.SubmitResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return backend.SubmitResult{}, &SubmissionError{Chunk: index, Err: err}
		}
	}

	start := time.Now()
	res, err := e.submit.Submit(ctx, chunk)
	metrics.ObserveDuration(metrics.SubmissionDuration, start, string(mode))
	if err != nil {
		metrics.IncSubmission(string(mode), "error")
		return backend.SubmitResult{}, &SubmissionError{Chunk: index, Err: err}
	}
	metrics.IncSubmission(string(mode), "ok")
	return res, nil
}

func aggregate(mode Mode, intent Intent, units []Unit, started time.Time) Result {
	payload := Payload{
		Mode:         mode,
		Side:         intent.Side,
		TokenAddress: intent.TokenAddress,
		Units:        units,
		StartedAt:    started,
	}
	var cause error
	for _, u := range units {
		if u.Success {
			payload.Succeeded++
			payload.Results = append(payload.Results, u.Results...)
			continue
		}
		payload.Failed++
		cause = multierr.Append(cause, u.err)
	}

	res := Result{Success: payload.Succeeded > 0, Payload: payload, cause: cause}
	if payload.Failed > 0 {
		res.Error = fmt.Sprintf("%d failed, %d succeeded", payload.Failed, payload.Succeeded)
	}
	return res
}

func failedUnit(idx int, group []wallet.Wallet, err error) Unit {
	return Unit{Index: idx, Wallets: wallet.Addresses(group), Error: err.Error(), err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type executionRecord struct {
	Intent Intent `json:"intent"`
	Result Result `json:"result"`
}

// IsValidation 判断错误是否为请求校验失败。
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
