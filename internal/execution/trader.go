package execution

import (
	"context"

	"raze-trader/internal/wallet"
)

// DispatchRequest 为限价单等自动触发方的执行请求。Mode 为空时使用默认模式。
type DispatchRequest struct {
	Wallets []wallet.Wallet
	Intent  Intent
	Mode    Mode
}

// Dispatcher 抽象执行入口，方便订单监控切换真实或模拟执行。
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) Result
}

var _ Dispatcher = (*Executor)(nil)

// Dispatch 实现 Dispatcher。
func (e *Executor) Dispatch(ctx context.Context, req DispatchRequest) Result {
	mode := req.Mode
	if mode == "" {
		mode = e.opts.DefaultMode
	}
	return e.Execute(ctx, req.Wallets, req.Intent, mode)
}
