package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"raze-trader/internal/backend"
	"raze-trader/internal/bundle"
	"raze-trader/internal/config"
	"raze-trader/internal/execution"
	"raze-trader/internal/history"
	"raze-trader/internal/orders"
	"raze-trader/internal/ratelimit"
	"raze-trader/internal/store"
	"raze-trader/internal/stream"
	"raze-trader/internal/wallet"
)

// orchestrator 串联推送、限价单监控与执行器。
type orchestrator struct {
	cfg      *config.Config
	history  *history.Service
	wallets  *wallet.Store
	limiter  *ratelimit.Limiter
	executor *execution.Executor
	stream   *stream.Client
	monitor  *orders.Monitor
	logger   *zap.Logger

	subMu sync.Mutex
}

// ExecuteRequest 为手动执行请求。WalletAddresses 为空时使用全部钱包。
type ExecuteRequest struct {
	WalletAddresses []string `json:"walletAddresses"`
	Mode            string   `json:"mode"`
	execution.Intent
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store, httpClient *http.Client) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	historySvc, err := history.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化历史服务失败: %w", err)
	}

	wallets, err := wallet.NewStore(cfg.Wallets, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化钱包失败: %w", err)
	}

	orderStore, err := orders.NewSQLiteStore(st)
	if err != nil {
		return nil, fmt.Errorf("初始化订单存储失败: %w", err)
	}

	// 全进程共享同一个限流器，手动与限价单触发的提交都经过它。
	limiter := ratelimit.New(ratelimit.Config{
		MaxPerWindow: cfg.RateLimit.MaxPerWindow,
		Window:       cfg.RateLimit.Window,
	})

	client := backend.NewClient(cfg.Backend, httpClient, logger)
	executor := execution.NewExecutor(
		client,
		client,
		bundle.NewSigner(logger),
		limiter,
		historySvc,
		execution.OptionsFromConfig(cfg.Trading, cfg.Execution),
		logger,
	)

	o := &orchestrator{
		cfg:      cfg,
		history:  historySvc,
		wallets:  wallets,
		limiter:  limiter,
		executor: executor,
		stream:   stream.NewClient(stream.ConfigFromSettings(cfg.Stream), logger),
		logger:   logger,
	}

	opts := orders.OptionsFromConfig(cfg.Orders)
	opts.OnTransition = o.onOrderTransition
	opts.MarketCapReady = cfg.Stream.MarketCapReady
	o.monitor = orders.NewMonitor(executor, wallets, orderStore, historySvc, opts, logger)

	return o, nil
}

// Start 恢复订单并建立推送连接。
func (o *orchestrator) Start(ctx context.Context) error {
	if err := o.monitor.Load(ctx); err != nil {
		return fmt.Errorf("恢复限价单失败: %w", err)
	}
	o.syncSubscription()
	if err := o.stream.UpdateWalletSubscription(wallet.Addresses(o.wallets.All())); err != nil {
		o.logger.Warn("订阅钱包失败", zap.Error(err))
	}

	quote := o.cfg.Stream.QuotePriceUSD
	if quote <= 0 {
		o.logger.Warn("未配置 stream.quote_price_usd，市值模式限价单将被拒绝")
	}
	return o.stream.Connect(stream.Params{
		FeedAddress: o.cfg.Stream.URL,
		OnEvent:     o.onTrade,
		OnError:     o.onStreamError,
		OnConnected: func() {
			o.logger.Info("行情推送已连接", zap.String("token", o.stream.TokenMint()))
		},
		OnDisconnected: func() {
			o.logger.Warn("行情推送已断开")
		},
		QuotePrice: func() float64 { return quote },
		Supply:     o.cfg.Stream.SupplyFor,
	})
}

// Stop 断开推送并等待进行中的限价单执行完成。
func (o *orchestrator) Stop() {
	o.stream.Disconnect()
	o.monitor.Close()
	o.stream.Wait()
}

func (o *orchestrator) onTrade(ev stream.TradeEvent) {
	o.monitor.OnPriceEvent(orders.PriceUpdate{
		TokenAddress: ev.TokenMint,
		MarketCap:    ev.DerivedMarketCap,
		TokenPrice:   ev.AvgPrice,
	})
}

func (o *orchestrator) onStreamError(err error) {
	o.logger.Warn("行情推送错误", zap.Error(err))
	o.history.Append(context.Background(), history.EventStreamError, history.ErrorPayload{
		Message: "stream",
		Error:   err.Error(),
		Context: map[string]interface{}{"fatal": errors.Is(err, stream.ErrMaxReconnect)},
	})
}

// AddOrder 新建限价单，订阅随订单状态变化同步。
func (o *orchestrator) AddOrder(ctx context.Context, spec orders.Spec) (orders.LimitOrder, error) {
	return o.monitor.AddOrder(ctx, spec)
}

// CancelOrder 取消限价单。
func (o *orchestrator) CancelOrder(ctx context.Context, id string) error {
	return o.monitor.CancelOrder(ctx, id)
}

// onOrderTransition 在订单新建、触发、结束或取消后调整推送订阅。
func (o *orchestrator) onOrderTransition(orders.LimitOrder) {
	o.syncSubscription()
}

// syncSubscription 当前代币仍有活跃限价单时保持订阅，否则切换到最早的活跃订单代币。
func (o *orchestrator) syncSubscription() {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	tokens := o.monitor.ActiveTokens()
	if len(tokens) == 0 {
		return
	}
	current := o.stream.TokenMint()
	for _, t := range tokens {
		if t == current {
			return
		}
	}
	if len(tokens) > 1 {
		o.logger.Warn("限价单涉及多个代币，推送仅订阅其中一个", zap.Strings("tokens", tokens))
	}
	if err := o.stream.UpdateSubscription(tokens[0]); err != nil {
		o.logger.Warn("切换代币订阅失败", zap.String("token", tokens[0]), zap.Error(err))
	}
}

// Execute 手动执行多钱包交易。
func (o *orchestrator) Execute(ctx context.Context, req ExecuteRequest) execution.Result {
	wallets := o.wallets.All()
	if len(req.WalletAddresses) > 0 {
		wallets = o.wallets.Usable(req.WalletAddresses)
	}

	mode := o.executor.DefaultMode()
	if req.Mode != "" {
		// 无法识别的模式原样交给执行器，由其校验并记录历史。
		mode = execution.Mode(req.Mode)
		if parsed, err := execution.ParseMode(req.Mode); err == nil {
			mode = parsed
		}
	}

	intent := req.Intent
	if intent.Source == "" {
		intent.Source = "manual"
	}
	return o.executor.Execute(ctx, wallets, intent, mode)
}
