package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"raze-trader/internal/config"
	"raze-trader/internal/store"
)

const statusInterval = time.Minute

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动推送、订单监控与控制接口，阻塞直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("stream", a.cfg.Stream.URL),
		zap.String("default_mode", a.cfg.Trading.DefaultMode),
		zap.Int("wallets", len(a.cfg.Wallets)),
	)

	orch, err := newOrchestrator(a.cfg, a.logger, a.store, nil)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("启动推送失败: %w", err)
	}
	defer orch.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Server.Enabled {
		srv := startServer(gctx, newHandler(orch, a.logger), a.cfg.Server.Port, a.logger)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("控制接口异常: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.logger.Info("运行状态",
					zap.String("stream", orch.stream.Phase().String()),
					zap.String("token", orch.stream.TokenMint()),
					zap.Int("submissions_in_window", orch.limiter.InFlight()),
					zap.Strings("active_tokens", orch.monitor.ActiveTokens()),
				)
			}
		}
	})

	err = g.Wait()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
