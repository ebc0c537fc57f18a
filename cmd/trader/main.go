package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"raze-trader/internal/app"
	"raze-trader/internal/config"
	"raze-trader/internal/log"
	"raze-trader/internal/store"
	"raze-trader/internal/wallet"
)

func main() {
	var (
		configPath string
		checkOnly  bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.BoolVar(&checkOnly, "check", false, "仅校验配置与钱包私钥后退出")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "用法: %s [-config path] [-check]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "多钱包交易核心：订阅成交推送，监控限价单并通过多钱包执行交易。")
		fmt.Fprintln(flag.CommandLine.Output(), "钱包私钥也可通过 TRADER_WALLET_KEYS（逗号分隔）提供。")
		fmt.Fprintln(flag.CommandLine.Output())
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	if checkOnly {
		wallets, err := wallet.NewStore(cfg.Wallets, logger)
		if err != nil {
			logger.Error("钱包校验失败", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("配置校验通过",
			zap.String("stream", cfg.Stream.URL),
			zap.String("backend", cfg.Backend.BaseURL),
			zap.String("default_mode", cfg.Trading.DefaultMode),
			zap.Int("wallets_configured", len(cfg.Wallets)),
			zap.Int("wallets_usable", len(wallets.All())),
			zap.Bool("market_cap_orders", cfg.Stream.QuotePriceUSD > 0),
		)
		return
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	tradingApp := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tradingApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
