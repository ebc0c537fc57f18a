package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// 执行模式取值，与 execution.Mode 保持一致。
const (
	ModeSingle   = "single"
	ModeBatch    = "batch"
	ModeAllInOne = "all_in_one"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Execution ExecutionConfig `mapstructure:"execution"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	Wallets   []WalletConfig  `mapstructure:"wallets"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Name        string `mapstructure:"name"`
}

// StreamConfig 描述实时成交推送连接。
type StreamConfig struct {
	URL                  string        `mapstructure:"url"`
	TokenMint            string        `mapstructure:"token_mint"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	QuotePriceUSD        float64       `mapstructure:"quote_price_usd"`
	TokenSupply          float64       `mapstructure:"token_supply"`

	// TokenSupplies 按代币覆盖 TokenSupply。用列表而非 map，避免 viper 把区分大小写的 mint 转成小写。
	TokenSupplies []TokenSupplyConfig `mapstructure:"token_supplies"`
}

// TokenSupplyConfig 为单个代币的流通量。
type TokenSupplyConfig struct {
	Mint   string  `mapstructure:"mint"`
	Supply float64 `mapstructure:"supply"`
}

// SupplyFor 返回代币流通量，未单独配置时使用 TokenSupply。
func (c StreamConfig) SupplyFor(mint string) float64 {
	for _, ts := range c.TokenSupplies {
		if ts.Mint == mint {
			return ts.Supply
		}
	}
	return c.TokenSupply
}

// MarketCapReady 报告能否为该代币推算市值。
func (c StreamConfig) MarketCapReady(mint string) bool {
	return c.QuotePriceUSD > 0 && c.SupplyFor(mint) > 0
}

// BackendConfig 描述交易构建与提交服务。
type BackendConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	SubmitURL  string        `mapstructure:"submit_url"`
	SelfHosted bool          `mapstructure:"self_hosted"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryMax   int           `mapstructure:"retry_max"`
}

// TradingConfig 提供下单默认值。
type TradingConfig struct {
	SlippageBps  int     `mapstructure:"slippage_bps"`
	FeeSol       float64 `mapstructure:"fee_sol"`
	DefaultMode  string  `mapstructure:"default_mode"`
	BaseCurrency string  `mapstructure:"base_currency"`
}

// ExecutionConfig 控制分批与节奏。
type ExecutionConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	BatchDelay       time.Duration `mapstructure:"batch_delay"`
	SingleDelay      time.Duration `mapstructure:"single_delay"`
	StaggerIncrement time.Duration `mapstructure:"stagger_increment"`
	MaxTxPerBundle   int           `mapstructure:"max_tx_per_bundle"`
}

// RateLimitConfig 控制全局提交频率。
type RateLimitConfig struct {
	MaxPerWindow int           `mapstructure:"max_per_window"`
	Window       time.Duration `mapstructure:"window"`
}

// OrdersConfig 控制限价单监控。
type OrdersConfig struct {
	MaxActive int           `mapstructure:"max_active"`
	Debounce  time.Duration `mapstructure:"debounce"`
}

// WalletConfig 描述单个钱包。
type WalletConfig struct {
	Address    string `mapstructure:"address"`
	PrivateKey string `mapstructure:"private_key"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
	File             string   `mapstructure:"file"`
	MaxSizeMB        int      `mapstructure:"max_size_mb"`
	MaxBackups       int      `mapstructure:"max_backups"`
	MaxAgeDays       int      `mapstructure:"max_age_days"`
	Compress         bool     `mapstructure:"compress"`
}

// ServerConfig 控制 HTTP 控制接口。
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Stream.URL == "" {
		err = multierr.Append(err, errors.New("stream.url 不能为空"))
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		err = multierr.Append(err, errors.New("stream.max_reconnect_attempts 必须大于0"))
	}
	if c.Stream.ReconnectDelay <= 0 {
		err = multierr.Append(err, errors.New("stream.reconnect_delay 必须大于0"))
	}
	if c.Stream.QuotePriceUSD < 0 || c.Stream.TokenSupply < 0 {
		err = multierr.Append(err, errors.New("stream.quote_price_usd 与 token_supply 不能为负"))
	}
	for i, ts := range c.Stream.TokenSupplies {
		if strings.TrimSpace(ts.Mint) == "" {
			err = multierr.Append(err, fmt.Errorf("stream.token_supplies[%d].mint 不能为空", i))
		}
		if ts.Supply <= 0 {
			err = multierr.Append(err, fmt.Errorf("stream.token_supplies[%d].supply 必须大于0", i))
		}
	}
	if c.Backend.BaseURL == "" {
		err = multierr.Append(err, errors.New("backend.base_url 不能为空"))
	}
	if c.Backend.Timeout <= 0 {
		err = multierr.Append(err, errors.New("backend.timeout 必须大于0"))
	}
	if c.Backend.RetryMax < 0 {
		err = multierr.Append(err, errors.New("backend.retry_max 不能为负"))
	}
	if c.Trading.SlippageBps < 0 || c.Trading.SlippageBps > 10000 {
		err = multierr.Append(err, errors.New("trading.slippage_bps 应位于[0,10000]"))
	}
	if c.Trading.FeeSol < 0 {
		err = multierr.Append(err, errors.New("trading.fee_sol 不能为负"))
	}
	switch strings.ToLower(c.Trading.DefaultMode) {
	case ModeSingle, ModeBatch, ModeAllInOne:
	default:
		err = multierr.Append(err, fmt.Errorf("trading.default_mode 不支持 %q", c.Trading.DefaultMode))
	}
	if c.Execution.BatchSize < 1 || c.Execution.BatchSize > 10 {
		err = multierr.Append(err, errors.New("execution.batch_size 应位于[1,10]"))
	}
	if c.Execution.BatchDelay < 0 || c.Execution.SingleDelay < 0 || c.Execution.StaggerIncrement < 0 {
		err = multierr.Append(err, errors.New("execution 延迟参数不能为负"))
	}
	if c.Execution.MaxTxPerBundle <= 0 {
		err = multierr.Append(err, errors.New("execution.max_tx_per_bundle 必须大于0"))
	}
	if c.RateLimit.MaxPerWindow <= 0 {
		err = multierr.Append(err, errors.New("rate_limit.max_per_window 必须大于0"))
	}
	if c.RateLimit.Window <= 0 {
		err = multierr.Append(err, errors.New("rate_limit.window 必须大于0"))
	}
	if c.Orders.MaxActive <= 0 {
		err = multierr.Append(err, errors.New("orders.max_active 必须大于0"))
	}
	if c.Orders.Debounce < 0 {
		err = multierr.Append(err, errors.New("orders.debounce 不能为负"))
	}
	for i, w := range c.Wallets {
		if w.PrivateKey == "" {
			err = multierr.Append(err, fmt.Errorf("wallets[%d].private_key 不能为空", i))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 无效"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
