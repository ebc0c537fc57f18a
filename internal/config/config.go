package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trader"
	// walletKeysEnv 以逗号分隔的 base58 私钥，追加到 wallets 列表之后。
	walletKeysEnv = "TRADER_WALLET_KEYS"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 当前目录存在 .env 时会先载入其中的变量。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.Wallets = append(cfg.Wallets, walletsFromEnv(os.Getenv(walletKeysEnv))...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func walletsFromEnv(raw string) []WalletConfig {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]WalletConfig, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, WalletConfig{PrivateKey: p})
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.name", "raze-trader")

	v.SetDefault("stream.url", "wss://stream.raze.bot/ws")
	v.SetDefault("stream.token_mint", "")
	v.SetDefault("stream.max_reconnect_attempts", 10)
	v.SetDefault("stream.reconnect_delay", "3s")
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.read_timeout", "90s")
	v.SetDefault("stream.write_timeout", "10s")
	v.SetDefault("stream.quote_price_usd", 0.0)
	v.SetDefault("stream.token_supply", 1_000_000_000.0)

	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.submit_url", "")
	v.SetDefault("backend.self_hosted", false)
	v.SetDefault("backend.timeout", "15s")
	v.SetDefault("backend.retry_max", 2)

	v.SetDefault("trading.slippage_bps", 100)
	v.SetDefault("trading.fee_sol", 0.001)
	v.SetDefault("trading.default_mode", ModeBatch)
	v.SetDefault("trading.base_currency", "SOL")

	v.SetDefault("execution.batch_size", 5)
	v.SetDefault("execution.batch_delay", "1s")
	v.SetDefault("execution.single_delay", "500ms")
	v.SetDefault("execution.stagger_increment", "50ms")
	v.SetDefault("execution.max_tx_per_bundle", 5)

	v.SetDefault("rate_limit.max_per_window", 5)
	v.SetDefault("rate_limit.window", "1s")

	v.SetDefault("orders.max_active", 20)
	v.SetDefault("orders.debounce", "250ms")

	v.SetDefault("database.path", "data/trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", true)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
