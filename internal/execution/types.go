package execution

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"raze-trader/internal/backend"
)

// Mode 表示多钱包执行策略。
type Mode string

const (
	// ModeSingle 逐个钱包构建并提交。
	ModeSingle Mode = "single"
	// ModeBatch 按固定大小分组提交。
	ModeBatch Mode = "batch"
	// ModeAllInOne 一次构建全部钱包，分块并发提交。
	ModeAllInOne Mode = "all_in_one"
)

// ParseMode 解析执行模式，兼容 allInOne / all-in-one 写法。
func ParseMode(s string) (Mode, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s)))
	switch norm {
	case string(ModeSingle):
		return ModeSingle, nil
	case string(ModeBatch):
		return ModeBatch, nil
	case string(ModeAllInOne), "allinone", "bundle":
		return ModeAllInOne, nil
	default:
		return "", &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

// OrderSide 表示下单方向。
type OrderSide = backend.Side

const (
	OrderSideBuy  = backend.SideBuy
	OrderSideSell = backend.SideSell
)

// Intent 描述一次用户交易意图。
type Intent struct {
	Side         OrderSide `json:"side"`
	TokenAddress string    `json:"tokenAddress"`
	// SolAmount 为买入时每个钱包花费的 SOL。
	SolAmount float64 `json:"solAmount,omitempty"`
	// TokensAmount 与 Percentage 仅用于卖出，二者互斥。
	TokensAmount float64 `json:"tokensAmount,omitempty"`
	Percentage   float64 `json:"percentage,omitempty"`
	// SlippageBps 与 FeeSol 为 0 时使用默认值。
	SlippageBps int     `json:"slippageBps,omitempty"`
	FeeSol      float64 `json:"feeSol,omitempty"`
	Source      string  `json:"source,omitempty"`
	OrderID     string  `json:"orderId,omitempty"`
}

// Unit 为单个执行单元的结果：Single/Batch 下为一个钱包或一组钱包，AllInOne 下为一个分块。
type Unit struct {
	Index   int      `json:"index"`
	Wallets []string `json:"wallets,omitempty"`
	Chunks  int      `json:"chunks"`
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Results []string `json:"results,omitempty"`

	err error
}

// Payload 汇总全部执行单元。
type Payload struct {
	Mode         Mode      `json:"mode"`
	Side         OrderSide `json:"side"`
	TokenAddress string    `json:"tokenAddress"`
	Units        []Unit    `json:"units"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Results      []string  `json:"results,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	Duration     string    `json:"duration"`
}

// Result 为一次执行的聚合结果。
// Success 当且仅当至少一个单元成功；存在失败单元时 Error 为 "{F} failed, {S} succeeded"。
type Result struct {
	Success bool    `json:"success"`
	Payload Payload `json:"payload"`
	Error   string  `json:"error,omitempty"`

	cause error
}

// Err 返回导致失败的原始错误，多个单元失败时为 multierr 组合错误。
func (r Result) Err() error {
	return r.cause
}

// Errors 展开全部单元错误。
func (r Result) Errors() []error {
	return multierr.Errors(r.cause)
}
