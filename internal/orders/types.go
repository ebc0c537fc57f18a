package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"raze-trader/internal/execution"
)

// Status 为限价单状态机：Active → Triggered → Completed|Failed，Active → Cancelled。
type Status string

const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PriceMode 决定以市值还是单价比较目标价。
type PriceMode string

const (
	PriceModeMarketCap  PriceMode = "marketCap"
	PriceModeTokenPrice PriceMode = "tokenPrice"
)

// ParsePriceMode accepts camelCase and snake_case spellings.
func ParsePriceMode(s string) (PriceMode, bool) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "marketcap", "mcap":
		return PriceModeMarketCap, true
	case "tokenprice", "price":
		return PriceModeTokenPrice, true
	default:
		return "", false
	}
}

// LimitOrder 为一条限价单。Amount 对买单为每个钱包的 SOL，对卖单为持仓百分比。
type LimitOrder struct {
	ID              string              `json:"id"`
	TokenAddress    string              `json:"tokenAddress"`
	Side            execution.OrderSide `json:"side"`
	PriceMode       PriceMode           `json:"priceMode"`
	TargetPrice     float64             `json:"targetPrice"`
	Amount          float64             `json:"amount"`
	WalletAddresses []string            `json:"walletAddresses"`
	Mode            execution.Mode      `json:"mode,omitempty"`
	Status          Status              `json:"status"`
	CreatedAt       time.Time           `json:"createdAt"`
	ResolvedAt      *time.Time          `json:"resolvedAt,omitempty"`
	Error           string              `json:"error,omitempty"`
}

func (o LimitOrder) clone() LimitOrder {
	o.WalletAddresses = append([]string(nil), o.WalletAddresses...)
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		o.ResolvedAt = &t
	}
	return o
}

// shouldTrigger applies the threshold rule. Unknown or non-positive values never trigger.
func (o LimitOrder) shouldTrigger(u PriceUpdate) bool {
	current := u.TokenPrice
	if o.PriceMode == PriceModeMarketCap {
		current = u.MarketCap
	}
	if !(current > 0) {
		return false
	}
	switch o.Side {
	case execution.OrderSideBuy:
		return current <= o.TargetPrice
	case execution.OrderSideSell:
		return current >= o.TargetPrice
	default:
		return false
	}
}

// intent 将订单转换为执行意图。
func (o LimitOrder) intent() execution.Intent {
	in := execution.Intent{
		Side:         o.Side,
		TokenAddress: o.TokenAddress,
		Source:       "limit_order",
		OrderID:      o.ID,
	}
	if o.Side == execution.OrderSideBuy {
		in.SolAmount = o.Amount
	} else {
		in.Percentage = o.Amount
	}
	return in
}

// Spec 为新建限价单的请求。
type Spec struct {
	TokenAddress    string              `json:"tokenAddress"`
	Side            execution.OrderSide `json:"side"`
	PriceMode       PriceMode           `json:"priceMode"`
	TargetPrice     float64             `json:"targetPrice"`
	Amount          float64             `json:"amount"`
	WalletAddresses []string            `json:"walletAddresses"`
	Mode            execution.Mode      `json:"mode,omitempty"`
}

// normalize validates the request and canonicalizes its enums.
func (s Spec) normalize() (Spec, error) {
	var err error
	s.TokenAddress = strings.TrimSpace(s.TokenAddress)
	if s.TokenAddress == "" {
		err = multierr.Append(err, &ValidationError{Field: "tokenAddress", Reason: "required"})
	}
	switch execution.OrderSide(strings.ToLower(string(s.Side))) {
	case execution.OrderSideBuy:
		s.Side = execution.OrderSideBuy
	case execution.OrderSideSell:
		s.Side = execution.OrderSideSell
	default:
		err = multierr.Append(err, &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", s.Side)})
	}
	if pm, ok := ParsePriceMode(string(s.PriceMode)); ok {
		s.PriceMode = pm
	} else {
		err = multierr.Append(err, &ValidationError{Field: "priceMode", Reason: fmt.Sprintf("unknown price mode %q", s.PriceMode)})
	}
	if !(s.TargetPrice > 0) {
		err = multierr.Append(err, &ValidationError{Field: "targetPrice", Reason: "must be positive"})
	}
	if !(s.Amount > 0) {
		err = multierr.Append(err, &ValidationError{Field: "amount", Reason: "must be positive"})
	} else if s.Side == execution.OrderSideSell && s.Amount > 100 {
		err = multierr.Append(err, &ValidationError{Field: "amount", Reason: "sell percentage must be within (0, 100]"})
	}
	if len(s.WalletAddresses) == 0 {
		err = multierr.Append(err, &ValidationError{Field: "walletAddresses", Reason: "at least one wallet required"})
	}
	if s.Mode != "" {
		mode, perr := execution.ParseMode(string(s.Mode))
		if perr != nil {
			err = multierr.Append(err, &ValidationError{Field: "mode", Reason: perr.Error()})
		}
		s.Mode = mode
	}
	s.WalletAddresses = append([]string(nil), s.WalletAddresses...)
	return s, err
}

// PriceUpdate 为一次行情更新，0 表示未知。
type PriceUpdate struct {
	TokenAddress string  `json:"tokenAddress"`
	MarketCap    float64 `json:"marketCap,omitempty"`
	TokenPrice   float64 `json:"tokenPrice,omitempty"`
}

var (
	// ErrNotFound 订单不存在。
	ErrNotFound = errors.New("orders: order not found")
	// ErrNotCancellable 订单已离开 Active 状态。
	ErrNotCancellable = errors.New("orders: order is no longer active")
	// ErrClosed 监控已关闭。
	ErrClosed = errors.New("orders: monitor closed")
)

// CapacityError 表示活跃订单数已达上限。
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("orders: active order limit of %d reached", e.Max)
}

// ValidationError 表示请求字段无效。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("orders: invalid %s: %s", e.Field, e.Reason)
}
