package stream

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Side is the trade direction reported by the feed.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeEvent is the canonical trade produced from every feed variant.
type TradeEvent struct {
	Side             Side    `json:"side"`
	TraderAddress    string  `json:"traderAddress"`
	TokenAmount      float64 `json:"tokenAmount"`
	QuoteAmount      float64 `json:"quoteAmount"`
	AvgPrice         float64 `json:"avgPrice"`
	TimestampMs      int64   `json:"timestampMs"`
	Signature        string  `json:"signature"`
	TokenMint        string  `json:"tokenMint"`
	DerivedMarketCap float64 `json:"derivedMarketCap"`
}

type frameKind int

const (
	frameIgnored frameKind = iota
	frameControl
	frameTrade
	frameError
)

type frame struct {
	kind    frameKind
	typ     string
	trade   TradeEvent
	message string
}

// parseFrame classifies one inbound message. Only invalid JSON is an error.
func parseFrame(raw []byte) (frame, error) {
	if !gjson.ValidBytes(raw) {
		return frame{}, &ProtocolError{Msg: "invalid json frame", Frame: truncate(raw)}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return frame{}, &ProtocolError{Msg: "frame is not an object", Frame: truncate(raw)}
	}

	typ := strings.ToLower(root.Get("type").String())
	switch typ {
	case "welcome", "connection", "connected", "event_subscription_confirmed", "subscribed", "unsubscribed", "pong":
		return frame{kind: frameControl, typ: typ, message: root.Get("message").String()}, nil
	case "trade", "transaction":
		return frame{kind: frameTrade, typ: typ, trade: normalizeTrade(root)}, nil
	case "error":
		msg := first(root, "message", "error").String()
		if msg == "" {
			msg = "stream reported an error"
		}
		return frame{kind: frameError, typ: typ, message: msg}, nil
	default:
		return frame{kind: frameIgnored, typ: typ}, nil
	}
}

func normalizeTrade(root gjson.Result) TradeEvent {
	payload := root
	nested := false
	for _, key := range []string{"transaction", "data"} {
		if v := root.Get(key); v.IsObject() {
			payload = v
			nested = true
			break
		}
	}

	ev := TradeEvent{
		Side:          SideBuy,
		TraderAddress: first(payload, "signer", "trader", "walletAddress", "wallet").String(),
		TokenAmount:   first(payload, "tokenAmount", "tokensAmount").Float(),
		QuoteAmount:   first(payload, "solAmount", "quoteAmount", "amountSol").Float(),
		AvgPrice:      first(payload, "avgPrice", "avgPriceUsd", "price").Float(),
		Signature:     first(payload, "signature", "txHash", "tx").String(),
		TokenMint:     first(payload, "tokenMint", "mint", "tokenAddress").String(),
	}
	if ev.TokenMint == "" && nested {
		ev.TokenMint = first(root, "tokenMint", "mint").String()
	}

	sideField := payload.Get("side")
	if !sideField.Exists() && nested {
		sideField = payload.Get("type")
	}
	switch {
	case sideField.Exists():
		if strings.EqualFold(sideField.String(), string(SideSell)) {
			ev.Side = SideSell
		}
	case payload.Get("isBuy").Exists():
		if !payload.Get("isBuy").Bool() {
			ev.Side = SideSell
		}
	}

	ts := first(payload, "timestamp", "time", "blockTime")
	if !ts.Exists() && nested {
		ts = first(root, "timestamp", "time")
	}
	ev.TimestampMs = toMillis(ts.Int())
	return ev
}

// toMillis treats values below 1e12 as unix seconds.
func toMillis(v int64) int64 {
	if v > 0 && v < 1_000_000_000_000 {
		return v * 1000
	}
	return v
}

// first returns the first existing field among keys.
func first(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// derivedMarketCap is price × quote price × supply when all three are positive.
func derivedMarketCap(price, quotePrice, supply float64) float64 {
	if price <= 0 || quotePrice <= 0 || supply <= 0 {
		return 0
	}
	return price * quotePrice * supply
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
