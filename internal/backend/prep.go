package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"raze-trader/internal/bundle"
	"raze-trader/internal/wallet"
)

const (
	buyPath  = "/api/tokens/buy"
	sellPath = "/api/tokens/sell"
)

var lamportsPerSol = decimal.New(1, 9)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PrepRequest asks the prep service to build transactions for a wallet set.
type PrepRequest struct {
	Side         Side
	TokenAddress string
	Wallets      []wallet.Wallet
	SolAmount    float64
	TokensAmount float64
	Percentage   float64
	SlippageBps  int
	FeeSol       float64
}

type prepPayload struct {
	WalletAddresses   []string    `json:"walletAddresses,omitempty"`
	WalletPrivateKeys []string    `json:"walletPrivateKeys,omitempty"`
	TokenAddress      string      `json:"tokenAddress"`
	SolAmount         json.Number `json:"solAmount,omitempty"`
	TokensAmount      json.Number `json:"tokensAmount,omitempty"`
	Percentage        json.Number `json:"percentage,omitempty"`
	SlippageBps       int         `json:"slippageBps"`
	JitoTipLamports   int64       `json:"jitoTipLamports"`
	TransactionsFee   int64       `json:"transactionsFeeLamports"`
}

// Prepare requests bundles for the wallets in req.
func (c *Client) Prepare(ctx context.Context, req PrepRequest) ([]bundle.Bundle, error) {
	payload, path, err := c.buildPrepPayload(req)
	if err != nil {
		return nil, err
	}

	body, err := c.postJSON(ctx, c.baseURL+path, payload, c.retryMax)
	if err != nil {
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || len(body) == 0 {
			return nil, err
		}
		// 非 2xx 但带有可解析的拒绝原因时，以拒绝原因为准。
		if res := DecodePrepResponse(body); res.Status == DecodeRejected {
			return nil, res.Err()
		}
		return nil, err
	}

	res := DecodePrepResponse(body)
	if res.Status != DecodeOK {
		c.logger.Warn("构建交易响应无效",
			zap.String("status", res.Status.String()),
			zap.String("shape", string(res.Shape)),
			zap.String("reason", res.Reason),
		)
		return nil, res.Err()
	}

	c.logger.Debug("构建交易完成",
		zap.String("shape", string(res.Shape)),
		zap.Int("bundles", len(res.Bundles)),
		zap.Int("wallets", len(req.Wallets)),
	)
	return res.Bundles, nil
}

func (c *Client) buildPrepPayload(req PrepRequest) (prepPayload, string, error) {
	p := prepPayload{
		TokenAddress:    req.TokenAddress,
		SlippageBps:     req.SlippageBps,
		JitoTipLamports: SolToLamports(req.FeeSol),
	}
	p.TransactionsFee = p.JitoTipLamports

	if c.selfHosted {
		p.WalletPrivateKeys = make([]string, len(req.Wallets))
		for i, w := range req.Wallets {
			p.WalletPrivateKeys[i] = w.PrivateKey
		}
	} else {
		p.WalletAddresses = wallet.Addresses(req.Wallets)
	}

	switch req.Side {
	case SideBuy:
		p.SolAmount = number(req.SolAmount)
		return p, buyPath, nil
	case SideSell:
		if req.TokensAmount > 0 {
			p.TokensAmount = number(req.TokensAmount)
		} else {
			p.Percentage = number(req.Percentage)
		}
		return p, sellPath, nil
	default:
		return p, "", fmt.Errorf("backend: 未知交易方向 %q", req.Side)
	}
}

// SolToLamports converts a SOL amount to whole lamports, rounding down.
func SolToLamports(sol float64) int64 {
	if sol <= 0 {
		return 0
	}
	return decimal.NewFromFloat(sol).Mul(lamportsPerSol).IntPart()
}

func number(v float64) json.Number {
	return json.Number(decimal.NewFromFloat(v).Round(9).String())
}
