package bundle

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"raze-trader/internal/solana"
)

// ErrNothingSigned means no transaction in the bundle had a matching signer.
var ErrNothingSigned = errors.New("bundle: no transaction could be signed")

// Bundle is an ordered list of base58 wire transactions from the prep service.
type Bundle []string

// SignedBundle is a Bundle whose transactions carry the wallet signatures.
type SignedBundle []string

// Signer places wallet signatures into prepared transactions.
type Signer struct {
	logger *zap.Logger
}

// NewSigner 创建签名器。
func NewSigner(logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{logger: logger}
}

// Sign signs every transaction with the keypairs among its required signers.
// Transactions that cannot be decoded, or that no keypair may sign, are dropped.
// It fails only when nothing is left.
func (s *Signer) Sign(b Bundle, keypairs []solana.Keypair) (SignedBundle, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty bundle", ErrNothingSigned)
	}

	signed := make(SignedBundle, 0, len(b))
	for i, encoded := range b {
		tx, err := solana.DecodeTransaction(encoded)
		if err != nil {
			s.logger.Warn("交易解析失败，已丢弃", zap.Int("index", i), zap.Error(err))
			continue
		}

		matched := 0
		for _, kp := range keypairs {
			if tx.SignWith(kp) {
				matched++
			}
		}
		if matched == 0 {
			s.logger.Warn("交易没有匹配的签名钱包，已丢弃",
				zap.Int("index", i),
				zap.Int("required_signers", len(tx.RequiredSigners())),
			)
			continue
		}

		signed = append(signed, tx.Base58())
	}

	if len(signed) == 0 {
		return nil, fmt.Errorf("%w: %d transactions dropped", ErrNothingSigned, len(b))
	}
	if dropped := len(b) - len(signed); dropped > 0 {
		s.logger.Info("部分交易未签名", zap.Int("signed", len(signed)), zap.Int("dropped", dropped))
	}
	return signed, nil
}

// Split breaks bundles longer than maxTxPerBundle into consecutive chunks,
// preserving order. Bundles within the limit are returned as is.
func Split(bundles []SignedBundle, maxTxPerBundle int) []SignedBundle {
	if maxTxPerBundle <= 0 {
		return bundles
	}
	out := make([]SignedBundle, 0, len(bundles))
	for _, b := range bundles {
		if len(b) <= maxTxPerBundle {
			out = append(out, b)
			continue
		}
		for start := 0; start < len(b); start += maxTxPerBundle {
			end := start + maxTxPerBundle
			if end > len(b) {
				end = len(b)
			}
			out = append(out, b[start:end:end])
		}
	}
	return out
}
