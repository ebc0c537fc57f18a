package wallet

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raze-trader/internal/config"
	"raze-trader/internal/solana"
)

// Wallet is an address with its base58 secret key.
type Wallet struct {
	Address    string `json:"address"`
	PrivateKey string `json:"-"`
}

// Keypair derives the signing key.
func (w Wallet) Keypair() (solana.Keypair, error) {
	return solana.KeypairFromBase58(w.PrivateKey)
}

// Store keeps the configured wallets in insertion order.
type Store struct {
	mu      sync.RWMutex
	order   []string
	wallets map[string]Wallet
	logger  *zap.Logger
}

// NewStore 校验配置中的钱包并建立索引。私钥无效的钱包被跳过并记录日志。
func NewStore(cfgs []config.WalletConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{wallets: make(map[string]Wallet, len(cfgs)), logger: logger}

	var errs error
	for i, c := range cfgs {
		if err := s.Add(Wallet{Address: c.Address, PrivateKey: c.PrivateKey}); err != nil {
			logger.Warn("钱包配置无效，已跳过", zap.Int("index", i), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if len(cfgs) > 0 && len(s.order) == 0 {
		return nil, fmt.Errorf("wallet: 没有可用钱包: %w", errs)
	}
	return s, nil
}

// Add validates w and inserts it. A missing address is derived from the key.
func (s *Store) Add(w Wallet) error {
	kp, err := w.Keypair()
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	derived := kp.PublicKey().String()
	if w.Address == "" {
		w.Address = derived
	} else if w.Address != derived {
		return fmt.Errorf("wallet: 地址 %s 与私钥不匹配", w.Address)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.Address]; !ok {
		s.order = append(s.order, w.Address)
	}
	s.wallets[w.Address] = w
	return nil
}

// All returns every wallet in configuration order.
func (s *Store) All() []Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Wallet, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.wallets[addr])
	}
	return out
}

// Usable resolves addresses to wallets that have a signing key, keeping the
// caller's order. Unknown addresses are skipped.
func (s *Store) Usable(addresses []string) []Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Wallet, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if w, ok := s.wallets[addr]; ok && w.PrivateKey != "" {
			out = append(out, w)
		}
	}
	return out
}

// Addresses returns the wallet addresses.
func Addresses(wallets []Wallet) []string {
	out := make([]string, len(wallets))
	for i, w := range wallets {
		out[i] = w.Address
	}
	return out
}

// Keypairs derives signing keys for wallets.
func Keypairs(wallets []Wallet) ([]solana.Keypair, error) {
	out := make([]solana.Keypair, 0, len(wallets))
	for _, w := range wallets {
		kp, err := w.Keypair()
		if err != nil {
			return nil, fmt.Errorf("wallet %s: %w", w.Address, err)
		}
		out = append(out, kp)
	}
	return out, nil
}
