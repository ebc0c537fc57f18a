package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"raze-trader/internal/execution"
	"raze-trader/internal/store"
)

// Store 持久化限价单，便于重启后恢复。
type Store interface {
	Save(ctx context.Context, o LimitOrder) error
	List(ctx context.Context) ([]LimitOrder, error)
}

// SQLiteStore 将限价单保存在 limit_orders 表。
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore 创建表结构。
func NewSQLiteStore(st *store.Store) (*SQLiteStore, error) {
	if st == nil {
		return nil, fmt.Errorf("orders: store 不能为空")
	}
	s := &SQLiteStore{db: st.DB()}
	stmt := `
CREATE TABLE IF NOT EXISTS limit_orders (
	id TEXT PRIMARY KEY,
	token_address TEXT NOT NULL,
	side TEXT NOT NULL,
	price_mode TEXT NOT NULL,
	target_price REAL NOT NULL,
	amount REAL NOT NULL,
	wallets TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	resolved_at TEXT,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_limit_orders_status ON limit_orders(status);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("orders: 初始化表失败: %w", err)
	}
	return s, nil
}

// Save 插入或更新订单。
func (s *SQLiteStore) Save(ctx context.Context, o LimitOrder) error {
	wallets, err := json.Marshal(o.WalletAddresses)
	if err != nil {
		return fmt.Errorf("orders: 序列化钱包失败: %w", err)
	}
	var resolved sql.NullString
	if o.ResolvedAt != nil {
		resolved = sql.NullString{String: o.ResolvedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO limit_orders (id, token_address, side, price_mode, target_price, amount, wallets, mode, status, created_at, resolved_at, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, resolved_at = excluded.resolved_at, error = excluded.error`,
		o.ID, o.TokenAddress, string(o.Side), string(o.PriceMode), o.TargetPrice, o.Amount,
		string(wallets), string(o.Mode), string(o.Status),
		o.CreatedAt.UTC().Format(time.RFC3339Nano), resolved, o.Error,
	)
	if err != nil {
		return fmt.Errorf("orders: 保存订单 %s 失败: %w", o.ID, err)
	}
	return nil
}

// List 按创建时间返回全部订单。
func (s *SQLiteStore) List(ctx context.Context) ([]LimitOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, token_address, side, price_mode, target_price, amount, wallets, mode, status, created_at, resolved_at, error
FROM limit_orders ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("orders: 查询订单失败: %w", err)
	}
	defer rows.Close()

	var out []LimitOrder
	for rows.Next() {
		var (
			o        LimitOrder
			side     string
			mode     string
			pm       string
			status   string
			wallets  string
			created  string
			resolved sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.TokenAddress, &side, &pm, &o.TargetPrice, &o.Amount,
			&wallets, &mode, &status, &created, &resolved, &o.Error); err != nil {
			return nil, fmt.Errorf("orders: 解析订单失败: %w", err)
		}
		o.Side = execution.OrderSide(side)
		o.PriceMode = PriceMode(pm)
		o.Mode = execution.Mode(mode)
		o.Status = Status(status)
		if err := json.Unmarshal([]byte(wallets), &o.WalletAddresses); err != nil {
			return nil, fmt.Errorf("orders: 解析订单 %s 钱包失败: %w", o.ID, err)
		}
		if o.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("orders: 解析订单 %s 创建时间失败: %w", o.ID, err)
		}
		if resolved.Valid {
			ts, err := time.Parse(time.RFC3339Nano, resolved.String)
			if err == nil {
				o.ResolvedAt = &ts
			}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orders: 读取订单失败: %w", err)
	}
	return out, nil
}

// nopStore 在未配置持久化时使用。
type nopStore struct{}

func (nopStore) Save(context.Context, LimitOrder) error     { return nil }
func (nopStore) List(context.Context) ([]LimitOrder, error) { return nil, nil }
