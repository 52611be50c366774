package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paper-trading-go/order"
	"paper-trading-go/position"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// SQLiteStore 落盘实现。单连接串行写入，事务内先读状态再更新，
// 与内存实现保持同一套竞争语义。
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT,
	stop_price      TEXT,
	time_in_force   TEXT NOT NULL,
	filled_quantity TEXT NOT NULL,
	avg_fill_price  TEXT,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	version         INTEGER NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE(account_id, client_order_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);

CREATE TABLE IF NOT EXISTS positions (
	account_id      TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	net_quantity    TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	cost_basis      TEXT NOT NULL,
	realized_pnl    TEXT NOT NULL,
	unrealized_pnl  TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY(account_id, symbol)
);
`

// NewSQLiteStore 打开（或创建）dbPath 指向的数据库并建表。
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 写入走单连接，由 sqlite 自身串行化
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// mapDBErr 把驱动/超时错误折叠为可重试的 ErrStoreUnavailable。
func mapDBErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrStoreUnavailable
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return ErrStoreUnavailable
	}
	return err
}

const orderColumns = `id, account_id, client_order_id, symbol, side, order_type,
	quantity, price, stop_price, time_in_force, filled_quantity, avg_fill_price,
	status, reason, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*order.Order, error) {
	var (
		o                          order.Order
		price, stopPrice, avgPrice sql.NullString
		qty, filled                string
		createdAt, updatedAt       string
	)
	err := r.Scan(&o.ID, &o.AccountID, &o.ClientOrderID, &o.Symbol, &o.Side, &o.Type,
		&qty, &price, &stopPrice, &o.TimeInForce, &filled, &avgPrice,
		&o.Status, &o.Reason, &o.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("bad quantity %q: %w", qty, err)
	}
	if o.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("bad filled_quantity %q: %w", filled, err)
	}
	if o.Price, err = nullDecimal(price); err != nil {
		return nil, err
	}
	if o.StopPrice, err = nullDecimal(stopPrice); err != nil {
		return nil, err
	}
	if o.AvgFillPrice, err = nullDecimal(avgPrice); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	return &o, nil
}

func nullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("bad decimal %q: %w", v.String, err)
	}
	return &d, nil
}

func decimalPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func (s *SQLiteStore) SubmitOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapDBErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = ? AND client_order_id = ?`,
		o.AccountID, o.ClientOrderID)
	existing, err := scanOrder(row)
	if err == nil {
		return existing, ErrDuplicateClientOrderID
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapDBErr(err)
	}

	stored := o.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.Status = order.StatusPending
	stored.FilledQuantity = decimal.Zero
	stored.AvgFillPrice = nil
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.AccountID, stored.ClientOrderID, stored.Symbol,
		string(stored.Side), string(stored.Type),
		stored.Quantity.String(), decimalPtr(stored.Price), decimalPtr(stored.StopPrice),
		string(stored.TimeInForce), stored.FilledQuantity.String(), decimalPtr(stored.AvgFillPrice),
		string(stored.Status), stored.Reason, stored.Version,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			// 与并发提交撞了唯一约束：改读已有行返回，调用方按幂等处理
			row := s.db.QueryRowContext(ctx,
				`SELECT `+orderColumns+` FROM orders WHERE account_id = ? AND client_order_id = ?`,
				o.AccountID, o.ClientOrderID)
			existing, rerr := scanOrder(row)
			if rerr != nil {
				return nil, mapDBErr(rerr)
			}
			return existing, ErrDuplicateClientOrderID
		}
		return nil, mapDBErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapDBErr(err)
	}
	return stored, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapDBErr(err)
	}
	return o, nil
}

func (s *SQLiteStore) queryOrders(ctx context.Context, q string, args ...any) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapDBErr(err)
	}
	defer rows.Close()
	var res []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, mapDBErr(err)
		}
		res = append(res, o)
	}
	return res, mapDBErr(rows.Err())
}

func (s *SQLiteStore) OpenOrders(ctx context.Context) ([]*order.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('pending', 'accepted', 'partially_filled')`)
}

func (s *SQLiteStore) OpenOrdersBySymbol(ctx context.Context, symbol string) ([]*order.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = ? AND status IN ('pending', 'accepted', 'partially_filled')`, symbol)
}

func (s *SQLiteStore) OrdersByAccount(ctx context.Context, accountID string) ([]*order.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = ? ORDER BY created_at`, accountID)
}

// mutateOrder 事务内读取-校验-更新，所有状态变更共用。
func (s *SQLiteStore) mutateOrder(ctx context.Context, id string, mutate func(*order.Order) error) (*order.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapDBErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapDBErr(err)
	}

	if err := mutate(o); err != nil {
		return o, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, filled_quantity = ?, avg_fill_price = ?,
			reason = ?, version = ?, updated_at = ?
		 WHERE id = ?`,
		string(o.Status), o.FilledQuantity.String(), decimalPtr(o.AvgFillPrice),
		o.Reason, o.Version, o.UpdatedAt.Format(time.RFC3339Nano), o.ID)
	if err != nil {
		return nil, mapDBErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapDBErr(err)
	}
	return o, nil
}

func (s *SQLiteStore) AcceptOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.mutateOrder(ctx, id, func(o *order.Order) error {
		if order.IsTerminal(o.Status) {
			return ErrOrderTerminal
		}
		if o.Status == order.StatusPending {
			o.Status = order.StatusAccepted
			o.Version++
			o.UpdatedAt = time.Now().UTC()
		}
		return nil
	})
}

func (s *SQLiteStore) CancelOrder(ctx context.Context, id, accountID string) (*order.Order, error) {
	return s.mutateOrder(ctx, id, func(o *order.Order) error {
		if o.AccountID != accountID {
			return ErrNotOwner
		}
		if order.IsTerminal(o.Status) {
			return ErrOrderTerminal
		}
		o.Status = order.StatusCancelled
		o.Version++
		o.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *SQLiteStore) RejectOrder(ctx context.Context, id, reason string) (*order.Order, error) {
	return s.mutateOrder(ctx, id, func(o *order.Order) error {
		if order.IsTerminal(o.Status) {
			return ErrOrderTerminal
		}
		o.Status = order.StatusRejected
		o.Reason = reason
		o.Version++
		o.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *SQLiteStore) ExpireOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.mutateOrder(ctx, id, func(o *order.Order) error {
		if order.IsTerminal(o.Status) {
			return ErrOrderTerminal
		}
		o.Status = order.StatusExpired
		o.Version++
		o.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *SQLiteStore) ApplyFill(ctx context.Context, id string, qty, price decimal.Decimal) (*order.Order, error) {
	return s.mutateOrder(ctx, id, func(o *order.Order) error {
		return applyFillTo(o, qty, price)
	})
}

func (s *SQLiteStore) GetPosition(ctx context.Context, accountID, symbol string) (*position.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account_id, symbol, net_quantity, avg_entry_price, cost_basis,
			realized_pnl, unrealized_pnl, updated_at
		 FROM positions WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBErr(err)
	}
	return p, nil
}

func scanPosition(r rowScanner) (*position.Position, error) {
	var (
		p                                    position.Position
		net, avg, cost, realized, unrealized string
		updatedAt                            string
	)
	err := r.Scan(&p.AccountID, &p.Symbol, &net, &avg, &cost, &realized, &unrealized, &updatedAt)
	if err != nil {
		return nil, err
	}
	if p.NetQuantity, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("bad net_quantity %q: %w", net, err)
	}
	if p.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("bad avg_entry_price %q: %w", avg, err)
	}
	if p.CostBasis, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("bad cost_basis %q: %w", cost, err)
	}
	if p.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("bad realized_pnl %q: %w", realized, err)
	}
	if p.UnrealizedPnL, err = decimal.NewFromString(unrealized); err != nil {
		return nil, fmt.Errorf("bad unrealized_pnl %q: %w", unrealized, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	return &p, nil
}

func (s *SQLiteStore) queryPositions(ctx context.Context, q string, args ...any) ([]*position.Position, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapDBErr(err)
	}
	defer rows.Close()
	var res []*position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, mapDBErr(err)
		}
		res = append(res, p)
	}
	return res, mapDBErr(rows.Err())
}

func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]*position.Position, error) {
	return s.queryPositions(ctx,
		`SELECT account_id, symbol, net_quantity, avg_entry_price, cost_basis,
			realized_pnl, unrealized_pnl, updated_at
		 FROM positions WHERE account_id = ?`, accountID)
}

func (s *SQLiteStore) PositionsBySymbol(ctx context.Context, symbol string) ([]*position.Position, error) {
	// 数量以十进制文本存储，空仓判断放在 Go 侧
	all, err := s.queryPositions(ctx,
		`SELECT account_id, symbol, net_quantity, avg_entry_price, cost_basis,
			realized_pnl, unrealized_pnl, updated_at
		 FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, p := range all {
		if !p.Flat() {
			open = append(open, p)
		}
	}
	return open, nil
}

func (s *SQLiteStore) UpsertPosition(ctx context.Context, p *position.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (account_id, symbol, net_quantity, avg_entry_price,
			cost_basis, realized_pnl, unrealized_pnl, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, symbol) DO UPDATE SET
			net_quantity = excluded.net_quantity,
			avg_entry_price = excluded.avg_entry_price,
			cost_basis = excluded.cost_basis,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at = excluded.updated_at`,
		p.AccountID, p.Symbol, p.NetQuantity.String(), p.AvgEntryPrice.String(),
		p.CostBasis.String(), p.RealizedPnL.String(), p.UnrealizedPnL.String(),
		p.UpdatedAt.Format(time.RFC3339Nano))
	return mapDBErr(err)
}
