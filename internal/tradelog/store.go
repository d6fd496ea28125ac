package tradelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	// a watcher process may be writing while the CLI reads
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Run schema migration
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) UpsertOrder(ctx context.Context, o *Order) error {
	return upsertOrder(ctx, s.db, o)
}

func upsertOrder(ctx context.Context, db execer, o *Order) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO orders (order_id, symbol, side, order_type, product_type,
			qty, filled_qty, remaining_qty, price, trigger_price, avg_fill_price,
			status, order_tag, oco_group, parent_id, created_time, updated_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			qty = excluded.qty,
			filled_qty = excluded.filled_qty,
			remaining_qty = excluded.remaining_qty,
			price = excluded.price,
			trigger_price = excluded.trigger_price,
			avg_fill_price = excluded.avg_fill_price,
			status = excluded.status,
			updated_time = excluded.updated_time`,
		o.OrderID, o.Symbol, o.Side, o.OrderType, o.ProductType,
		o.Qty, o.FilledQty, o.RemainingQty, o.Price, o.TriggerPrice, o.AvgFillPrice,
		o.Status, o.OrderTag, o.OCOGroup, o.ParentID, o.CreatedTime, o.UpdatedTime,
	)
	return err
}

func (s *Store) InsertTrade(ctx context.Context, t *Trade) error {
	return insertTrade(ctx, s.db, t)
}

func insertTrade(ctx context.Context, db execer, t *Trade) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (trade_id, order_id, symbol, qty, price, created_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.OrderID, t.Symbol, t.Qty, t.Price, t.CreatedTime,
	)
	return err
}

func upsertPosition(ctx context.Context, db execer, p *Position) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO positions (position_id, symbol, qty, avg_price, realized_pnl,
			unrealized_pnl, sl_price, tp_price, synced_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			position_id = CASE WHEN excluded.position_id != 0
				THEN excluded.position_id ELSE positions.position_id END,
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			sl_price = excluded.sl_price,
			tp_price = excluded.tp_price,
			synced_time = excluded.synced_time`,
		p.PositionID, p.Symbol, p.Qty, p.AvgPrice, p.RealizedPnL,
		p.UnrealizedPnL, p.SLPrice, p.TPPrice, p.SyncedTime,
	)
	return err
}

func (s *Store) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_log (entry_id, order_id, action, performed_by, details, logged_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.OrderID, e.Action, e.PerformedBy, e.Details, e.LoggedTime,
	)
	return err
}

// inTx runs fn in one transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) GetDailyTurnover(ctx context.Context) ([]DailyTurnover, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, turnover, volume, trades FROM v_daily_turnover`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DailyTurnover
	for rows.Next() {
		var d DailyTurnover
		if err := rows.Scan(&d.Date, &d.Turnover, &d.Volume, &d.Trades); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) GetSymbolSummary(ctx context.Context) ([]SymbolSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, bought, sold, cash_flow, trades
		FROM v_symbol_summary ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SymbolSummary
	for rows.Next() {
		var r SymbolSummary
		if err := rows.Scan(&r.Symbol, &r.Bought, &r.Sold, &r.CashFlow, &r.Trades); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) GetPositions(ctx context.Context, openOnly bool) ([]Position, error) {
	q := `SELECT position_id, symbol, qty, avg_price, realized_pnl, unrealized_pnl,
			sl_price, tp_price, synced_time
		FROM positions`
	if openOnly {
		q += ` WHERE qty != 0`
	}
	q += ` ORDER BY symbol`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.PositionID, &p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnL,
			&p.UnrealizedPnL, &p.SLPrice, &p.TPPrice, &p.SyncedTime); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) RecentOrders(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, symbol, side, order_type, product_type, qty, filled_qty,
			remaining_qty, price, trigger_price, avg_fill_price, status, order_tag,
			oco_group, parent_id, created_time, updated_time
		FROM orders ORDER BY created_time DESC, order_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Order
	for rows.Next() {
		var o Order
		var parent sql.NullInt64
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.OrderType, &o.ProductType,
			&o.Qty, &o.FilledQty, &o.RemainingQty, &o.Price, &o.TriggerPrice, &o.AvgFillPrice,
			&o.Status, &o.OrderTag, &o.OCOGroup, &parent, &o.CreatedTime, &o.UpdatedTime); err != nil {
			return nil, err
		}
		if parent.Valid {
			o.ParentID = &parent.Int64
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

func (s *Store) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, order_id, symbol, side, qty, price, created_time
		FROM v_trades ORDER BY created_time DESC, trade_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.TradeID, &t.OrderID, &t.Symbol, &t.Side,
			&t.Qty, &t.Price, &t.CreatedTime); err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func (s *Store) AuditTrail(ctx context.Context, orderID int64) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, order_id, action, performed_by, details, logged_time
		FROM audit_log WHERE order_id = ? ORDER BY logged_time, entry_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var order, by sql.NullInt64
		if err := rows.Scan(&e.EntryID, &order, &e.Action, &by, &e.Details, &e.LoggedTime); err != nil {
			return nil, err
		}
		if order.Valid {
			e.OrderID = &order.Int64
		}
		if by.Valid {
			e.PerformedBy = &by.Int64
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
