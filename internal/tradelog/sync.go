package tradelog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gw/quantnest-sync/internal/papertrade"
)

// Source is the part of the paper-trading API the journal reads from.
type Source interface {
	GetOrders(ctx context.Context) ([]papertrade.Order, error)
	GetPositions(ctx context.Context) ([]papertrade.Position, error)
	GetTrades(ctx context.Context) ([]papertrade.Trade, error)
	GetAuditLogs(ctx context.Context, p papertrade.AuditParams) ([]papertrade.AuditLogEntry, error)
}

// Sync fetches orders, positions, trades and the audit log from the
// backend and stores them.
func Sync(ctx context.Context, src Source, store *Store) error {
	orders, err := src.GetOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetching orders: %w", err)
	}
	positions, err := src.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}
	trades, err := src.GetTrades(ctx)
	if err != nil {
		return fmt.Errorf("fetching trades: %w", err)
	}
	if err := store.RecordSnapshot(ctx, orders, positions, trades); err != nil {
		return err
	}

	entries, err := src.GetAuditLogs(ctx, papertrade.AuditParams{})
	if err != nil {
		return fmt.Errorf("fetching audit log: %w", err)
	}
	for _, e := range entries {
		local := auditToLocal(e)
		if err := store.InsertAuditEntry(ctx, &local); err != nil {
			return err
		}
	}
	slog.Info("synced audit log", "count", len(entries))
	return nil
}

// RecordSnapshot writes one consistent view of orders, positions and
// trades in a single transaction.
func (s *Store) RecordSnapshot(ctx context.Context, orders []papertrade.Order, positions []papertrade.Position, trades []papertrade.Trade) error {
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, o := range orders {
			local := orderToLocal(o)
			if err := upsertOrder(ctx, tx, &local); err != nil {
				return fmt.Errorf("order %d: %w", o.ID, err)
			}
		}
		for _, p := range positions {
			local := positionToLocal(p, now)
			if err := upsertPosition(ctx, tx, &local); err != nil {
				return fmt.Errorf("position %d: %w", p.ID, err)
			}
		}
		for _, t := range trades {
			local := tradeToLocal(t)
			if err := insertTrade(ctx, tx, &local); err != nil {
				return fmt.Errorf("trade %d: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("journal snapshot recorded",
		"orders", len(orders),
		"positions", len(positions),
		"trades", len(trades),
	)
	return nil
}

func orderToLocal(o papertrade.Order) Order {
	created, updated := o.CreatedAt, o.UpdatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if updated.IsZero() {
		updated = created
	}
	return Order{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		OrderType:    string(o.OrderType),
		ProductType:  o.ProductType,
		Qty:          o.Qty,
		FilledQty:    o.FilledQty,
		RemainingQty: o.RemainingQty,
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		AvgFillPrice: o.AvgFillPrice,
		Status:       string(o.Status),
		OrderTag:     o.OrderTag,
		OCOGroup:     o.OCOGroup,
		ParentID:     o.ParentID,
		CreatedTime:  created,
		UpdatedTime:  updated,
	}
}

func tradeToLocal(t papertrade.Trade) Trade {
	return Trade{
		TradeID:     t.ID,
		OrderID:     t.OrderID,
		Symbol:      t.Symbol,
		Qty:         t.Qty,
		Price:       t.Price,
		CreatedTime: t.Timestamp,
	}
}

func positionToLocal(p papertrade.Position, synced time.Time) Position {
	return Position{
		PositionID:    p.ID,
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		AvgPrice:      p.AvgPrice,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		SLPrice:       p.SLPrice,
		TPPrice:       p.TPPrice,
		SyncedTime:    synced,
	}
}

func auditToLocal(e papertrade.AuditLogEntry) AuditEntry {
	details := string(e.Details)
	if details == "null" {
		details = ""
	}
	return AuditEntry{
		EntryID:     e.ID,
		OrderID:     e.OrderID,
		Action:      e.Action,
		PerformedBy: e.PerformedBy,
		Details:     details,
		LoggedTime:  e.Timestamp,
	}
}
