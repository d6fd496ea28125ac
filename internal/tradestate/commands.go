package tradestate

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gw/quantnest-sync/internal/papertrade"
)

// Every mutating command refreshes the full snapshot before returning.
// Backend errors are returned as-is and skip the refresh; a failed
// refresh after a successful command is logged, not returned.

func (s *Store) PlaceOrder(ctx context.Context, req *papertrade.SimpleOrderRequest) (*papertrade.Order, error) {
	order, err := s.api.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	slog.Info("order placed", "id", order.ID, "symbol", order.Symbol, "side", order.Side, "type", order.OrderType)
	s.refreshAfter(ctx, "place")
	return order, nil
}

func (s *Store) PlaceBracketOrder(ctx context.Context, req *papertrade.BracketOrderRequest) (*papertrade.BracketResult, error) {
	res, err := s.api.PlaceBracket(ctx, req)
	if err != nil {
		return nil, err
	}
	slog.Info("bracket placed", "entry", res.Entry.ID, "tp", res.TPID, "sl", res.SLID)
	s.refreshAfter(ctx, "bracket")
	return res, nil
}

func (s *Store) PlaceCoverOrder(ctx context.Context, req *papertrade.CoverOrderRequest) (*papertrade.CoverResult, error) {
	res, err := s.api.PlaceCover(ctx, req)
	if err != nil {
		return nil, err
	}
	slog.Info("cover placed", "entry", res.Entry.ID, "sl", res.SLChild)
	s.refreshAfter(ctx, "cover")
	return res, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID int64) (*papertrade.CancelResult, error) {
	res, err := s.api.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	slog.Info("order cancelled", "id", orderID)
	s.refreshAfter(ctx, "cancel")
	return res, nil
}

func (s *Store) ModifyOrder(ctx context.Context, orderID int64, patch papertrade.OrderPatch) (*papertrade.Order, error) {
	order, err := s.api.ModifyOrder(ctx, orderID, patch)
	if err != nil {
		return nil, err
	}
	slog.Info("order modified", "id", orderID)
	s.refreshAfter(ctx, "modify")
	return order, nil
}

func (s *Store) ModifyPositionStops(ctx context.Context, positionID int64, stops papertrade.PositionStops) (json.RawMessage, error) {
	res, err := s.api.ModifyPositionStops(ctx, positionID, stops)
	if err != nil {
		return nil, err
	}
	slog.Info("position stops updated", "id", positionID)
	s.refreshAfter(ctx, "stops")
	return res, nil
}

func (s *Store) refreshAfter(ctx context.Context, cmd string) {
	if err := s.FetchAll(ctx); err != nil {
		slog.Warn("refresh after command failed", "cmd", cmd, "err", err)
	}
}

// --- Non-snapshot reads ---

// FetchAuditLogs replaces the stored audit entries.
func (s *Store) FetchAuditLogs(ctx context.Context, p papertrade.AuditParams) ([]papertrade.AuditLogEntry, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()

	logs, err := s.api.GetAuditLogs(ctx, p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return nil, ErrClosed
	}
	s.auditLogs = logs
	return append([]papertrade.AuditLogEntry(nil), logs...), nil
}

// FetchOrderBook replaces the stored book wholesale.
func (s *Store) FetchOrderBook(ctx context.Context, symbol string, depth int) (*papertrade.OrderBook, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()

	ob, err := s.api.GetOrderBook(ctx, symbol, depth)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.orderBook = ob
	s.mu.Unlock()
	return s.OrderBook(), nil
}

func (s *Store) FetchAccount(ctx context.Context) (*papertrade.Account, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()

	acct, err := s.api.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.account = acct
	s.mu.Unlock()
	return s.Account(), nil
}
