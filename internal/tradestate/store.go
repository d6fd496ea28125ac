// Package tradestate holds the client's view of the paper-trading account:
// orders, positions and recent trades, replaced wholesale from the backend.
package tradestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"golang.org/x/sync/errgroup"
)

const DefaultTradeCap = 500

var (
	ErrSnapshotFailed = errors.New("snapshot failed")
	ErrClosed         = errors.New("tradestate: store closed")
)

// API is the subset of the paper-trading client the store uses.
type API interface {
	GetOrders(ctx context.Context) ([]papertrade.Order, error)
	GetPositions(ctx context.Context) ([]papertrade.Position, error)
	GetTrades(ctx context.Context) ([]papertrade.Trade, error)
	GetAuditLogs(ctx context.Context, p papertrade.AuditParams) ([]papertrade.AuditLogEntry, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*papertrade.OrderBook, error)
	GetAccount(ctx context.Context) (*papertrade.Account, error)

	PlaceOrder(ctx context.Context, req *papertrade.SimpleOrderRequest) (*papertrade.Order, error)
	PlaceBracket(ctx context.Context, req *papertrade.BracketOrderRequest) (*papertrade.BracketResult, error)
	PlaceCover(ctx context.Context, req *papertrade.CoverOrderRequest) (*papertrade.CoverResult, error)
	CancelOrder(ctx context.Context, orderID int64) (*papertrade.CancelResult, error)
	ModifyOrder(ctx context.Context, orderID int64, patch papertrade.OrderPatch) (*papertrade.Order, error)
	ModifyPositionStops(ctx context.Context, positionID int64, stops papertrade.PositionStops) (json.RawMessage, error)
}

type Options struct {
	TradeCap int      // newest trades kept; DefaultTradeCap when zero
	Bus      *bus.Bus // optional; receives KindRefreshed after each swap
}

// Snapshot is a consistent copy of the store's collections.
type Snapshot struct {
	Orders      []papertrade.Order
	Positions   []papertrade.Position
	Trades      []papertrade.Trade
	RefreshedAt time.Time
	Refreshes   int64
}

// Store is safe for concurrent use. Only FetchAll writes the order,
// position and trade collections.
type Store struct {
	api  API
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	orders      []papertrade.Order
	positions   []papertrade.Position
	trades      []papertrade.Trade
	auditLogs   []papertrade.AuditLogEntry
	orderBook   *papertrade.OrderBook
	account     *papertrade.Account
	connState   string
	connected   bool
	refreshedAt time.Time
	refreshes   int64
	failures    int64

	// fetchSeq numbers FetchAll calls as they start; appliedSeq is the
	// newest one whose snapshot was swapped in.
	fetchSeq   uint64
	appliedSeq uint64
}

func New(api API, opts Options) *Store {
	if opts.TradeCap <= 0 {
		opts.TradeCap = DefaultTradeCap
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		api:       api,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		connState: "disconnected",
	}
}

// Close cancels in-flight fetches. Results arriving afterwards are discarded.
func (s *Store) Close() {
	s.cancel()
}

func (s *Store) closed() bool {
	return s.ctx.Err() != nil
}

// bind returns a context cancelled by either ctx or the store lifecycle.
func (s *Store) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// FetchAll retrieves orders, positions and trades concurrently and replaces
// all three only if every request succeeded.
func (s *Store) FetchAll(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()

	s.mu.Lock()
	s.fetchSeq++
	seq := s.fetchSeq
	s.mu.Unlock()

	var (
		orders    []papertrade.Order
		positions []papertrade.Position
		trades    []papertrade.Trade
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		orders, err = s.api.GetOrders(gctx)
		if err != nil {
			return fmt.Errorf("orders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		positions, err = s.api.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		trades, err = s.api.GetTrades(gctx)
		if err != nil {
			return fmt.Errorf("trades: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		slog.Warn("trading state refresh failed", "err", err)
		return fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}

	trades = newestTrades(trades, s.opts.TradeCap)

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return ErrClosed
	}
	if seq < s.appliedSeq {
		// a fetch that started later already landed; this one is older
		applied := s.appliedSeq
		s.mu.Unlock()
		slog.Debug("discarding stale trading state snapshot", "seq", seq, "applied", applied)
		return nil
	}
	s.appliedSeq = seq
	s.orders = orders
	s.positions = positions
	s.trades = trades
	s.refreshedAt = time.Now()
	s.refreshes++
	s.mu.Unlock()

	slog.Debug("trading state refreshed",
		"orders", len(orders),
		"positions", len(positions),
		"trades", len(trades),
	)
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(bus.Event{Kind: bus.KindRefreshed})
	}
	return nil
}

// newestTrades sorts by timestamp descending and keeps the first n.
func newestTrades(trades []papertrade.Trade, n int) []papertrade.Trade {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.After(trades[j].Timestamp)
	})
	if len(trades) > n {
		trades = trades[:n:n]
	}
	return trades
}

// --- Accessors (copies) ---

func (s *Store) Orders() []papertrade.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]papertrade.Order(nil), s.orders...)
}

// OpenOrders returns pending and partially filled orders.
func (s *Store) OpenOrders() []papertrade.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []papertrade.Order
	for i := range s.orders {
		if s.orders[i].Open() {
			out = append(out, s.orders[i])
		}
	}
	return out
}

func (s *Store) Positions() []papertrade.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]papertrade.Position(nil), s.positions...)
}

func (s *Store) Trades() []papertrade.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]papertrade.Trade(nil), s.trades...)
}

func (s *Store) AuditLogs() []papertrade.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]papertrade.AuditLogEntry(nil), s.auditLogs...)
}

// OrderBook returns the last fetched book, or nil.
func (s *Store) OrderBook() *papertrade.OrderBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.orderBook == nil {
		return nil
	}
	ob := *s.orderBook
	ob.Bids = append([]papertrade.BookLevel(nil), ob.Bids...)
	ob.Asks = append([]papertrade.BookLevel(nil), ob.Asks...)
	return &ob
}

func (s *Store) Account() *papertrade.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return nil
	}
	a := *s.account
	return &a
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Orders:      append([]papertrade.Order(nil), s.orders...),
		Positions:   append([]papertrade.Position(nil), s.positions...),
		Trades:      append([]papertrade.Trade(nil), s.trades...),
		RefreshedAt: s.refreshedAt,
		Refreshes:   s.refreshes,
	}
}

// Failures counts snapshot attempts that left the state untouched.
func (s *Store) Failures() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// SetConnState records the transport state. Wired to the market feed.
func (s *Store) SetConnState(state string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connState = state
	s.connected = connected
}

func (s *Store) ConnState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
