package tradestate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	orders    []papertrade.Order
	positions []papertrade.Position
	trades    []papertrade.Trade

	ordersErr    error
	positionsErr error
	tradesErr    error
	commandErr   error

	// block, when set, holds GetOrders until closed
	block chan struct{}
	// holdFirst, when set, holds only the first GetOrders call and then
	// returns the orders as they were when that call started
	holdFirst chan struct{}

	gets     atomic.Int64
	commands atomic.Int64
}

func (f *fakeAPI) GetOrders(ctx context.Context) ([]papertrade.Order, error) {
	if f.gets.Add(1) == 1 && f.holdFirst != nil {
		f.mu.Lock()
		held := append([]papertrade.Order(nil), f.orders...)
		f.mu.Unlock()
		select {
		case <-f.holdFirst:
			return held, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	return append([]papertrade.Order(nil), f.orders...), nil
}

func (f *fakeAPI) GetPositions(ctx context.Context) ([]papertrade.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return append([]papertrade.Position(nil), f.positions...), nil
}

func (f *fakeAPI) GetTrades(ctx context.Context) ([]papertrade.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tradesErr != nil {
		return nil, f.tradesErr
	}
	return append([]papertrade.Trade(nil), f.trades...), nil
}

func (f *fakeAPI) GetAuditLogs(ctx context.Context, p papertrade.AuditParams) ([]papertrade.AuditLogEntry, error) {
	id := p.OrderID
	return []papertrade.AuditLogEntry{{ID: 1, OrderID: &id, Action: "CREATE"}}, nil
}

func (f *fakeAPI) GetOrderBook(ctx context.Context, symbol string, depth int) (*papertrade.OrderBook, error) {
	return &papertrade.OrderBook{
		Symbol: symbol,
		Depth:  depth,
		Bids:   []papertrade.BookLevel{{Price: decimal.NewFromInt(99), Qty: 10}},
		Asks:   []papertrade.BookLevel{{Price: decimal.NewFromInt(101), Qty: 5}},
	}, nil
}

func (f *fakeAPI) GetAccount(ctx context.Context) (*papertrade.Account, error) {
	return &papertrade.Account{Balance: decimal.NewFromInt(100000)}, nil
}

func (f *fakeAPI) command() error {
	f.commands.Add(1)
	return f.commandErr
}

func (f *fakeAPI) PlaceOrder(ctx context.Context, req *papertrade.SimpleOrderRequest) (*papertrade.Order, error) {
	if err := f.command(); err != nil {
		return nil, err
	}
	o := papertrade.Order{ID: 42, Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, Status: papertrade.StatusPending}
	f.mu.Lock()
	f.orders = append(f.orders, o)
	f.mu.Unlock()
	return &o, nil
}

func (f *fakeAPI) PlaceBracket(ctx context.Context, req *papertrade.BracketOrderRequest) (*papertrade.BracketResult, error) {
	if err := f.command(); err != nil {
		return nil, err
	}
	return &papertrade.BracketResult{Entry: papertrade.Order{ID: 1}, TPID: 2, SLID: 3}, nil
}

func (f *fakeAPI) PlaceCover(ctx context.Context, req *papertrade.CoverOrderRequest) (*papertrade.CoverResult, error) {
	if err := f.command(); err != nil {
		return nil, err
	}
	return &papertrade.CoverResult{Entry: papertrade.Order{ID: 1}, SLChild: 2}, nil
}

func (f *fakeAPI) CancelOrder(ctx context.Context, orderID int64) (*papertrade.CancelResult, error) {
	if err := f.command(); err != nil {
		return nil, err
	}
	return &papertrade.CancelResult{OK: true}, nil
}

func (f *fakeAPI) ModifyOrder(ctx context.Context, orderID int64, patch papertrade.OrderPatch) (*papertrade.Order, error) {
	if err := f.command(); err != nil {
		return nil, err
	}
	return &papertrade.Order{ID: orderID}, nil
}

func (f *fakeAPI) ModifyPositionStops(ctx context.Context, positionID int64, stops papertrade.PositionStops) (json.RawMessage, error) {
	if err := f.command(); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func seeded() *fakeAPI {
	return &fakeAPI{
		orders:    []papertrade.Order{{ID: 1, Symbol: "TCS", Status: papertrade.StatusPending}, {ID: 2, Symbol: "INFY", Status: papertrade.StatusFilled}},
		positions: []papertrade.Position{{ID: 9, Symbol: "INFY", Qty: 10}},
		trades:    []papertrade.Trade{{ID: 5, OrderID: 2, Qty: 10}},
	}
}

func TestFetchAll_ReplacesAllThree(t *testing.T) {
	api := seeded()
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(4, bus.Kinds(bus.KindRefreshed))

	s := New(api, Options{Bus: b})
	defer s.Close()

	require.NoError(t, s.FetchAll(context.Background()))

	snap := s.Snapshot()
	assert.Len(t, snap.Orders, 2)
	assert.Len(t, snap.Positions, 1)
	assert.Len(t, snap.Trades, 1)
	assert.Equal(t, int64(1), snap.Refreshes)
	assert.Len(t, s.OpenOrders(), 1)

	select {
	case ev := <-sub.C:
		assert.Equal(t, bus.KindRefreshed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no refresh event")
	}
}

func TestFetchAll_PartialFailureLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name string
		set  func(*fakeAPI, error)
	}{
		{"orders", func(f *fakeAPI, err error) { f.ordersErr = err }},
		{"positions", func(f *fakeAPI, err error) { f.positionsErr = err }},
		{"trades", func(f *fakeAPI, err error) { f.tradesErr = err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := seeded()
			s := New(api, Options{})
			defer s.Close()
			require.NoError(t, s.FetchAll(context.Background()))
			before := s.Snapshot()

			// backend moves on, but one of the three requests fails
			api.mu.Lock()
			api.orders = nil
			api.positions = nil
			api.trades = nil
			api.mu.Unlock()
			boom := &papertrade.APIError{Kind: papertrade.KindServer, Status: 500, Detail: "boom"}
			tt.set(api, boom)

			err := s.FetchAll(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSnapshotFailed)
			assert.Equal(t, papertrade.KindServer, papertrade.KindOf(err))

			after := s.Snapshot()
			assert.Equal(t, before.Orders, after.Orders)
			assert.Equal(t, before.Positions, after.Positions)
			assert.Equal(t, before.Trades, after.Trades)
			assert.Equal(t, int64(1), s.Failures())
		})
	}
}

func TestFetchAll_CapsTradesNewestFirst(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 15, 0, 0, time.UTC)
	api := &fakeAPI{}
	for i := 0; i < 800; i++ {
		api.trades = append(api.trades, papertrade.Trade{ID: int64(i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	s := New(api, Options{})
	defer s.Close()
	require.NoError(t, s.FetchAll(context.Background()))

	trades := s.Trades()
	require.Len(t, trades, DefaultTradeCap)
	assert.Equal(t, int64(799), trades[0].ID)
	assert.Equal(t, int64(300), trades[len(trades)-1].ID)
}

func TestFetchAll_AfterClose(t *testing.T) {
	s := New(seeded(), Options{})
	s.Close()
	assert.ErrorIs(t, s.FetchAll(context.Background()), ErrClosed)
	assert.Empty(t, s.Orders())
}

func TestFetchAll_CloseDuringFlightDiscards(t *testing.T) {
	api := seeded()
	api.block = make(chan struct{})
	s := New(api, Options{})

	errc := make(chan error, 1)
	go func() { errc <- s.FetchAll(context.Background()) }()
	require.Eventually(t, func() bool { return api.gets.Load() == 1 }, time.Second, time.Millisecond)

	s.Close()
	err := <-errc
	require.Error(t, err)
	assert.Empty(t, s.Orders())
}

func TestFetchAll_OlderFetchDoesNotOverwriteNewer(t *testing.T) {
	ctx := context.Background()
	api := seeded()
	api.holdFirst = make(chan struct{})
	s := New(api, Options{})
	defer s.Close()

	errc := make(chan error, 1)
	go func() { errc <- s.FetchAll(ctx) }()
	require.Eventually(t, func() bool { return api.gets.Load() == 1 }, time.Second, time.Millisecond)

	_, err := s.PlaceOrder(ctx, &papertrade.SimpleOrderRequest{Symbol: "RELIANCE", Side: papertrade.Buy, Qty: 10, OrderType: papertrade.Market})
	require.NoError(t, err)
	require.Len(t, s.Orders(), 3)

	// the first fetch read two orders before the placement
	close(api.holdFirst)
	require.NoError(t, <-errc)

	orders := s.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, int64(42), orders[2].ID)
	assert.Equal(t, int64(1), s.Snapshot().Refreshes)
}

func TestCommands_RefreshOnSuccess(t *testing.T) {
	ctx := context.Background()
	api := seeded()
	s := New(api, Options{})
	defer s.Close()

	order, err := s.PlaceOrder(ctx, &papertrade.SimpleOrderRequest{Symbol: "RELIANCE", Side: papertrade.Buy, Qty: 10, OrderType: papertrade.Market})
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.ID)

	// store reflects the new order without any push event
	assert.Len(t, s.Orders(), 3)
	assert.Equal(t, int64(1), s.Snapshot().Refreshes)

	_, err = s.CancelOrder(ctx, 42)
	require.NoError(t, err)
	qty := 5
	_, err = s.ModifyOrder(ctx, 1, papertrade.OrderPatch{Qty: &qty})
	require.NoError(t, err)
	_, err = s.PlaceBracketOrder(ctx, &papertrade.BracketOrderRequest{Symbol: "TCS"})
	require.NoError(t, err)
	_, err = s.PlaceCoverOrder(ctx, &papertrade.CoverOrderRequest{Symbol: "TCS"})
	require.NoError(t, err)
	_, err = s.ModifyPositionStops(ctx, 9, papertrade.PositionStops{})
	require.NoError(t, err)

	assert.Equal(t, int64(6), s.Snapshot().Refreshes)
}

func TestCommands_ErrorPropagatesWithoutRefresh(t *testing.T) {
	api := seeded()
	reject := &papertrade.APIError{Kind: papertrade.KindValidation, Status: 400, Detail: "Insufficient margin"}
	api.commandErr = reject

	s := New(api, Options{})
	defer s.Close()

	_, err := s.PlaceOrder(context.Background(), &papertrade.SimpleOrderRequest{Symbol: "TCS"})
	require.Error(t, err)
	assert.Same(t, reject, err)
	assert.Equal(t, "Insufficient margin", papertrade.DetailOf(err))
	assert.Equal(t, int64(0), api.gets.Load())
	assert.Equal(t, int64(0), s.Snapshot().Refreshes)
}

func TestCommands_RefreshFailureNotReturned(t *testing.T) {
	api := seeded()
	api.tradesErr = errors.New("trades down")

	s := New(api, Options{})
	defer s.Close()

	_, err := s.CancelOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Failures())
}

func TestAuxiliaryFetches(t *testing.T) {
	ctx := context.Background()
	s := New(seeded(), Options{})
	defer s.Close()

	assert.Nil(t, s.OrderBook())

	ob, err := s.FetchOrderBook(ctx, "TCS", 12)
	require.NoError(t, err)
	assert.Equal(t, "TCS", ob.Symbol)
	assert.Equal(t, 12, ob.Depth)

	// returned copies do not alias the store
	ob.Bids[0].Qty = 999
	assert.Equal(t, 10, s.OrderBook().Bids[0].Qty)

	logs, err := s.FetchAuditLogs(ctx, papertrade.AuditParams{OrderID: 7})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Len(t, s.AuditLogs(), 1)

	acct, err := s.FetchAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100000", acct.Balance.String())
	assert.NotNil(t, s.Account())
}

func TestConnState(t *testing.T) {
	s := New(seeded(), Options{})
	defer s.Close()

	assert.Equal(t, "disconnected", s.ConnState())
	assert.False(t, s.Connected())
	s.SetConnState("connected", true)
	assert.Equal(t, "connected", s.ConnState())
	assert.True(t, s.Connected())
}
