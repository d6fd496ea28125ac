// Package quotes keeps the latest tick per symbol from the market feed.
package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	StaleAfter  = 5 * time.Second
	historySize = 900
)

// TickSource is the REST fallback for symbols without a live tick.
type TickSource interface {
	GetLatestTick(ctx context.Context, symbol string) (*papertrade.Tick, error)
}

type TimedPrice struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

type quote struct {
	tick       papertrade.Tick
	lastUpdate time.Time
	fromREST   bool

	history     []TimedPrice // ring buffer
	historyIdx  int
	historyFull bool
}

type Board struct {
	src TickSource

	mu     sync.RWMutex
	quotes map[string]*quote

	sf singleflight.Group
}

func NewBoard(src TickSource) *Board {
	return &Board{
		src:    src,
		quotes: make(map[string]*quote),
	}
}

// Run applies ticks from sub until ctx ends or the subscription closes.
func (b *Board) Run(ctx context.Context, sub *bus.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Kind == bus.KindTick {
				b.Apply(ev.Tick)
			}
		}
	}
}

// Apply records a live tick. Non-positive prices are ignored.
func (b *Board) Apply(t papertrade.Tick) {
	b.set(t, false)
}

func (b *Board) set(t papertrade.Tick, fromREST bool) {
	if t.Symbol == "" || !t.Price.IsPositive() {
		return
	}
	sym := strings.ToUpper(t.Symbol)
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[sym]
	if !ok {
		q = &quote{history: make([]TimedPrice, historySize)}
		b.quotes[sym] = q
	}
	q.tick = t
	q.lastUpdate = now
	q.fromREST = fromREST

	q.history[q.historyIdx] = TimedPrice{Time: now, Price: t.Price}
	q.historyIdx++
	if q.historyIdx >= len(q.history) {
		q.historyIdx = 0
		q.historyFull = true
	}
}

// Tick returns the last tick seen for symbol.
func (b *Board) Tick(symbol string) (papertrade.Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok {
		return papertrade.Tick{}, false
	}
	return q.tick, true
}

func (b *Board) IsStale(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok || q.lastUpdate.IsZero() {
		return true
	}
	return time.Since(q.lastUpdate) > StaleAfter
}

// LatestPrice returns the live price, falling back to the REST endpoint
// when the symbol is stale. Concurrent fallbacks for one symbol share a
// single request.
func (b *Board) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym := strings.ToUpper(symbol)
	if !b.IsStale(sym) {
		t, _ := b.Tick(sym)
		return t.Price, nil
	}
	if b.src == nil {
		if t, ok := b.Tick(sym); ok {
			return t.Price, nil
		}
		return decimal.Zero, fmt.Errorf("no quote for %s", sym)
	}

	v, err, shared := b.sf.Do(sym, func() (interface{}, error) {
		t, err := b.src.GetLatestTick(ctx, sym)
		if err != nil {
			return nil, err
		}
		if t.Symbol == "" {
			t.Symbol = sym
		}
		b.set(*t, true)
		return t.Price, nil
	})
	if err != nil {
		// last known price beats nothing
		if t, ok := b.Tick(sym); ok {
			slog.Debug("latest tick fallback failed, using last known", "symbol", sym, "err", err)
			return t.Price, nil
		}
		return decimal.Zero, fmt.Errorf("latest tick %s: %w", sym, err)
	}
	if shared {
		slog.Debug("latest tick shared", "symbol", sym)
	}
	return v.(decimal.Decimal), nil
}

// History returns the most recent n prices for symbol, oldest first.
func (b *Board) History(symbol string, n int) []TimedPrice {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok {
		return nil
	}

	total := q.historyIdx
	if q.historyFull {
		total = len(q.history)
	}
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}

	result := make([]TimedPrice, n)
	for i := range n {
		idx := q.historyIdx - n + i
		if idx < 0 {
			idx += len(q.history)
		}
		result[i] = q.history[idx]
	}
	return result
}

type QuoteHealth struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	LastUpdate    time.Time       `json:"last_update"`
	Stale         bool            `json:"stale"`
	FromREST      bool            `json:"from_rest"`
}

// Status summarizes every known symbol, sorted by name.
func (b *Board) Status() []QuoteHealth {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]QuoteHealth, 0, len(b.quotes))
	for sym, q := range b.quotes {
		out = append(out, QuoteHealth{
			Symbol:        sym,
			Price:         q.tick.Price,
			Change:        q.tick.Change,
			ChangePercent: q.tick.ChangePercent,
			LastUpdate:    q.lastUpdate,
			Stale:         time.Since(q.lastUpdate) > StaleAfter,
			FromREST:      q.fromREST,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
