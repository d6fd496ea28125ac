// Package terminal wires the trading client together: REST client, store,
// market feed, debounced reconciliation, quote board and the optional
// journal and status server. It owns their lifecycle.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/config"
	"github.com/gw/quantnest-sync/internal/debounce"
	"github.com/gw/quantnest-sync/internal/marketfeed"
	"github.com/gw/quantnest-sync/internal/orderentry"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/gw/quantnest-sync/internal/quotes"
	"github.com/gw/quantnest-sync/internal/statusapi"
	"github.com/gw/quantnest-sync/internal/tradelog"
	"github.com/gw/quantnest-sync/internal/tradestate"
	"golang.org/x/sync/errgroup"
)

var ErrNotOpen = errors.New("terminal: not open")

type Options struct {
	// Journal mirrors every successful refresh into the sqlite journal at
	// cfg.DBPath.
	Journal bool
	// Status serves the read-only HTTP view on cfg.StatusAddr when set.
	Status bool
}

type Terminal struct {
	cfg  *config.Config
	opts Options

	Bus    *bus.Bus
	Client *papertrade.Client
	Store  *tradestate.Store
	Feed   *marketfeed.Feed
	Quotes *quotes.Board

	journal   *tradelog.Store
	status    *statusapi.Server
	debouncer *debounce.Debouncer

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	open   bool
	closed bool
}

func New(cfg *config.Config, opts Options) (*Terminal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := papertrade.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("paper client: %w", err)
	}

	t := &Terminal{
		cfg:    cfg,
		opts:   opts,
		Bus:    bus.New(),
		Client: client,
		Quotes: quotes.NewBoard(client),
	}
	t.Store = tradestate.New(client, tradestate.Options{TradeCap: cfg.TradeCap, Bus: t.Bus})
	t.debouncer = debounce.New(cfg.RefreshDebounce, t.reconcile)
	t.Feed = marketfeed.New(marketfeed.Options{
		URL:          cfg.WSBaseURL(),
		Token:        cfg.AccessToken,
		Exchange:     cfg.Exchange,
		Symbols:      cfg.Symbols,
		MinBackoff:   cfg.ReconnectMin,
		MaxBackoff:   cfg.ReconnectMax,
		DegradeAfter: cfg.DegradeAfter,
		Bus:          t.Bus,
		OnStateChanged: func(update string) {
			t.debouncer.Trigger()
		},
		OnConnState: func(s marketfeed.ConnState) {
			t.Store.SetConnState(s.String(), s == marketfeed.StateConnected)
		},
	})
	return t, nil
}

// reconcile runs on the debouncer's goroutine after a burst of pushes.
func (t *Terminal) reconcile() {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	// failure keeps last known state; the next push or command retries
	_ = t.Store.FetchAll(ctx)
}

// Open loads the initial snapshot and starts the background workers.
// A failed initial snapshot is logged, not fatal.
func (t *Terminal) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("terminal: closed")
	}
	if t.open {
		t.mu.Unlock()
		return nil
	}

	if t.opts.Journal {
		j, err := tradelog.Open(t.cfg.DBPath)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("journal: %w", err)
		}
		t.journal = j
	}
	if t.opts.Status && t.cfg.StatusAddr != "" {
		t.status = statusapi.New(t.cfg.StatusAddr, t.Store, t.Quotes)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	t.ctx, t.cancel, t.group, t.open = gctx, cancel, g, true

	// Subscribe before starting the feed so no early event is missed.
	quoteSub := t.Bus.Subscribe(256, bus.Kinds(bus.KindTick))
	var journalSub *bus.Subscription
	if t.journal != nil {
		journalSub = t.Bus.Subscribe(8, bus.Kinds(bus.KindRefreshed))
	}
	t.mu.Unlock()

	if err := t.Store.FetchAll(gctx); err != nil {
		slog.Warn("initial snapshot failed", "err", err)
	}
	if _, err := t.Store.FetchAccount(gctx); err != nil {
		slog.Debug("account fetch failed", "err", err)
	}

	g.Go(func() error { return ignoreCancel(t.Feed.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(t.Quotes.Run(gctx, quoteSub)) })
	if journalSub != nil {
		g.Go(func() error { return ignoreCancel(t.runJournal(gctx, journalSub)) })
	}
	if t.status != nil {
		g.Go(func() error { return t.status.Start(gctx) })
	}

	slog.Info("terminal open",
		"api", t.cfg.APIURL,
		"ws", t.cfg.WSBaseURL(),
		"symbols", len(t.cfg.Symbols),
		"journal", t.journal != nil,
		"status", t.cfg.StatusAddr,
	)
	return nil
}

// runJournal mirrors each refreshed snapshot into the sqlite journal.
func (t *Terminal) runJournal(ctx context.Context, sub *bus.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C:
			if !ok {
				return nil
			}
			snap := t.Store.Snapshot()
			if err := t.journal.RecordSnapshot(ctx, snap.Orders, snap.Positions, snap.Trades); err != nil {
				slog.Warn("journal write failed", "err", err)
			}
		}
	}
}

// Wait blocks until the background workers stop.
func (t *Terminal) Wait() error {
	t.mu.Lock()
	g := t.group
	t.mu.Unlock()
	if g == nil {
		return ErrNotOpen
	}
	return g.Wait()
}

// Close stops every worker and releases resources. Safe to call twice.
func (t *Terminal) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, g := t.cancel, t.group
	t.mu.Unlock()

	t.debouncer.Stop()
	t.Feed.Close()
	if cancel != nil {
		cancel()
	}
	var err error
	if g != nil {
		err = g.Wait()
	}
	t.Store.Close()
	t.Bus.Close()
	if t.journal != nil {
		if jerr := t.journal.Close(); jerr != nil && err == nil {
			err = jerr
		}
	}
	slog.Info("terminal closed")
	return err
}

// Watch adds symbol to the live feed and returns a subscription carrying
// only its ticks.
func (t *Terminal) Watch(symbol string, buffer int) *bus.Subscription {
	symbol = strings.ToUpper(symbol)
	t.Feed.Subscribe(symbol)
	return t.Bus.Subscribe(buffer, bus.TicksFor(symbol))
}

// Unwatch drops symbol from the live feed.
func (t *Terminal) Unwatch(symbol string) {
	t.Feed.Unsubscribe(symbol)
}

// Submit places an order ticket through the store.
func (t *Terminal) Submit(ctx context.Context, in orderentry.Intent) (orderentry.Result, error) {
	return orderentry.Submit(ctx, t.Store, in)
}

// Refresh forces a full snapshot outside the debounced push path.
func (t *Terminal) Refresh(ctx context.Context) error {
	return t.Store.FetchAll(ctx)
}

// RefetchCount is the number of debounced reconciliations that ran.
func (t *Terminal) RefetchCount() int64 {
	return t.debouncer.Fired()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, marketfeed.ErrClosed) {
		return nil
	}
	return err
}
