package marketfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/jpillora/backoff"
)

var ErrClosed = errors.New("marketfeed: closed")

// Update tags pushed by the backend when user state changes.
const (
	OrderUpdate    = "order_update"
	PositionUpdate = "position_update"
	AccountUpdate  = "account_update"
)

type Options struct {
	URL      string
	Token    string
	Exchange string   // instrument prefix for subscribe commands
	Symbols  []string // subscribed on every (re)connect

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	DegradeAfter int // consecutive failed connects before StateDegraded

	// Bus receives ticks, state-changed and connection events.
	Bus *bus.Bus

	// Direct callbacks for the owning store. Called on the read goroutine.
	OnTick         func(papertrade.Tick)
	OnStateChanged func(update string)
	OnConnState    func(ConnState)
}

// Feed owns one market-data socket and keeps it alive.
type Feed struct {
	opts    Options
	wsURL   string
	header  http.Header
	backoff *backoff.Backoff

	mu       sync.RWMutex
	state    ConnState
	desired  map[string]bool
	failures int

	// Write-side state. Lock ordering: mu before writeMu.
	writeMu sync.Mutex
	conn    *websocket.Conn

	timerMu   sync.Mutex
	reconnect *time.Timer
	scheduled atomic.Int64

	connected atomic.Bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	closed bool
}

func New(opts Options) *Feed {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.DegradeAfter <= 0 {
		opts.DegradeAfter = 5
	}
	if opts.Exchange == "" {
		opts.Exchange = "NSE"
	}

	desired := make(map[string]bool, len(opts.Symbols))
	for _, s := range opts.Symbols {
		desired[strings.ToUpper(s)] = true
	}

	h := http.Header{}
	if opts.Token != "" {
		h.Set("Authorization", "Bearer "+opts.Token)
	}

	return &Feed{
		opts:    opts,
		wsURL:   withToken(opts.URL, opts.Token),
		header:  h,
		desired: desired,
		state:   StateDisconnected,
		backoff: &backoff.Backoff{
			Min:    opts.MinBackoff,
			Max:    opts.MaxBackoff,
			Factor: 2,
			Jitter: true,
		},
	}
}

// withToken appends ?token= because the backend's socket middleware
// reads the JWT from the query string.
func withToken(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *Feed) State() ConnState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Connected returns true if the socket is currently open.
func (f *Feed) Connected() bool {
	return f.connected.Load()
}

// ReconnectPending reports whether a reconnect timer is armed.
func (f *Feed) ReconnectPending() bool {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	return f.reconnect != nil
}

// ReconnectsScheduled counts reconnect timers armed since start.
func (f *Feed) ReconnectsScheduled() int64 {
	return f.scheduled.Load()
}

func (f *Feed) setState(s ConnState) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.mu.Unlock()
	if prev == s {
		return
	}

	slog.Debug("marketfeed state", "from", prev, "to", s)
	if f.opts.OnConnState != nil {
		f.opts.OnConnState(s)
	}
	if f.opts.Bus != nil {
		f.opts.Bus.Publish(bus.Event{Kind: bus.KindConnection, State: s.String()})
	}
}

// Run maintains the connection with automatic reconnection until ctx ends
// or Close is called.
func (f *Feed) Run(ctx context.Context) error {
	f.runMu.Lock()
	if f.closed {
		f.runMu.Unlock()
		return ErrClosed
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.runMu.Unlock()
	defer f.cancelRun()

	for {
		opened, err := f.connect(ctx)
		f.connected.Store(false)

		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("marketfeed disconnected", "err", err)
		}
		if opened {
			f.setState(StateDisconnected)
		}

		wait := f.scheduleReconnect()
		select {
		case <-ctx.Done():
			f.cancelReconnect()
			f.setState(StateDisconnected)
			return ctx.Err()
		case <-wait:
			slog.Info("marketfeed reconnecting...")
		}
	}
}

// Close stops Run and cancels any pending reconnect.
func (f *Feed) Close() {
	f.runMu.Lock()
	f.closed = true
	f.runMu.Unlock()
	f.cancelRun()
	f.cancelReconnect()
}

func (f *Feed) cancelRun() {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

// scheduleReconnect arms the single reconnect timer. The returned channel
// is closed when it fires.
func (f *Feed) scheduleReconnect() <-chan struct{} {
	f.mu.Lock()
	f.failures++
	failures := f.failures
	f.mu.Unlock()

	delay := f.backoff.Duration()
	if failures >= f.opts.DegradeAfter {
		f.setState(StateDegraded)
	} else {
		f.setState(StateReconnecting)
	}

	done := make(chan struct{})

	f.timerMu.Lock()
	if f.reconnect != nil {
		f.reconnect.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		f.timerMu.Lock()
		if f.reconnect == t {
			f.reconnect = nil
		}
		f.timerMu.Unlock()
		close(done)
	})
	f.reconnect = t
	f.timerMu.Unlock()

	f.scheduled.Add(1)
	slog.Debug("marketfeed reconnect scheduled", "delay", delay, "failures", failures)
	return done
}

func (f *Feed) cancelReconnect() {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.reconnect != nil {
		f.reconnect.Stop()
		f.reconnect = nil
	}
}

// connect dials, subscribes and reads until the socket fails. opened
// reports whether the socket was established at all.
func (f *Feed) connect(ctx context.Context) (opened bool, err error) {
	f.setState(StateConnecting)

	conn, err := f.dial(ctx)
	if err != nil {
		f.setState(StateError)
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.writeMu.Lock()
	f.conn = conn
	f.writeMu.Unlock()
	defer func() {
		f.writeMu.Lock()
		f.conn = nil
		f.writeMu.Unlock()
	}()

	symbols := f.Symbols()
	f.writeMu.Lock()
	for _, s := range symbols {
		if err := f.sendLocked(subscribeCmd("subscribe", f.opts.Exchange, s)); err != nil {
			f.writeMu.Unlock()
			return true, fmt.Errorf("subscribe: %w", err)
		}
	}
	f.writeMu.Unlock()

	f.mu.Lock()
	f.failures = 0
	f.mu.Unlock()
	f.backoff.Reset()
	f.connected.Store(true)
	f.setState(StateConnected)
	slog.Info("marketfeed connected", "subscriptions", len(symbols))

	ctx2, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(ctx2, conn)
	go func() {
		<-ctx2.Done()
		conn.Close()
	}()
	return true, f.readLoop(ctx2, conn)
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, f.header)
	if err != nil {
		return nil, err
	}

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	return conn, nil
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl is safe to call concurrently with other writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				slog.Debug("marketfeed ping failed", "err", err)
				return
			}
		}
	}
}

// --- Subscription management ---

// Symbols returns the desired subscriptions, sorted.
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.desired))
	for s := range f.desired {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds symbol to the watch set, sending the command right away
// when connected. Subscriptions are replayed after every reconnect.
func (f *Feed) Subscribe(symbol string) {
	symbol = strings.ToUpper(symbol)
	f.mu.Lock()
	if f.desired[symbol] {
		f.mu.Unlock()
		return
	}
	f.desired[symbol] = true
	f.mu.Unlock()

	f.send(subscribeCmd("subscribe", f.opts.Exchange, symbol))
}

func (f *Feed) Unsubscribe(symbol string) {
	symbol = strings.ToUpper(symbol)
	f.mu.Lock()
	if !f.desired[symbol] {
		f.mu.Unlock()
		return
	}
	delete(f.desired, symbol)
	f.mu.Unlock()

	f.send(subscribeCmd("unsubscribe", f.opts.Exchange, symbol))
}

func (f *Feed) send(cmd wsCommand) {
	if !f.connected.Load() {
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.conn == nil {
		return
	}
	if err := f.sendLocked(cmd); err != nil {
		slog.Warn("marketfeed send failed", "type", cmd.Type, "instrument", cmd.Instrument, "err", err)
	}
}

// sendLocked writes one command. Caller must hold writeMu.
func (f *Feed) sendLocked(cmd wsCommand) error {
	f.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer f.conn.SetWriteDeadline(time.Time{})
	return f.conn.WriteJSON(cmd)
}
