package marketfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts sockets, records subscribe commands and lets the
// test push frames to the latest connection.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands []wsCommand
	tokens   []string
	accepts  atomic.Int64
	reject   atomic.Bool
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws/marketdata/"
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if fs.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.accepts.Add(1)
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.tokens = append(fs.tokens, r.URL.Query().Get("token"))
	fs.mu.Unlock()

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		fs.mu.Lock()
		fs.commands = append(fs.commands, cmd)
		fs.mu.Unlock()
	}
}

func (fs *fakeServer) push(frame string) {
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	require.NoError(fs.t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
}

func (fs *fakeServer) subscribed() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []string
	for _, c := range fs.commands {
		if c.Type == "subscribe" {
			out = append(out, c.Instrument)
		}
	}
	return out
}

func runFeed(t *testing.T, f *Feed) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestFeed_RoutesMessages(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(16, bus.Kinds(bus.KindTick, bus.KindStateChanged))

	var mu sync.Mutex
	var ticks []papertrade.Tick
	var updates []string

	f := New(Options{
		URL:      fs.url(),
		Token:    "jwt-abc",
		Exchange: "NSE",
		Symbols:  []string{"reliance"},
		Bus:      b,
		OnTick: func(tk papertrade.Tick) {
			mu.Lock()
			ticks = append(ticks, tk)
			mu.Unlock()
		},
		OnStateChanged: func(u string) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})
	runFeed(t, f)

	require.Eventually(t, f.Connected, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(fs.subscribed()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"NSE:RELIANCE-EQ"}, fs.subscribed())
	assert.Equal(t, StateConnected, f.State())

	fs.mu.Lock()
	assert.Equal(t, "jwt-abc", fs.tokens[0])
	fs.mu.Unlock()

	fs.push(`{"type":"subscription_ack","instrument":"NSE:RELIANCE-EQ"}`)
	fs.push(`not json`)
	fs.push(`{"type":"tick","data":{"instrument":"NSE:RELIANCE-EQ","price":2501.5,"timestamp":"2024-05-01T09:15:00Z","volume":120}}`)
	fs.push(`{"type":"tick"}`)
	fs.push(`{"type":"mystery","data":{}}`)
	fs.push(`{"type":"order_update","data":{"id":7}}`)

	ev := <-sub.C
	require.Equal(t, bus.KindTick, ev.Kind)
	assert.Equal(t, "RELIANCE", ev.Symbol)
	assert.Equal(t, "2501.5", ev.Tick.Price.String())
	assert.Equal(t, int64(120), ev.Tick.Volume)

	ev = <-sub.C
	require.Equal(t, bus.KindStateChanged, ev.Kind)
	assert.Equal(t, OrderUpdate, ev.Update)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ticks, 1)
	assert.Equal(t, "RELIANCE", ticks[0].Symbol)
	assert.NotEmpty(t, ticks[0].Raw)
	assert.Equal(t, []string{OrderUpdate}, updates)
}

func TestFeed_ReconnectReplaysSubscriptions(t *testing.T) {
	fs := newFakeServer(t)

	var states []ConnState
	var mu sync.Mutex
	f := New(Options{
		URL:        fs.url(),
		Symbols:    []string{"TCS"},
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		OnConnState: func(s ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	runFeed(t, f)

	require.Eventually(t, f.Connected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fs.subscribed()) == 1 }, time.Second, 5*time.Millisecond)
	f.Subscribe("infy")
	require.Eventually(t, func() bool { return len(fs.subscribed()) == 2 }, time.Second, 5*time.Millisecond)

	fs.dropAll()

	require.Eventually(t, func() bool { return fs.accepts.Load() == 2 && f.Connected() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fs.subscribed()) == 4 }, time.Second, 5*time.Millisecond)

	replayed := fs.subscribed()[2:]
	assert.ElementsMatch(t, []string{"NSE:INFY-EQ", "NSE:TCS-EQ"}, replayed)
	assert.Equal(t, int64(1), f.ReconnectsScheduled())
	assert.False(t, f.ReconnectPending())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
}

func TestFeed_DegradesAfterRepeatedFailures(t *testing.T) {
	fs := newFakeServer(t)
	fs.reject.Store(true)

	var states []ConnState
	var mu sync.Mutex
	seen := func() []ConnState {
		mu.Lock()
		defer mu.Unlock()
		return append([]ConnState(nil), states...)
	}

	f := New(Options{
		URL:          fs.url(),
		MinBackoff:   time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
		DegradeAfter: 3,
		OnConnState: func(s ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	runFeed(t, f)

	require.Eventually(t, func() bool {
		for _, s := range seen() {
			if s == StateDegraded {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	assert.False(t, f.Connected())

	// the first two failed dials back off as reconnecting, the third degrades
	var reconnecting int
	for _, s := range seen() {
		if s == StateDegraded {
			break
		}
		if s == StateReconnecting {
			reconnecting++
		}
	}
	assert.Equal(t, 2, reconnecting)
	assert.GreaterOrEqual(t, f.ReconnectsScheduled(), int64(3))

	// recovery resets the failure count
	fs.reject.Store(false)
	require.Eventually(t, f.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, f.State())
}

func TestFeed_SingleReconnectTimer(t *testing.T) {
	f := New(Options{URL: "ws://127.0.0.1:1/", MinBackoff: time.Hour, MaxBackoff: time.Hour})

	f.scheduleReconnect()
	f.scheduleReconnect()
	f.scheduleReconnect()

	assert.True(t, f.ReconnectPending())
	assert.Equal(t, int64(3), f.ReconnectsScheduled())

	f.cancelReconnect()
	assert.False(t, f.ReconnectPending())
}

func TestWithToken(t *testing.T) {
	assert.Equal(t, "ws://h/ws/marketdata/?token=a%2Bb", withToken("ws://h/ws/marketdata/", "a+b"))
	assert.Equal(t, "ws://h/ws/", withToken("ws://h/ws/", ""))
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.True(t, StateError.CanReconnectManually())
	assert.False(t, StateConnected.CanReconnectManually())
}

func TestFeed_Close(t *testing.T) {
	fs := newFakeServer(t)
	f := New(Options{URL: fs.url()})

	errc := make(chan error, 1)
	go func() { errc <- f.Run(context.Background()) }()
	require.Eventually(t, f.Connected, 2*time.Second, 5*time.Millisecond)

	f.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StateDisconnected, f.State())
	assert.ErrorIs(t, f.Run(context.Background()), ErrClosed)
}
