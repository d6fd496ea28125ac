// Package bus is the process-wide broadcast channel. Any component can
// subscribe independently of whoever owns the market-data connection.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gw/quantnest-sync/internal/papertrade"
)

type Kind string

const (
	KindTick         Kind = "tick"
	KindStateChanged Kind = "state-changed"  // order/position/account update pushed by the backend
	KindRefreshed    Kind = "refresh-orders" // store collections were replaced
	KindConnection   Kind = "connection"
)

type Event struct {
	Kind   Kind
	Symbol string
	Tick   papertrade.Tick
	Update string // order_update, position_update, account_update
	State  string // connection state name
	At     time.Time
}

// Filter selects the events a subscriber receives. Nil accepts all.
type Filter func(Event) bool

func Kinds(kinds ...Kind) Filter {
	return func(ev Event) bool {
		for _, k := range kinds {
			if ev.Kind == k {
				return true
			}
		}
		return false
	}
}

// TicksFor accepts ticks of one symbol only.
func TicksFor(symbol string) Filter {
	return func(ev Event) bool {
		return ev.Kind == KindTick && ev.Symbol == symbol
	}
}

type Subscription struct {
	ID uuid.UUID
	C  <-chan Event

	ch     chan Event
	filter Filter
	bus    *Bus
	once   sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.bus.remove(s.ID)
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]*Subscription
	closed  bool
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[uuid.UUID]*Subscription)}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{
		ID:     uuid.New(),
		C:      ch,
		ch:     ch,
		filter: filter,
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s.ID] = s
	return s
}

// Publish fans ev out without blocking. A subscriber whose buffer is full
// misses the event; Dropped counts those misses.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			slog.Debug("bus: subscriber lagging, event dropped", "sub", s.ID, "kind", ev.Kind)
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	s.once.Do(func() { close(s.ch) })
}
