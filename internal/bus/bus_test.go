package bus

import (
	"testing"

	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := New()
	all := b.Subscribe(4, nil)
	ticks := b.Subscribe(4, Kinds(KindTick))
	tcs := b.Subscribe(4, TicksFor("TCS"))

	b.Publish(Event{Kind: KindTick, Symbol: "TCS", Tick: papertrade.Tick{Symbol: "TCS"}})
	b.Publish(Event{Kind: KindTick, Symbol: "INFY"})
	b.Publish(Event{Kind: KindRefreshed})

	assert.Len(t, all.C, 3)
	assert.Len(t, ticks.C, 2)
	require.Len(t, tcs.C, 1)

	ev := <-tcs.C
	assert.Equal(t, "TCS", ev.Tick.Symbol)
	assert.False(t, ev.At.IsZero())
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	slow := b.Subscribe(1, nil)
	fast := b.Subscribe(8, nil)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindStateChanged})
	}

	assert.Len(t, slow.C, 1)
	assert.Len(t, fast.C, 5)
	assert.Equal(t, int64(4), b.Dropped())
}

func TestBus_CloseSubscription(t *testing.T) {
	b := New()
	s := b.Subscribe(1, nil)
	assert.Equal(t, 1, b.Subscribers())

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Subscribers())

	_, ok := <-s.C
	assert.False(t, ok)

	b.Publish(Event{Kind: KindTick})
}

func TestBus_Close(t *testing.T) {
	b := New()
	s := b.Subscribe(1, nil)
	b.Close()

	_, ok := <-s.C
	assert.False(t, ok)

	late := b.Subscribe(1, nil)
	_, ok = <-late.C
	assert.False(t, ok)

	s.Close()
	b.Publish(Event{Kind: KindTick})
}
