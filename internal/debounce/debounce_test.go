package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_BurstFiresOnce(t *testing.T) {
	const window = 60 * time.Millisecond

	var calls atomic.Int64
	var firedAt atomic.Int64
	d := New(window, func() {
		calls.Add(1)
		firedAt.Store(time.Now().UnixNano())
	})

	// five triggers spread over ~20ms
	var last time.Time
	for i := 0; i < 5; i++ {
		last = time.Now()
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, d.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * window)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), d.Fired())
	assert.False(t, d.Pending())

	elapsed := time.Duration(firedAt.Load() - last.UnixNano())
	assert.GreaterOrEqual(t, elapsed, window, "must fire a full window after the last trigger")
}

func TestDebouncer_RearmDelaysCall(t *testing.T) {
	const window = 50 * time.Millisecond

	var calls atomic.Int64
	d := New(window, func() { calls.Add(1) })

	d.Trigger()
	time.Sleep(window / 2)
	d.Trigger()
	time.Sleep(window * 3 / 4)

	// first window has elapsed but the second trigger pushed the call out
	assert.Equal(t, int64(0), calls.Load())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDebouncer_SeparateBursts(t *testing.T) {
	const window = 20 * time.Millisecond

	var calls atomic.Int64
	d := New(window, func() { calls.Add(1) })

	d.Trigger()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)
	d.Trigger()
	d.Trigger()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 2*time.Millisecond)
}

func TestDebouncer_Stop(t *testing.T) {
	var calls atomic.Int64
	d := New(20*time.Millisecond, func() { calls.Add(1) })

	d.Trigger()
	d.Stop()
	d.Trigger()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, int64(0), calls.Load())
	assert.False(t, d.Pending())
}

func TestDebouncer_Flush(t *testing.T) {
	var calls atomic.Int64
	d := New(time.Hour, func() { calls.Add(1) })

	assert.False(t, d.Flush())
	d.Trigger()
	assert.True(t, d.Flush())
	assert.Equal(t, int64(1), calls.Load())
	assert.False(t, d.Pending())
}

func TestDebouncer_NoOverlap(t *testing.T) {
	var running, maxRunning atomic.Int64
	var mu sync.Mutex
	d := New(time.Millisecond, func() {
		n := running.Add(1)
		mu.Lock()
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
	})

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(3 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return !d.Pending() && running.Load() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), maxRunning.Load())
}
