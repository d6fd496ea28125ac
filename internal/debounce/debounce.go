// Package debounce coalesces bursts of triggers into one trailing call.
package debounce

import (
	"sync"
	"sync/atomic"
	"time"
)

type state int

const (
	idle state = iota
	pending
)

// Debouncer runs fn once, window after the last Trigger of a burst.
// At most one timer is armed at any time; fn never overlaps itself.
type Debouncer struct {
	window time.Duration
	fn     func()

	mu      sync.Mutex
	state   state
	timer   *time.Timer
	gen     uint64
	stopped bool

	runMu sync.Mutex
	fired atomic.Int64
}

func New(window time.Duration, fn func()) *Debouncer {
	return &Debouncer{window: window, fn: fn}
}

// Trigger arms the timer, cancelling and re-arming it if already pending.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.state = pending
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// A stale timer that raced with Stop or a re-arm must not run.
	if d.stopped || d.state != pending || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.state = idle
	d.timer = nil
	d.mu.Unlock()

	d.fired.Add(1)
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.fn()
}

// Flush runs a pending call immediately. It reports whether one was pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if d.state != pending || d.stopped {
		d.mu.Unlock()
		return false
	}
	d.timer.Stop()
	d.gen++
	d.state = idle
	d.timer = nil
	d.mu.Unlock()

	d.fired.Add(1)
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.fn()
	return true
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.state = idle
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == pending
}

// Fired is the number of times fn has been invoked.
func (d *Debouncer) Fired() int64 {
	return d.fired.Load()
}
