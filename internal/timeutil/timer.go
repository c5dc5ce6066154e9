// Package timeutil wraps time.Timer with the small surface the
// transaction machinery needs: arm, reset to a new duration, stop,
// and report the currently armed duration.
package timeutil

import (
	"sync"
	"time"
)

// Timer is a one-shot timer with a resettable duration.
type Timer struct {
	mu  sync.Mutex
	tmr *time.Timer
	dur time.Duration
}

// AfterFunc arms a timer that calls fn after d.
// A non-positive d fires fn almost immediately, matching time.AfterFunc.
func AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{
		tmr: time.AfterFunc(d, fn),
		dur: d,
	}
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dur
}

// Reset re-arms the timer with a new duration.
func (t *Timer) Reset(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.dur = d
	t.tmr.Reset(d)
	t.mu.Unlock()
}

// Stop disarms the timer. It reports whether the timer was still armed.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tmr.Stop()
}
