package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is an in-process sliding-window limiter: at most max requests
// within any span of length window. Check-and-record happens under one lock.
type Window struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	stamps []time.Time
	now    func() time.Time
}

func NewWindow(window time.Duration, max int) *Window {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 100
	}
	return &Window{
		window: window,
		max:    max,
		now:    time.Now,
	}
}

func (w *Window) WithClock(now func() time.Time) *Window {
	if now != nil {
		w.now = now
	}
	return w
}

func (w *Window) Size() time.Duration { return w.window }

// Allow prunes stamps older than now-window and records now when a slot is free.
// A denied call records nothing.
func (w *Window) Allow(_ context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	keep := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.stamps = keep

	if len(w.stamps) >= w.max {
		return false, nil
	}
	w.stamps = append(w.stamps, now)
	return true, nil
}

func (w *Window) Reset(_ context.Context) error {
	w.mu.Lock()
	w.stamps = nil
	w.mu.Unlock()
	return nil
}

// Count returns the number of stamps currently recorded (pruning is lazy).
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stamps)
}
