package pipeline

import (
	"sync"
	"time"
)

// authAlert counts authentication rejections in a sliding window
type authAlert struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	events    []time.Time
	now       func() time.Time
}

func newAuthAlert(threshold int, window time.Duration) *authAlert {
	return &authAlert{threshold: threshold, window: window, now: time.Now}
}

// record adds one rejection. It returns the count inside the window and
// whether that count just reached the threshold; the window is reset when
// it fires.
func (a *authAlert) record() (int, bool) {
	if a.threshold <= 0 {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-a.window)
	kept := a.events[:0]
	for _, t := range a.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.events = append(kept, now)

	n := len(a.events)
	if n >= a.threshold {
		a.events = a.events[:0]
		return n, true
	}
	return n, false
}
