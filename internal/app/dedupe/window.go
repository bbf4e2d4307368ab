// Package dedupe remembers message ids for a bounded retention period.
package dedupe

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window is a set of ids that forgets each id retention after it was added.
type Window struct {
	clock     clockwork.Clock
	retention time.Duration

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

func NewWindow(clock clockwork.Clock, retention time.Duration) *Window {
	return &Window{
		clock:     clock,
		retention: retention,
		seen:      make(map[string]time.Time),
	}
}

// Add records id and reports whether it was new.
func (w *Window) Add(id string) bool {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if exp, ok := w.seen[id]; ok && now.Before(exp) {
		return false
	}
	w.seen[id] = now.Add(w.retention)
	return true
}

func (w *Window) Contains(id string) bool {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.seen[id]
	return ok && now.Before(exp)
}

// Forget drops id so a later Add reports it as new again.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	delete(w.seen, id)
	w.mu.Unlock()
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// pruneLocked sweeps at most once per retention/4.
func (w *Window) pruneLocked(now time.Time) {
	if now.Sub(w.lastPrune) < w.retention/4 {
		return
	}
	w.lastPrune = now
	for id, exp := range w.seen {
		if !now.Before(exp) {
			delete(w.seen, id)
		}
	}
}
