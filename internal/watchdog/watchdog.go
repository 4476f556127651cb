package watchdog

import (
	"sync"
	"time"
)

// DefaultStaleness is how long the push channel may stay silent before it is
// considered dead
const DefaultStaleness = 30 * time.Minute

// PushWatchdog tracks the last observed keepalive activity on the push
// channel. It is a pure liveness predicate: the owning channel manager decides
// what to do when the channel goes stale.
type PushWatchdog struct {
	staleness time.Duration
	now       func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// New creates a watchdog with the default staleness threshold
func New() *PushWatchdog {
	return NewWithThreshold(DefaultStaleness)
}

// NewWithThreshold creates a watchdog with a custom staleness threshold
func NewWithThreshold(staleness time.Duration) *PushWatchdog {
	w := &PushWatchdog{
		staleness: staleness,
		now:       time.Now,
	}
	w.lastActivity = w.now()
	return w
}

// Touch records keepalive activity on the push channel
func (w *PushWatchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = w.now()
}

// IsDead reports whether no activity has been observed for longer than the
// staleness threshold
func (w *PushWatchdog) IsDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.lastActivity) > w.staleness
}

// LastActivity returns the time of the last observed keepalive
func (w *PushWatchdog) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}
