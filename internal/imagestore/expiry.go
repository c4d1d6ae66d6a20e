package imagestore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// deleteTimeout bounds one expiry deletion.
const deleteTimeout = 10 * time.Second

// Expirer deletes images after a delay. Each name has at most one pending
// timer; scheduling it again replaces the old one.
type Expirer struct {
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	timers  map[string]*expiry
	stopped bool
}

type expiry struct {
	timer *time.Timer
}

func NewExpirer(store Store, logger *zap.Logger) *Expirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expirer{
		store:  store,
		logger: logger.Named("image_expirer"),
		timers: make(map[string]*expiry),
	}
}

// Schedule deletes name after the given delay.
func (e *Expirer) Schedule(name string, after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	if old, ok := e.timers[name]; ok {
		old.timer.Stop()
	}

	x := &expiry{}
	x.timer = time.AfterFunc(after, func() { e.fire(name, x) })
	e.timers[name] = x
}

// Cancel drops a pending deletion. It reports whether one was pending.
func (e *Expirer) Cancel(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	x, ok := e.timers[name]
	if !ok {
		return false
	}
	delete(e.timers, name)
	return x.timer.Stop()
}

// Pending returns the number of scheduled deletions.
func (e *Expirer) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Stop cancels every pending deletion; later Schedule calls are ignored.
func (e *Expirer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, x := range e.timers {
		x.timer.Stop()
		delete(e.timers, name)
	}
	e.stopped = true
}

func (e *Expirer) fire(name string, x *expiry) {
	e.mu.Lock()
	// Stale timer: the name was rescheduled, cancelled or already fired.
	if cur, ok := e.timers[name]; !ok || cur != x {
		e.mu.Unlock()
		return
	}
	delete(e.timers, name)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()

	if err := e.store.Delete(ctx, name); err != nil {
		e.logger.Debug("image expiry delete failed",
			zap.String("image_name", name),
			zap.Error(err),
		)
		return
	}
	e.logger.Debug("image expired", zap.String("image_name", name))
}
