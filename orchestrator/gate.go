package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyGate admits at most one holder per key. Entries are reference
// counted over holders and waiters and dropped when unused.
type keyGate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry
}

type gateEntry struct {
	sem  *semaphore.Weighted
	refs int
	// cancel is latched by Contend for the current holder.
	cancel bool
	// closing is set once the holder has taken its last look at cancel.
	closing bool
	// sweep marks a short janitor hold that never looks at cancel.
	sweep bool
}

// contention tells a caller that lost TryAcquire what to do next.
type contention int

const (
	contendBusy contention = iota
	contendLatched
	contendWait
)

func newKeyGate() *keyGate {
	return &keyGate{entries: make(map[string]*gateEntry)}
}

func (g *keyGate) entry(key string) *gateEntry {
	e := g.entries[key]
	if e == nil {
		e = &gateEntry{sem: semaphore.NewWeighted(1)}
		g.entries[key] = e
	}
	return e
}

// TryAcquire takes the key without blocking. The returned release is
// idempotent.
func (g *keyGate) TryAcquire(key string) (release func(), ok bool) {
	return g.tryAcquire(key, false)
}

// TryAcquireSweep is TryAcquire for the janitor. Contenders wait for a
// sweep hold instead of being turned away, and no cancel is latched
// against it.
func (g *keyGate) TryAcquireSweep(key string) (release func(), ok bool) {
	return g.tryAcquire(key, true)
}

func (g *keyGate) tryAcquire(key string, sweep bool) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.entry(key)
	if !e.sem.TryAcquire(1) {
		if e.refs == 0 {
			delete(g.entries, key)
		}
		return nil, false
	}
	e.refs++
	e.cancel, e.closing, e.sweep = false, sweep, sweep
	return g.releaser(key, e), true
}

// Acquire waits for the key.
func (g *keyGate) Acquire(ctx context.Context, key string) (release func(), err error) {
	g.mu.Lock()
	e := g.entry(key)
	e.refs++
	g.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		g.mu.Lock()
		g.unref(key, e)
		g.mu.Unlock()
		return nil, err
	}

	g.mu.Lock()
	e.cancel, e.closing, e.sweep = false, false, false
	g.mu.Unlock()
	return g.releaser(key, e), nil
}

func (g *keyGate) releaser(key string, e *gateEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			e.sem.Release(1)
			g.unref(key, e)
		})
	}
}

func (g *keyGate) unref(key string, e *gateEntry) {
	e.refs--
	if e.refs == 0 && g.entries[key] == e {
		delete(g.entries, key)
	}
}

// Contend decides for a caller that lost TryAcquire. A cancel is latched
// for a holder that still looks at it. Other callers are busy while a step
// runs and wait otherwise.
func (g *keyGate) Contend(key string, cancel bool) contention {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entries[key]
	switch {
	case e == nil || e.refs == 0 || e.sweep:
		return contendWait
	case cancel && !e.closing:
		e.cancel = true
		return contendLatched
	case cancel:
		return contendWait
	}
	return contendBusy
}

// CancelPending reports a latched cancel without consuming it.
func (g *keyGate) CancelPending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entries[key]
	return e != nil && e.cancel
}

// TakeCancel consumes a latched cancel. Later cancel requests are no
// longer latched for this holder.
func (g *keyGate) TakeCancel(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entries[key]
	if e == nil {
		return false
	}
	e.closing = true
	taken := e.cancel
	e.cancel = false
	return taken
}

func (g *keyGate) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
