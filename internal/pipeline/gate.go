package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// gate bounds concurrent work of one kind. Waiters are served in arrival
// order.
type gate struct {
	name    string
	size    int64
	sem     *semaphore.Weighted
	waiting atomic.Int64
	active  atomic.Int64
}

func newGate(name string, size int) *gate {
	return &gate{name: name, size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// tryAcquire takes a slot without waiting
func (g *gate) tryAcquire() bool {
	if g.sem.TryAcquire(1) {
		g.active.Add(1)
		return true
	}
	return false
}

// acquire waits for a slot or for ctx to end
func (g *gate) acquire(ctx context.Context) error {
	if g.tryAcquire() {
		return nil
	}
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.active.Add(1)
	return nil
}

func (g *gate) release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

// Waiting is the number of jobs blocked on this gate
func (g *gate) Waiting() int64 { return g.waiting.Load() }

// Active is the number of slots held
func (g *gate) Active() int64 { return g.active.Load() }

// Full reports whether every slot is held
func (g *gate) Full() bool { return g.active.Load() >= g.size }
