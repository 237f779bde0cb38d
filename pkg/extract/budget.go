package extract

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget bounds the number of requests in flight. One Budget is shared by
// every batch a Scheduler runs.
type Budget struct {
	sem   *semaphore.Weighted
	size  int
	inUse highWater
}

// NewBudget creates a budget of n permits.
func NewBudget(n int) (*Budget, error) {
	if n < 1 {
		return nil, fmt.Errorf("concurrency budget must be >= 1 (got %d)", n)
	}
	return &Budget{sem: semaphore.NewWeighted(int64(n)), size: n}, nil
}

// Acquire blocks until a permit is free or ctx is done.
func (b *Budget) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	b.inUse.inc()
	return nil
}

// Release returns a permit. Every successful Acquire must be paired with
// exactly one Release.
func (b *Budget) Release() {
	b.inUse.dec()
	b.sem.Release(1)
}

// Size returns the number of permits.
func (b *Budget) Size() int { return b.size }

// InUse returns the number of permits currently held.
func (b *Budget) InUse() int { return b.inUse.current() }

// Peak returns the highest number of permits held at once since creation.
func (b *Budget) Peak() int { return b.inUse.highest() }

// highWater counts holders and remembers the highest count seen.
type highWater struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (h *highWater) inc() {
	n := h.cur.Add(1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (h *highWater) dec() { h.cur.Add(-1) }

func (h *highWater) current() int { return int(h.cur.Load()) }

func (h *highWater) highest() int { return int(h.peak.Load()) }
