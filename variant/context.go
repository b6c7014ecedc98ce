package variant

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// WorkerID identifies one logical worker (goroutine or task) selecting
// variants independently in multi-thread mode.
type WorkerID string

type workerKey struct{}

// WithWorker returns a child context carrying a fresh worker identity. A
// context that already carries one is returned unchanged, so a worker can
// pass its ctx down without losing its selection.
func WithWorker(ctx context.Context) context.Context {
	if _, ok := WorkerFromContext(ctx); ok {
		return ctx
	}
	return NewWorker(ctx)
}

// NewWorker returns a child context carrying a fresh worker identity,
// shadowing any identity ctx already carries.
func NewWorker(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, workerKey{}, WorkerID(uuid.NewString()))
}

// WorkerFromContext extracts the worker identity attached by WithWorker.
func WorkerFromContext(ctx context.Context) (WorkerID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(workerKey{}).(WorkerID)
	return id, ok && id != ""
}

// workingContext resolves the working slot for a caller.
//
// In single mode every caller shares global. In multi mode each worker has
// its own selection; global becomes the seed handed to newly registered
// workers and the selection of callers that carry no worker identity.
type workingContext struct {
	mu      sync.RWMutex
	multi   bool
	global  int
	workers map[WorkerID]int
}

func newWorkingContext(initial int) *workingContext {
	return &workingContext{
		global:  initial,
		workers: make(map[WorkerID]int),
	}
}

func (c *workingContext) currentSlot(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.multi {
		return c.global, nil
	}
	worker, ok := WorkerFromContext(ctx)
	if !ok {
		return c.global, nil
	}
	slot, ok := c.workers[worker]
	if !ok {
		return 0, fmt.Errorf("%w: worker %s", ErrNoWorkingVariant, worker)
	}
	return slot, nil
}

func (c *workingContext) selectSlot(ctx context.Context, slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.multi {
		c.global = slot
		return
	}
	if worker, ok := WorkerFromContext(ctx); ok {
		c.workers[worker] = slot
		return
	}
	c.global = slot
}

// register seeds the worker of child when multi mode is active. The seed is
// the selection of the worker carried by parent, if it has one, and the
// global slot otherwise.
func (c *workingContext) register(parent, child context.Context) {
	worker, ok := WorkerFromContext(child)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.multi {
		return
	}
	if _, exists := c.workers[worker]; exists {
		return
	}
	seed := c.global
	if owner, ok := WorkerFromContext(parent); ok && owner != worker {
		if slot, ok := c.workers[owner]; ok {
			seed = slot
		}
	}
	c.workers[worker] = seed
}

func (c *workingContext) release(ctx context.Context) {
	worker, ok := WorkerFromContext(ctx)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, worker)
}

func (c *workingContext) isMulti() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.multi
}

// setMode switches between single and multi mode.
//
// single -> multi keeps the global slot as seed and hands it to the calling
// worker, if any. multi -> single collapses all live worker selections into
// the global slot; it fails with ErrConcurrencyMode when workers hold
// distinct selections, because one of them would be silently abandoned.
func (c *workingContext) setMode(ctx context.Context, multi bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.multi == multi {
		return nil
	}
	if multi {
		c.multi = true
		if worker, ok := WorkerFromContext(ctx); ok {
			c.workers[worker] = c.global
		}
		return nil
	}

	distinct := make(map[int]struct{}, 1)
	for _, slot := range c.workers {
		distinct[slot] = struct{}{}
	}
	if len(distinct) > 1 {
		return fmt.Errorf("%w: %d workers hold %d distinct working variants", ErrConcurrencyMode, len(c.workers), len(distinct))
	}
	for slot := range distinct {
		c.global = slot
	}
	c.workers = make(map[WorkerID]int)
	c.multi = false
	return nil
}

// selected reports whether slot is the working variant of any caller.
func (c *workingContext) selected(slot int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.global == slot {
		return true
	}
	for _, s := range c.workers {
		if s == slot {
			return true
		}
	}
	return false
}

func (c *workingContext) workerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workers)
}
