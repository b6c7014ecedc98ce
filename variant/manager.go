package variant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/grid-variants/internal/logging"
)

// DefaultInitialVariantID names the variant every manager starts with.
const DefaultInitialVariantID = "InitialState"

// Manager is the variant capability exposed to network consumers. Both
// VariantManager and the read-only ImmutableManager implement it.
type Manager interface {
	// VariantIDs returns the ids of all live variants, sorted.
	VariantIDs() []string
	// WorkingVariantID returns the variant selected for the caller.
	WorkingVariantID(ctx context.Context) (string, error)
	// SetWorkingVariant selects id for the caller.
	SetWorkingVariant(ctx context.Context, id string) error
	// CreateVariant adds a variant populated with attribute defaults.
	CreateVariant(id string) error
	// CloneVariant copies source into a single new variant.
	CloneVariant(source, target string) error
	// CloneVariants copies source into every target, atomically.
	CloneVariants(source string, targets []string) error
	// RemoveVariant discards a variant and frees its slot.
	RemoveVariant(id string) error
	// AllowVariantMultiThreadAccess toggles per-worker working variants.
	AllowVariantMultiThreadAccess(ctx context.Context, allow bool) error
	// IsVariantMultiThreadAccessAllowed reports the current mode.
	IsVariantMultiThreadAccessAllowed() bool
	// RegisterWorker attaches a new worker identity to ctx, shadowing any
	// identity ctx carries, and in multi-thread mode seeds it with the
	// caller's working variant.
	RegisterWorker(ctx context.Context) context.Context
	// ReleaseWorker forgets the worker's selection.
	ReleaseWorker(ctx context.Context)
}

// MetricsRecorder receives variant registry measurements.
type MetricsRecorder interface {
	SetVariantCounts(variants, workers int)
	ObserveVariantOperation(op string, d time.Duration, err error)
}

// ManagerOption customises VariantManager construction.
type ManagerOption func(*VariantManager)

// WithLogger attaches a structured logger for registry events.
func WithLogger(log logging.Logger) ManagerOption {
	return func(m *VariantManager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) ManagerOption {
	return func(m *VariantManager) {
		m.metrics = r
	}
}

// WithInitialVariantID overrides DefaultInitialVariantID.
func WithInitialVariantID(id string) ManagerOption {
	return func(m *VariantManager) {
		if id != "" {
			m.initialID = id
		}
	}
}

// VariantManager composes the slot registry, the working variant context and
// every registered attribute store.
type VariantManager struct {
	// mu is held exclusively for create, clone, remove, mode switches and
	// element registration; lookups by id take it shared.
	mu sync.RWMutex

	index     *slotIndex
	working   *workingContext
	listeners []SlotListener

	initialID string
	log       logging.Logger
	metrics   MetricsRecorder
}

var _ Manager = (*VariantManager)(nil)

// NewVariantManager returns a manager holding one initial variant, selected
// as the working variant in single-thread mode.
func NewVariantManager(opts ...ManagerOption) *VariantManager {
	m := &VariantManager{
		index:     newSlotIndex(),
		initialID: DefaultInitialVariantID,
		log:       logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	slot, err := m.index.create(m.initialID)
	if err != nil {
		panic(err)
	}
	m.working = newWorkingContext(slot)
	m.recordCountsLocked()
	return m
}

// InitialVariantID returns the id the manager was created with.
func (m *VariantManager) InitialVariantID() string { return m.initialID }

// Register attaches a slot listener and populates it with defaults for every
// live slot.
func (m *VariantManager) Register(l SlotListener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrIllegalVariantOperation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.index.live()
	for i, slot := range live {
		if err := l.OnSlotCreated(slot, NoSource); err != nil {
			for _, done := range live[:i] {
				l.OnSlotRemoved(done)
			}
			return fmt.Errorf("register listener: %w", err)
		}
	}
	m.listeners = append(m.listeners, l)
	return nil
}

// Mutate runs fn while holding the exclusive registry lock. Network
// construction uses it to append elements to attribute stores.
func (m *VariantManager) Mutate(fn func() error) error {
	if fn == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// VariantIDs implements Manager.
func (m *VariantManager) VariantIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.list()
}

// VariantCount returns the number of live variants.
func (m *VariantManager) VariantCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.size()
}

// SlotOf resolves a variant id to its slot.
func (m *VariantManager) SlotOf(id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.slotOf(id)
}

// WorkingSlot resolves the caller's working slot without taking the
// registry lock; accessors use it on every attribute read and write.
func (m *VariantManager) WorkingSlot(ctx context.Context) (int, error) {
	return m.working.currentSlot(ctx)
}

// WorkingVariantID implements Manager.
func (m *VariantManager) WorkingVariantID(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, err := m.working.currentSlot(ctx)
	if err != nil {
		return "", err
	}
	id, err := m.index.idOf(slot)
	if err != nil {
		panic(fmt.Sprintf("variant: working context references dead slot %d", slot))
	}
	return id, nil
}

// SetWorkingVariant implements Manager. In multi-thread mode it only affects
// the worker carried by ctx.
func (m *VariantManager) SetWorkingVariant(ctx context.Context, id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, err := m.index.slotOf(id)
	if err != nil {
		return err
	}
	m.working.selectSlot(ctx, slot)
	return nil
}

// CreateVariant implements Manager.
func (m *VariantManager) CreateVariant(id string) (err error) {
	start := time.Now()
	defer func() { m.observe("create", start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.index.begin()
	slot, err := tx.create(id)
	if err != nil {
		return err
	}
	if err := m.populateLocked(tx, []int{slot}, NoSource); err != nil {
		return fmt.Errorf("create variant %q: %w", id, err)
	}

	m.recordCountsLocked()
	m.log.Debug(context.Background(), "variant created",
		logging.String("variant_id", id),
		logging.Int("slot", slot),
	)
	return nil
}

// CloneVariant implements Manager.
func (m *VariantManager) CloneVariant(source, target string) error {
	return m.CloneVariants(source, []string{target})
}

// CloneVariants implements Manager. Either every target is created and
// populated from source, or the registry and all stores are left exactly as
// they were before the call.
func (m *VariantManager) CloneVariants(source string, targets []string) (err error) {
	start := time.Now()
	defer func() { m.observe("clone", start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	srcSlot, err := m.index.slotOf(source)
	if err != nil {
		return err
	}
	if err := m.index.checkTargets(targets); err != nil {
		return err
	}

	tx := m.index.begin()
	slots := make([]int, 0, len(targets))
	for _, id := range targets {
		slot, err := tx.create(id)
		if err != nil {
			tx.rollback()
			return err
		}
		slots = append(slots, slot)
	}
	if err := m.populateLocked(tx, slots, srcSlot); err != nil {
		return fmt.Errorf("clone variant %q: %w", source, err)
	}

	m.recordCountsLocked()
	m.log.Debug(context.Background(), "variant cloned",
		logging.String("source", source),
		logging.Any("targets", targets),
	)
	return nil
}

// populateLocked fans slot creation out to every listener. On an error or a
// panic in a listener it removes whatever was populated and rolls the index
// transaction back; a panic is then re-raised.
func (m *VariantManager) populateLocked(tx *indexTx, slots []int, source int) error {
	var li, si int
	undo := func() {
		for _, done := range slots[:si] {
			m.listeners[li].OnSlotRemoved(done)
		}
		for _, prev := range m.listeners[:li] {
			for _, done := range slots {
				prev.OnSlotRemoved(done)
			}
		}
		tx.rollback()
	}
	defer func() {
		if r := recover(); r != nil {
			undo()
			m.log.Error(context.Background(), "variant population panicked; rolled back",
				logging.Int("slot", slots[si]),
				logging.Any("panic", r),
			)
			panic(r)
		}
	}()

	for li = range m.listeners {
		for si = range slots {
			if err := m.listeners[li].OnSlotCreated(slots[si], source); err != nil {
				undo()
				m.log.Warn(context.Background(), "variant population rolled back",
					logging.Int("slot", slots[si]),
					logging.Err(err),
				)
				return err
			}
		}
	}
	return nil
}

// RemoveVariant implements Manager. The last variant and any variant that is
// the working variant of some caller cannot be removed; callers must select
// another variant first.
func (m *VariantManager) RemoveVariant(id string) (err error) {
	start := time.Now()
	defer func() { m.observe("remove", start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	slot, err := m.index.slotOf(id)
	if err != nil {
		return err
	}
	if m.index.size() == 1 {
		return fmt.Errorf("%w: cannot remove last variant %q", ErrIllegalVariantOperation, id)
	}
	if m.working.selected(slot) {
		return fmt.Errorf("%w: variant %q is a working variant", ErrIllegalVariantOperation, id)
	}
	if _, err := m.index.remove(id); err != nil {
		return err
	}
	for _, l := range m.listeners {
		l.OnSlotRemoved(slot)
	}

	m.recordCountsLocked()
	m.log.Debug(context.Background(), "variant removed",
		logging.String("variant_id", id),
		logging.Int("slot", slot),
	)
	return nil
}

// AllowVariantMultiThreadAccess implements Manager.
func (m *VariantManager) AllowVariantMultiThreadAccess(ctx context.Context, allow bool) (err error) {
	start := time.Now()
	defer func() { m.observe("set_mode", start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.working.setMode(ctx, allow); err != nil {
		m.log.Warn(ctx, "variant mode switch rejected", logging.String("error", err.Error()))
		return err
	}
	m.recordCountsLocked()
	return nil
}

// IsVariantMultiThreadAccessAllowed implements Manager.
func (m *VariantManager) IsVariantMultiThreadAccessAllowed() bool {
	return m.working.isMulti()
}

// RegisterWorker implements Manager.
func (m *VariantManager) RegisterWorker(ctx context.Context) context.Context {
	child := NewWorker(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	m.working.register(ctx, child)
	return child
}

// ReleaseWorker implements Manager.
func (m *VariantManager) ReleaseWorker(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.working.release(ctx)
}

func (m *VariantManager) observe(op string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveVariantOperation(op, time.Since(start), err)
}

func (m *VariantManager) recordCountsLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetVariantCounts(m.index.size(), m.working.workerCount())
}
