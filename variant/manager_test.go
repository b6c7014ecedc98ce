package variant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

// newVoltageManager returns a manager with one registered store holding a
// single bus voltage, 400 kV by default.
func newVoltageManager(t *testing.T, opts ...ManagerOption) (*VariantManager, *AttributeStore[float64]) {
	t.Helper()
	m := NewVariantManager(opts...)
	v := NewAttributeStore[float64]("bus.v", nil)
	if err := m.Register(v); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := m.Mutate(func() error {
		v.AppendElement(400)
		return nil
	}); err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	return m, v
}

func voltage(t *testing.T, ctx context.Context, m *VariantManager, v *AttributeStore[float64]) float64 {
	t.Helper()
	slot, err := m.WorkingSlot(ctx)
	if err != nil {
		t.Fatalf("WorkingSlot error: %v", err)
	}
	return v.Get(slot, 0)
}

func setVoltage(t *testing.T, ctx context.Context, m *VariantManager, v *AttributeStore[float64], kv float64) {
	t.Helper()
	slot, err := m.WorkingSlot(ctx)
	if err != nil {
		t.Fatalf("WorkingSlot error: %v", err)
	}
	v.Set(slot, 0, kv)
}

func workingID(t *testing.T, ctx context.Context, m Manager) string {
	t.Helper()
	id, err := m.WorkingVariantID(ctx)
	if err != nil {
		t.Fatalf("WorkingVariantID error: %v", err)
	}
	return id
}

func mustSelect(t *testing.T, ctx context.Context, m Manager, id string) {
	t.Helper()
	if err := m.SetWorkingVariant(ctx, id); err != nil {
		t.Fatalf("SetWorkingVariant(%q) error: %v", id, err)
	}
}

func mustClone(t *testing.T, m Manager, source string, targets ...string) {
	t.Helper()
	if err := m.CloneVariants(source, targets); err != nil {
		t.Fatalf("CloneVariants(%q, %v) error: %v", source, targets, err)
	}
}

func wantIDs(t *testing.T, m Manager, want ...string) {
	t.Helper()
	if got := m.VariantIDs(); !slices.Equal(got, want) {
		t.Fatalf("VariantIDs = %v, want %v", got, want)
	}
}

// flakyListener fails OnSlotCreated once armed.
type flakyListener struct {
	armed   bool
	created []int
	removed []int
}

func (l *flakyListener) OnSlotCreated(slot, _ int) error {
	if l.armed {
		return errors.New("listener refused slot")
	}
	l.created = append(l.created, slot)
	return nil
}

func (l *flakyListener) OnSlotRemoved(slot int) { l.removed = append(l.removed, slot) }

type stubRecorder struct {
	mu       sync.Mutex
	variants int
	workers  int
	ops      map[string]int
	failures map[string]int
}

func (s *stubRecorder) SetVariantCounts(variants, workers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants, s.workers = variants, workers
}

func (s *stubRecorder) ObserveVariantOperation(op string, _ time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops == nil {
		s.ops = make(map[string]int)
		s.failures = make(map[string]int)
	}
	s.ops[op]++
	if err != nil {
		s.failures[op]++
	}
}

func TestNewManagerHoldsInitialVariant(t *testing.T) {
	ctx := context.Background()
	m := NewVariantManager()

	wantIDs(t, m, DefaultInitialVariantID)
	if id := workingID(t, ctx, m); id != DefaultInitialVariantID {
		t.Fatalf("working variant = %q, want %q", id, DefaultInitialVariantID)
	}
	if m.IsVariantMultiThreadAccessAllowed() {
		t.Fatalf("new manager starts in multi-thread mode")
	}

	custom := NewVariantManager(WithInitialVariantID("base"))
	wantIDs(t, custom, "base")
	if got := custom.InitialVariantID(); got != "base" {
		t.Fatalf("InitialVariantID = %q, want base", got)
	}
}

func TestCloneIsolatesVariantValues(t *testing.T) {
	ctx := context.Background()
	m, v := newVoltageManager(t)

	setVoltage(t, ctx, m, v, 380)
	mustClone(t, m, DefaultInitialVariantID, "v1")
	mustSelect(t, ctx, m, "v1")
	if got := voltage(t, ctx, m, v); got != 380 {
		t.Fatalf("cloned voltage = %v, want 380", got)
	}

	setVoltage(t, ctx, m, v, 350)
	if got := voltage(t, ctx, m, v); got != 350 {
		t.Fatalf("v1 voltage = %v, want 350", got)
	}

	mustSelect(t, ctx, m, DefaultInitialVariantID)
	if got := voltage(t, ctx, m, v); got != 380 {
		t.Fatalf("initial voltage = %v, want 380", got)
	}

	if err := m.RemoveVariant("v1"); err != nil {
		t.Fatalf("RemoveVariant error: %v", err)
	}
	wantIDs(t, m, DefaultInitialVariantID)
	if _, err := m.SlotOf("v1"); !errors.Is(err, ErrVariantNotFound) {
		t.Fatalf("SlotOf(removed) err = %v, want ErrVariantNotFound", err)
	}
}

func TestCreateVariantStartsFromDefaults(t *testing.T) {
	ctx := context.Background()
	m, v := newVoltageManager(t)
	setVoltage(t, ctx, m, v, 390)

	if err := m.CreateVariant("fresh"); err != nil {
		t.Fatalf("CreateVariant error: %v", err)
	}
	mustSelect(t, ctx, m, "fresh")
	if got := voltage(t, ctx, m, v); got != 400 {
		t.Fatalf("fresh voltage = %v, want the default 400", got)
	}

	if err := m.CreateVariant("fresh"); !errors.Is(err, ErrDuplicateVariantID) {
		t.Fatalf("duplicate CreateVariant err = %v, want ErrDuplicateVariantID", err)
	}
	if err := m.CreateVariant(""); !errors.Is(err, ErrIllegalVariantOperation) {
		t.Fatalf("empty CreateVariant err = %v, want ErrIllegalVariantOperation", err)
	}
}

func TestElementsAppendedAfterCloneReachEveryVariant(t *testing.T) {
	ctx := context.Background()
	m, v := newVoltageManager(t)
	mustClone(t, m, DefaultInitialVariantID, "v1")

	if err := m.Mutate(func() error {
		v.AppendElement(225)
		return nil
	}); err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	for _, id := range m.VariantIDs() {
		slot, err := m.SlotOf(id)
		if err != nil {
			t.Fatalf("SlotOf(%q) error: %v", id, err)
		}
		if got := v.Get(slot, 1); got != 225 {
			t.Fatalf("variant %s new element = %v, want 225", id, got)
		}
	}
	if got := voltage(t, ctx, m, v); got != 400 {
		t.Fatalf("existing element = %v, want 400", got)
	}
}

func TestCloneVariantsIsAllOrNothing(t *testing.T) {
	m, v := newVoltageManager(t)

	if err := m.CloneVariants(DefaultInitialVariantID, []string{"a", DefaultInitialVariantID}); !errors.Is(err, ErrDuplicateVariantID) {
		t.Fatalf("clone onto existing id err = %v, want ErrDuplicateVariantID", err)
	}
	wantIDs(t, m, DefaultInitialVariantID)

	if err := m.CloneVariants(DefaultInitialVariantID, []string{"a", "b", "a"}); !errors.Is(err, ErrDuplicateVariantID) {
		t.Fatalf("clone with repeated target err = %v, want ErrDuplicateVariantID", err)
	}
	wantIDs(t, m, DefaultInitialVariantID)

	if err := m.CloneVariants("missing", []string{"a"}); !errors.Is(err, ErrVariantNotFound) {
		t.Fatalf("clone of missing source err = %v, want ErrVariantNotFound", err)
	}
	if err := m.CloneVariants(DefaultInitialVariantID, nil); !errors.Is(err, ErrIllegalVariantOperation) {
		t.Fatalf("clone with no targets err = %v, want ErrIllegalVariantOperation", err)
	}

	mustClone(t, m, DefaultInitialVariantID, "a", "b", "c")
	wantIDs(t, m, DefaultInitialVariantID, "a", "b", "c")
	for _, id := range []string{"a", "b", "c"} {
		slot, err := m.SlotOf(id)
		if err != nil {
			t.Fatalf("SlotOf(%q) error: %v", id, err)
		}
		if !v.Live(slot) {
			t.Fatalf("store has no entry for %s", id)
		}
	}
}

func TestCloneRollsBackWhenAListenerFails(t *testing.T) {
	m, v := newVoltageManager(t)
	flaky := &flakyListener{}
	if err := m.Register(flaky); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if !slices.Equal(flaky.created, []int{0}) {
		t.Fatalf("listener populated %v, want [0]", flaky.created)
	}

	flaky.armed = true
	if err := m.CloneVariants(DefaultInitialVariantID, []string{"a", "b"}); err == nil {
		t.Fatalf("expected clone to fail")
	}
	wantIDs(t, m, DefaultInitialVariantID)
	if v.Live(1) || v.Live(2) {
		t.Fatalf("stores populated before the failure were not undone")
	}
	if got := m.index.capacity(); got != 1 {
		t.Fatalf("index capacity = %d, want 1", got)
	}

	flaky.armed = false
	mustClone(t, m, DefaultInitialVariantID, "a", "b")
	if slot, _ := m.SlotOf("a"); slot != 1 {
		t.Fatalf("slot of a = %d, want 1: slots released by the rollback are reused", slot)
	}
}

func TestCloneRollsBackWhenACopyFunctionPanics(t *testing.T) {
	m, v := newVoltageManager(t)
	var armed bool
	tags := NewAttributeStore[[]string]("bus.tags", func(in []string) []string {
		if armed {
			panic("copy failed")
		}
		return append([]string(nil), in...)
	})
	if err := m.Register(tags); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := m.Mutate(func() error {
		tags.AppendElement([]string{"north"})
		return nil
	}); err != nil {
		t.Fatalf("Mutate error: %v", err)
	}

	armed = true
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("expected the copy panic to propagate")
			}
		}()
		_ = m.CloneVariants(DefaultInitialVariantID, []string{"a", "b"})
	}()

	wantIDs(t, m, DefaultInitialVariantID)
	if got := m.index.capacity(); got != 1 {
		t.Fatalf("index capacity = %d, want 1", got)
	}
	for slot := 1; slot <= 2; slot++ {
		if v.Live(slot) || tags.Live(slot) {
			t.Fatalf("slot %d still populated after the panic", slot)
		}
	}

	armed = false
	mustClone(t, m, DefaultInitialVariantID, "a", "b")
	slot, _ := m.SlotOf("b")
	if got := tags.Get(slot, 0); !slices.Equal(got, []string{"north"}) {
		t.Fatalf("tags in b = %v, want [north]", got)
	}
}

func TestRemoveVariantGuards(t *testing.T) {
	ctx := context.Background()
	m, _ := newVoltageManager(t)

	if err := m.RemoveVariant(DefaultInitialVariantID); !errors.Is(err, ErrIllegalVariantOperation) {
		t.Fatalf("removing the last variant err = %v, want ErrIllegalVariantOperation", err)
	}
	if err := m.RemoveVariant("missing"); !errors.Is(err, ErrVariantNotFound) {
		t.Fatalf("removing a missing variant err = %v, want ErrVariantNotFound", err)
	}

	mustClone(t, m, DefaultInitialVariantID, "v1")
	mustSelect(t, ctx, m, "v1")
	if err := m.RemoveVariant("v1"); !errors.Is(err, ErrIllegalVariantOperation) {
		t.Fatalf("removing the working variant err = %v, want ErrIllegalVariantOperation", err)
	}

	if err := m.RemoveVariant(DefaultInitialVariantID); err != nil {
		t.Fatalf("RemoveVariant error: %v", err)
	}
	if id := workingID(t, ctx, m); id != "v1" {
		t.Fatalf("working variant = %q, want v1", id)
	}
	if err := m.SetWorkingVariant(ctx, DefaultInitialVariantID); !errors.Is(err, ErrVariantNotFound) {
		t.Fatalf("selecting a removed variant err = %v, want ErrVariantNotFound", err)
	}
}

func TestSlotsAreReusedAcrossCycles(t *testing.T) {
	m, v := newVoltageManager(t)
	for i := range 100 {
		id := fmt.Sprintf("scratch-%d", i)
		mustClone(t, m, DefaultInitialVariantID, id)
		if slot, _ := m.SlotOf(id); slot != 1 {
			t.Fatalf("cycle %d got slot %d, want 1", i, slot)
		}
		if err := m.RemoveVariant(id); err != nil {
			t.Fatalf("RemoveVariant(%q) error: %v", id, err)
		}
	}
	if got := m.index.capacity(); got != 1 {
		t.Fatalf("index capacity = %d, want 1", got)
	}
	if got := len(v.table.Load().chunks); got != 1 {
		t.Fatalf("store table len = %d, want 1", got)
	}
}

func TestMultiThreadWorkersSelectIndependently(t *testing.T) {
	bg := context.Background()
	m, v := newVoltageManager(t)
	mustClone(t, m, DefaultInitialVariantID, "v1", "v2")
	if err := m.AllowVariantMultiThreadAccess(bg, true); err != nil {
		t.Fatalf("AllowVariantMultiThreadAccess error: %v", err)
	}

	t1 := m.RegisterWorker(bg)
	t2 := m.RegisterWorker(bg)
	if id := workingID(t, t1, m); id != DefaultInitialVariantID {
		t.Fatalf("registered worker seeded with %q, want the global selection", id)
	}

	var wg sync.WaitGroup
	for _, w := range []struct {
		ctx     context.Context
		variant string
		kv      float64
	}{{t1, "v1", 350}, {t2, "v2", 410}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.SetWorkingVariant(w.ctx, w.variant); err != nil {
				t.Errorf("SetWorkingVariant(%s): %v", w.variant, err)
				return
			}
			slot, err := m.WorkingSlot(w.ctx)
			if err != nil {
				t.Errorf("WorkingSlot: %v", err)
				return
			}
			for range 1000 {
				v.Set(slot, 0, w.kv)
				if got := v.Get(slot, 0); got != w.kv {
					t.Errorf("variant %s read %v, want %v", w.variant, got, w.kv)
					return
				}
			}
		}()
	}
	wg.Wait()

	if id1, id2 := workingID(t, t1, m), workingID(t, t2, m); id1 != "v1" || id2 != "v2" {
		t.Fatalf("worker selections = %q,%q, want v1,v2", id1, id2)
	}
	if got1, got2 := voltage(t, t1, m, v), voltage(t, t2, m, v); got1 != 350 || got2 != 410 {
		t.Fatalf("worker voltages = %v,%v, want 350,410", got1, got2)
	}
	if got := voltage(t, bg, m, v); got != 400 {
		t.Fatalf("global voltage = %v, want 400: callers without a worker keep the global selection", got)
	}
	if err := m.RemoveVariant("v2"); !errors.Is(err, ErrIllegalVariantOperation) {
		t.Fatalf("removing t2's variant err = %v, want ErrIllegalVariantOperation", err)
	}
}

func TestRegisterWorkerFromAWorkerForksIdentity(t *testing.T) {
	bg := context.Background()
	m, _ := newVoltageManager(t)
	mustClone(t, m, DefaultInitialVariantID, "base", "c1", "c2")
	if err := m.AllowVariantMultiThreadAccess(bg, true); err != nil {
		t.Fatalf("AllowVariantMultiThreadAccess error: %v", err)
	}

	owner := m.RegisterWorker(bg)
	mustSelect(t, owner, m, "base")

	var wg sync.WaitGroup
	for _, target := range []string{"c1", "c2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child := m.RegisterWorker(owner)
			defer m.ReleaseWorker(child)

			if id, err := m.WorkingVariantID(child); err != nil || id != "base" {
				t.Errorf("child seeded with %q, %v; want the owner's base", id, err)
				return
			}
			if err := m.SetWorkingVariant(child, target); err != nil {
				t.Errorf("SetWorkingVariant(%s): %v", target, err)
				return
			}
			time.Sleep(10 * time.Millisecond)
			if id, err := m.WorkingVariantID(child); err != nil || id != target {
				t.Errorf("child selection = %q, %v; want %s", id, err, target)
			}
		}()
	}
	wg.Wait()

	if id := workingID(t, owner, m); id != "base" {
		t.Fatalf("owner selection = %q after children released, want base", id)
	}
}

func TestUnregisteredWorkerHasNoWorkingVariant(t *testing.T) {
	bg := context.Background()
	m := NewVariantManager()
	if err := m.AllowVariantMultiThreadAccess(bg, true); err != nil {
		t.Fatalf("AllowVariantMultiThreadAccess error: %v", err)
	}

	stray := WithWorker(bg)
	if _, err := m.WorkingVariantID(stray); !errors.Is(err, ErrNoWorkingVariant) {
		t.Fatalf("WorkingVariantID err = %v, want ErrNoWorkingVariant", err)
	}
	if _, err := m.WorkingSlot(stray); !errors.Is(err, ErrNoWorkingVariant) {
		t.Fatalf("WorkingSlot err = %v, want ErrNoWorkingVariant", err)
	}

	mustSelect(t, stray, m, DefaultInitialVariantID)
	if id := workingID(t, stray, m); id != DefaultInitialVariantID {
		t.Fatalf("stray selection = %q", id)
	}

	m.ReleaseWorker(stray)
	if _, err := m.WorkingVariantID(stray); !errors.Is(err, ErrNoWorkingVariant) {
		t.Fatalf("released worker err = %v, want ErrNoWorkingVariant", err)
	}
}

func TestSwitchToSingleModeRequiresAgreement(t *testing.T) {
	bg := context.Background()
	m, _ := newVoltageManager(t)
	mustClone(t, m, DefaultInitialVariantID, "v1", "v2")
	if err := m.AllowVariantMultiThreadAccess(bg, true); err != nil {
		t.Fatalf("AllowVariantMultiThreadAccess error: %v", err)
	}

	t1 := m.RegisterWorker(bg)
	t2 := m.RegisterWorker(bg)
	mustSelect(t, t1, m, "v1")
	mustSelect(t, t2, m, "v2")

	if err := m.AllowVariantMultiThreadAccess(bg, false); !errors.Is(err, ErrConcurrencyMode) {
		t.Fatalf("diverged switch err = %v, want ErrConcurrencyMode", err)
	}
	if !m.IsVariantMultiThreadAccessAllowed() {
		t.Fatalf("rejected switch changed the mode")
	}

	m.ReleaseWorker(t2)
	if err := m.AllowVariantMultiThreadAccess(bg, false); err != nil {
		t.Fatalf("switch to single mode error: %v", err)
	}
	if m.IsVariantMultiThreadAccessAllowed() {
		t.Fatalf("still in multi-thread mode")
	}
	if id := workingID(t, bg, m); id != "v1" {
		t.Fatalf("global selection = %q, want the surviving worker's v1", id)
	}
	if id := workingID(t, t2, m); id != "v1" {
		t.Fatalf("t2 selection = %q, want v1: single mode ignores worker identities", id)
	}
}

func TestMetricsRecorderObservesOperations(t *testing.T) {
	rec := &stubRecorder{}
	m, _ := newVoltageManager(t, WithMetricsRecorder(rec))

	mustClone(t, m, DefaultInitialVariantID, "a", "b")
	if err := m.CreateVariant("c"); err != nil {
		t.Fatalf("CreateVariant error: %v", err)
	}
	if err := m.RemoveVariant("missing"); !errors.Is(err, ErrVariantNotFound) {
		t.Fatalf("RemoveVariant(missing) err = %v", err)
	}
	if err := m.RemoveVariant("a"); err != nil {
		t.Fatalf("RemoveVariant error: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.variants != 3 || rec.workers != 0 {
		t.Fatalf("counts = %d variants, %d workers; want 3, 0", rec.variants, rec.workers)
	}
	want := map[string]int{"clone": 1, "create": 1, "remove": 2}
	for op, n := range want {
		if rec.ops[op] != n {
			t.Fatalf("ops[%s] = %d, want %d", op, rec.ops[op], n)
		}
	}
	if rec.failures["remove"] != 1 {
		t.Fatalf("remove failures = %d, want 1", rec.failures["remove"])
	}
}

func TestConcurrentReadsDuringStructuralChanges(t *testing.T) {
	ctx := context.Background()
	m, v := newVoltageManager(t)
	setVoltage(t, ctx, m, v, 390)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				slot, err := m.WorkingSlot(ctx)
				if err != nil {
					t.Errorf("WorkingSlot: %v", err)
					return
				}
				if got := v.Get(slot, 0); got != 390 {
					t.Errorf("read %v during clone churn, want 390", got)
					return
				}
				_ = m.VariantIDs()
			}
		}()
	}

	for i := range 50 {
		ids := []string{fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)}
		mustClone(t, m, DefaultInitialVariantID, ids...)
		for _, id := range ids {
			if err := m.RemoveVariant(id); err != nil {
				t.Fatalf("RemoveVariant(%q) error: %v", id, err)
			}
		}
	}
	close(done)
	wg.Wait()
}
