package variant

import (
	"fmt"
	"sort"

	"github.com/tidwall/btree"
)

// NoSource is passed to SlotListener.OnSlotCreated when a slot is created
// without a source variant; listeners install their defaults.
const NoSource = -1

// slotIndex maps variant ids to slots. It is not safe for concurrent use;
// VariantManager guards it with its own lock.
type slotIndex struct {
	ids   map[string]int
	slots []string // slot -> id, "" when the slot is free

	// free holds released slots below len(slots); the lowest is reused first.
	free *btree.BTreeG[int]
}

func newSlotIndex() *slotIndex {
	return &slotIndex{
		ids:  make(map[string]int),
		free: btree.NewBTreeG[int](func(a, b int) bool { return a < b }),
	}
}

func (x *slotIndex) create(id string) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("%w: empty variant id", ErrIllegalVariantOperation)
	}
	if _, exists := x.ids[id]; exists {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateVariantID, id)
	}
	slot := x.allocate()
	x.slots[slot] = id
	x.ids[id] = slot
	return slot, nil
}

func (x *slotIndex) allocate() int {
	if slot, ok := x.free.PopMin(); ok {
		return slot
	}
	x.slots = append(x.slots, "")
	return len(x.slots) - 1
}

func (x *slotIndex) remove(id string) (int, error) {
	slot, ok := x.ids[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrVariantNotFound, id)
	}
	delete(x.ids, id)
	x.slots[slot] = ""
	if slot == len(x.slots)-1 {
		x.shrink()
	} else {
		x.free.Set(slot)
	}
	return slot, nil
}

// shrink drops trailing free slots so the table never outgrows the live set.
func (x *slotIndex) shrink() {
	for len(x.slots) > 0 && x.slots[len(x.slots)-1] == "" {
		last := len(x.slots) - 1
		x.free.Delete(last)
		x.slots = x.slots[:last]
	}
}

// checkTargets validates a clone target list before anything is allocated.
func (x *slotIndex) checkTargets(targets []string) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: empty clone target list", ErrIllegalVariantOperation)
	}
	seen := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		if id == "" {
			return fmt.Errorf("%w: empty variant id", ErrIllegalVariantOperation)
		}
		if _, exists := x.ids[id]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateVariantID, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %q listed twice", ErrDuplicateVariantID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (x *slotIndex) slotOf(id string) (int, error) {
	slot, ok := x.ids[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrVariantNotFound, id)
	}
	return slot, nil
}

func (x *slotIndex) idOf(slot int) (string, error) {
	if slot < 0 || slot >= len(x.slots) || x.slots[slot] == "" {
		return "", fmt.Errorf("%w: slot %d", ErrVariantNotFound, slot)
	}
	return x.slots[slot], nil
}

func (x *slotIndex) list() []string {
	out := make([]string, 0, len(x.ids))
	for id := range x.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// live returns every live slot in ascending order.
func (x *slotIndex) live() []int {
	out := make([]int, 0, len(x.ids))
	for slot, id := range x.slots {
		if id != "" {
			out = append(out, slot)
		}
	}
	return out
}

func (x *slotIndex) size() int     { return len(x.ids) }
func (x *slotIndex) capacity() int { return len(x.slots) }

// indexTx records allocations so a multi-target clone can be undone exactly.
type indexTx struct {
	x       *slotIndex
	prevLen int
	created []int
}

func (x *slotIndex) begin() *indexTx {
	return &indexTx{x: x, prevLen: len(x.slots)}
}

func (tx *indexTx) create(id string) (int, error) {
	slot, err := tx.x.create(id)
	if err != nil {
		return 0, err
	}
	tx.created = append(tx.created, slot)
	return slot, nil
}

// rollback restores the ids, slot table length and free-list to the state
// observed by begin.
func (tx *indexTx) rollback() {
	x := tx.x
	for i := len(tx.created) - 1; i >= 0; i-- {
		slot := tx.created[i]
		delete(x.ids, x.slots[slot])
		x.slots[slot] = ""
		if slot < tx.prevLen {
			x.free.Set(slot)
		}
	}
	x.slots = x.slots[:tx.prevLen]
	tx.created = nil
}
