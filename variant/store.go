package variant

import (
	"fmt"
	"sync/atomic"
)

// AttributeKind tags a variant-aware attribute family, e.g. "bus.v".
type AttributeKind string

// SlotListener is notified by VariantManager whenever a slot is created or
// removed. Every AttributeStore is a SlotListener.
type SlotListener interface {
	// OnSlotCreated populates slot, copying from source or installing
	// defaults when source is NoSource.
	OnSlotCreated(slot, source int) error
	// OnSlotRemoved clears every value held for slot.
	OnSlotRemoved(slot int)
}

// CopyFunc duplicates a value when a variant is cloned. Scalars can use the
// identity; records holding mutable references must deep copy them.
type CopyFunc[T any] func(T) T

// AttributeStore holds one value of T per element for every live slot.
//
// The slot table is republished atomically on every structural change, so
// readers of one slot never observe a torn table while another slot is being
// created or removed. Values of a slot live in their own chunk; Set writes in
// place and must not race with another writer of the same slot.
type AttributeStore[T any] struct {
	kind     AttributeKind
	copyFn   CopyFunc[T]
	defaults []T

	table atomic.Pointer[slotTable[T]]
}

type slotTable[T any] struct {
	chunks []*chunk[T]
}

type chunk[T any] struct {
	values []T
}

// NewAttributeStore returns an empty store. A nil copy function copies values
// by assignment.
func NewAttributeStore[T any](kind AttributeKind, copyFn CopyFunc[T]) *AttributeStore[T] {
	s := &AttributeStore[T]{kind: kind, copyFn: copyFn}
	s.table.Store(&slotTable[T]{})
	return s
}

// Kind returns the attribute family this store holds.
func (s *AttributeStore[T]) Kind() AttributeKind { return s.kind }

// Len returns the number of elements tracked per slot.
func (s *AttributeStore[T]) Len() int { return len(s.defaults) }

// Get returns the value of element elem in slot. Reading a slot that is not
// live means the caller bypassed the manager; it panics.
func (s *AttributeStore[T]) Get(slot, elem int) T {
	c := s.chunk(slot)
	if elem < 0 || elem >= len(c.values) {
		panic(fmt.Sprintf("variant: %s has no element %d in slot %d", s.kind, elem, slot))
	}
	return c.values[elem]
}

// Set overwrites element elem in slot.
func (s *AttributeStore[T]) Set(slot, elem int, v T) {
	c := s.chunk(slot)
	if elem < 0 || elem >= len(c.values) {
		panic(fmt.Sprintf("variant: %s has no element %d in slot %d", s.kind, elem, slot))
	}
	c.values[elem] = v
}

// Live reports whether the store holds an entry for slot.
func (s *AttributeStore[T]) Live(slot int) bool {
	t := s.table.Load()
	return slot >= 0 && slot < len(t.chunks) && t.chunks[slot] != nil
}

func (s *AttributeStore[T]) chunk(slot int) *chunk[T] {
	t := s.table.Load()
	if slot < 0 || slot >= len(t.chunks) || t.chunks[slot] == nil {
		panic(fmt.Sprintf("variant: %s has no entry for slot %d", s.kind, slot))
	}
	return t.chunks[slot]
}

// AppendElement registers a new element and installs def in every live slot.
// It returns the element index. Callers must serialize it against all
// variant activity, normally through VariantManager.Mutate.
func (s *AttributeStore[T]) AppendElement(def T) int {
	s.defaults = append(s.defaults, def)
	for _, c := range s.table.Load().chunks {
		if c != nil {
			c.values = append(c.values, s.dup(def))
		}
	}
	return len(s.defaults) - 1
}

// OnSlotCreated implements SlotListener.
func (s *AttributeStore[T]) OnSlotCreated(slot, source int) error {
	old := s.table.Load()
	if slot < 0 {
		return fmt.Errorf("%s: invalid slot %d", s.kind, slot)
	}
	if slot < len(old.chunks) && old.chunks[slot] != nil {
		return fmt.Errorf("%s: slot %d already populated", s.kind, slot)
	}

	from := s.defaults
	if source != NoSource {
		if source < 0 || source >= len(old.chunks) || old.chunks[source] == nil {
			return fmt.Errorf("%s: source slot %d is not live", s.kind, source)
		}
		from = old.chunks[source].values
	}
	values := make([]T, len(from))
	for i, v := range from {
		values[i] = s.dup(v)
	}

	size := len(old.chunks)
	if slot >= size {
		size = slot + 1
	}
	next := &slotTable[T]{chunks: make([]*chunk[T], size)}
	copy(next.chunks, old.chunks)
	next.chunks[slot] = &chunk[T]{values: values}
	s.table.Store(next)
	return nil
}

// OnSlotRemoved implements SlotListener.
func (s *AttributeStore[T]) OnSlotRemoved(slot int) {
	old := s.table.Load()
	if slot < 0 || slot >= len(old.chunks) || old.chunks[slot] == nil {
		return
	}
	size := len(old.chunks)
	if slot == size-1 {
		size--
		for size > 0 && old.chunks[size-1] == nil {
			size--
		}
	}
	next := &slotTable[T]{chunks: make([]*chunk[T], size)}
	copy(next.chunks, old.chunks[:size])
	if slot < size {
		next.chunks[slot] = nil
	}
	s.table.Store(next)
}

func (s *AttributeStore[T]) dup(v T) T {
	if s.copyFn == nil {
		return v
	}
	return s.copyFn(v)
}
