package addressrange

import (
	"fmt"
	"sort"
)

// entry pairs a registered range with its handler.
type entry[V any] struct {
	r Range
	v V
}

// Map is an ordered collection of disjoint Ranges, each bound to a
// value of type V, supporting O(log n) point lookup. Insertion of a
// range that overlaps an existing one is rejected, mirroring the
// uniqueness a std::map<AddressRange, T> gets for free from
// AddressRange's overlap-equivalence operator<.
type Map[V any] struct {
	entries []entry[V] // kept sorted by Range.Start
}

// New returns an empty Map.
func New[V any]() *Map[V] {
	return &Map[V]{}
}

// Insert registers v for r. It returns an error, and leaves the map
// unchanged, if r overlaps any already-registered range.
func (m *Map[V]) Insert(r Range, v V) error {
	i := sort.Search(len(m.entries), func(i int) bool {
		return !m.entries[i].r.Less(r)
	})
	if i < len(m.entries) && m.entries[i].r.Overlaps(r) {
		return fmt.Errorf("addressrange: %s overlaps existing registration %s", r, m.entries[i].r)
	}
	m.entries = append(m.entries, entry[V]{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = entry[V]{r: r, v: v}
	return nil
}

// Remove deregisters the range exactly matching r, if any.
func (m *Map[V]) Remove(r Range) {
	for i, e := range m.entries {
		if e.r == r {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// Find returns the value whose range contains addr, if any.
func (m *Map[V]) Find(addr uint64) (V, bool) {
	p := Point(addr)
	i := sort.Search(len(m.entries), func(i int) bool {
		return !m.entries[i].r.Less(p)
	})
	if i < len(m.entries) && m.entries[i].r.Contains(addr) {
		return m.entries[i].v, true
	}
	var zero V
	return zero, false
}

// Len returns the number of registered ranges.
func (m *Map[V]) Len() int {
	return len(m.entries)
}
