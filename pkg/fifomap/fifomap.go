// Package fifomap provides a bounded map with first-in-first-out eviction.
//
// It backs the statement cache and the dimension lookup caches, where the
// working set is expected to be small and hot and strict LRU accounting is
// not worth the bookkeeping.
package fifomap

import (
	"errors"
	"fmt"
)

// Map holds at most size entries. Adding a new key at capacity evicts the
// oldest entry and, when configured, passes it to the finalizer. Replacing
// the value of an existing key keeps its original position and never
// triggers the finalizer.
//
// Map is not safe for concurrent use.
type Map[K comparable, V any] struct {
	size      int
	finalizer func(K, V)
	entries   map[K]V
	order     []K
}

// New returns an empty Map bounded to size entries. The finalizer may be
// nil; when set it is called for entries dropped by capacity eviction only,
// not for entries removed with Delete or Clear.
func New[K comparable, V any](size int, finalizer func(K, V)) (*Map[K, V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("fifomap size must be positive, got %d", size)
	}
	return &Map[K, V]{
		size:      size,
		finalizer: finalizer,
		entries:   make(map[K]V, size),
		order:     make([]K, 0, size),
	}, nil
}

// MustNew is New for static sizes known to be valid.
func MustNew[K comparable, V any](size int, finalizer func(K, V)) *Map[K, V] {
	m, err := New[K, V](size, finalizer)
	if err != nil {
		panic(err)
	}
	return m
}

// Add inserts or replaces the value for k.
func (m *Map[K, V]) Add(k K, v V) {
	if _, ok := m.entries[k]; ok {
		m.entries[k] = v
		return
	}
	if len(m.order) >= m.size {
		oldest := m.order[0]
		m.order = m.order[1:]
		old := m.entries[oldest]
		delete(m.entries, oldest)
		if m.finalizer != nil {
			m.finalizer(oldest, old)
		}
	}
	m.entries[k] = v
	m.order = append(m.order, k)
}

// Get returns the value for k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.entries[k]
	return v, ok
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(k K) bool {
	_, ok := m.entries[k]
	return ok
}

// Delete removes k without invoking the finalizer. It returns an error when
// k is not present.
func (m *Map[K, V]) Delete(k K) error {
	if _, ok := m.entries[k]; !ok {
		return errors.New("fifomap: key not present")
	}
	delete(m.entries, k)
	for i, key := range m.order {
		if key == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	return len(m.entries)
}

// Size returns the configured capacity.
func (m *Map[K, V]) Size() int {
	return m.size
}

// Keys returns the keys in insertion order.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// Clear removes all entries without invoking the finalizer.
func (m *Map[K, V]) Clear() {
	m.entries = make(map[K]V, m.size)
	m.order = m.order[:0]
}
