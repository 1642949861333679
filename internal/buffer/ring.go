// Package buffer provides bounded history containers.
package buffer

import (
	"sync"
)

// Ring is a thread-safe bounded history that keeps the most recent items up
// to a fixed capacity. When the ring is full, the oldest item is discarded to
// make room for the new one.
//
// It backs the message queue's completed/failed histories and the workspace
// activity log.
type Ring[T any] struct {
	items    []T
	head     int // index of the oldest item
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a new Ring with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item. It returns the evicted item and true when the ring was full.
func (r *Ring[T]) Push(item T) (evicted T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < r.capacity {
		r.items[(r.head+r.size)%r.capacity] = item
		r.size++
		return evicted, false
	}

	evicted = r.items[r.head]
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	return evicted, true
}

// Items returns a copy of all items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%r.capacity])
	}
	return out
}

// Recent returns up to limit items, newest first. A limit <= 0 returns all items.
func (r *Ring[T]) Recent(limit int, keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0)
	for i := r.size - 1; i >= 0; i-- {
		item := r.items[(r.head+i)%r.capacity]
		if keep != nil && !keep(item) {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Find returns the newest item matching match.
func (r *Ring[T]) Find(match func(T) bool) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := r.size - 1; i >= 0; i-- {
		item := r.items[(r.head+i)%r.capacity]
		if match(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Retain keeps only items for which keep returns true, preserving order.
// It returns the number of items removed.
func (r *Ring[T]) Retain(keep func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		item := r.items[(r.head+i)%r.capacity]
		if keep(item) {
			kept = append(kept, item)
		}
	}

	removed := r.size - len(kept)
	if removed == 0 {
		return 0
	}

	r.items = make([]T, r.capacity)
	copy(r.items, kept)
	r.head = 0
	r.size = len(kept)
	return removed
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make([]T, r.capacity)
	r.head = 0
	r.size = 0
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.size
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
