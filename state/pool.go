package state

import "iter"

// Pool is a fixed-capacity arena. Entries are referenced by index and freed slots are reused
// last-in first-out.
type Pool[T any] struct {
	items []T
	used  []bool
	free  []int
}

func NewPool[T any](capacity int) *Pool[T] {
	p := &Pool[T]{
		items: make([]T, capacity),
		used:  make([]bool, capacity),
		free:  make([]int, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// Alloc reserves a zeroed slot. ok is false when the pool is full.
func (p *Pool[T]) Alloc() (idx int, item *T, ok bool) {
	if len(p.free) == 0 {
		return -1, nil, false
	}
	idx = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[idx] = true
	return idx, &p.items[idx], true
}

func (p *Pool[T]) Free(idx int) {
	if idx < 0 || idx >= len(p.items) || !p.used[idx] {
		return
	}
	var zero T
	p.items[idx] = zero
	p.used[idx] = false
	p.free = append(p.free, idx)
}

// Get returns nil for unused slots.
func (p *Pool[T]) Get(idx int) *T {
	if idx < 0 || idx >= len(p.items) || !p.used[idx] {
		return nil
	}
	return &p.items[idx]
}

func (p *Pool[T]) Len() int {
	return len(p.items) - len(p.free)
}

func (p *Pool[T]) Cap() int {
	return len(p.items)
}

func (p *Pool[T]) Full() bool {
	return len(p.free) == 0
}

// All yields used slots in index order. The pool must not be mutated while iterating.
func (p *Pool[T]) All() iter.Seq2[int, *T] {
	return func(yield func(int, *T) bool) {
		for i := range p.items {
			if !p.used[i] {
				continue
			}
			if !yield(i, &p.items[i]) {
				return
			}
		}
	}
}

func (p *Pool[T]) Reset() {
	for i := range p.items {
		p.Free(i)
	}
}
