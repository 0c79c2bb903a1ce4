// Package duequeue keeps scheduled items sorted ascending by due time.
//
// The queue is a contiguous slice. Insert and Reposition binary-search the new
// slot and block-move only the elements between the old and the new position,
// so a rule that just ran is re-slotted without re-sorting everything.
// Items with equal due times keep insertion order: a moved or inserted item
// always lands after existing equal entries.
package duequeue

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// linearMax is the size below which a linear scan beats binary search.
const linearMax = 4

var (
	ErrIndex     = errors.New("duequeue: index out of range")
	ErrUnordered = errors.New("duequeue: due times out of order")
)

// Queue is not safe for concurrent use; it belongs to a single control loop.
type Queue[T any] struct {
	items []T
	due   func(T) time.Time
}

// New returns an empty queue that reads each item's due time through due.
func New[T any](due func(T) time.Time) *Queue[T] {
	return &Queue[T]{due: due}
}

// NewFrom builds a queue from items by inserting them in order, so equal due
// times keep their input order.
func NewFrom[T any](due func(T) time.Time, items []T) *Queue[T] {
	q := &Queue[T]{due: due, items: make([]T, 0, len(items))}
	for _, it := range items {
		q.Insert(it)
	}
	return q
}

func (q *Queue[T]) Len() int { return len(q.items) }

// At returns the item at position i.
func (q *Queue[T]) At(i int) T { return q.items[i] }

// Peek returns the earliest item.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Items returns a copy of the queue contents in due order.
func (q *Queue[T]) Items() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Insert places it after every item due at or before it and returns its index.
func (q *Queue[T]) Insert(it T) int {
	at := q.upperBound(q.due(it), 0, len(q.items))
	var zero T
	q.items = append(q.items, zero)
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = it
	return at
}

// Reposition moves the item at index i, whose due time has just changed, to its
// sorted position and returns the new index.
func (q *Queue[T]) Reposition(i int) (int, error) {
	if i < 0 || i >= len(q.items) {
		return i, fmt.Errorf("%w: %d (len %d)", ErrIndex, i, len(q.items))
	}
	it := q.items[i]
	d := q.due(it)

	switch {
	case i+1 < len(q.items) && !q.due(q.items[i+1]).After(d):
		// later: slide [i+1, at) one slot down
		at := q.upperBound(d, i+1, len(q.items))
		copy(q.items[i:at-1], q.items[i+1:at])
		q.items[at-1] = it
		return at - 1, nil
	case i > 0 && q.due(q.items[i-1]).After(d):
		// earlier: slide [at, i) one slot up
		at := q.upperBound(d, 0, i)
		copy(q.items[at+1:i+1], q.items[at:i])
		q.items[at] = it
		return at, nil
	default:
		return i, nil
	}
}

// CheckAround verifies ordering against the neighbours of index i.
// It is the cheap post-condition of Reposition and Insert.
func (q *Queue[T]) CheckAround(i int) error {
	if i < 0 || i >= len(q.items) {
		return fmt.Errorf("%w: %d (len %d)", ErrIndex, i, len(q.items))
	}
	d := q.due(q.items[i])
	if i > 0 && q.due(q.items[i-1]).After(d) {
		return fmt.Errorf("%w: position %d before %d", ErrUnordered, i-1, i)
	}
	if i+1 < len(q.items) && d.After(q.due(q.items[i+1])) {
		return fmt.Errorf("%w: position %d before %d", ErrUnordered, i, i+1)
	}
	return nil
}

// Sorted reports whether every adjacent pair is non-decreasing.
func (q *Queue[T]) Sorted() bool {
	for i := 1; i < len(q.items); i++ {
		if q.due(q.items[i-1]).After(q.due(q.items[i])) {
			return false
		}
	}
	return true
}

// upperBound returns the first index in [lo, hi) whose due time is after d, or hi.
func (q *Queue[T]) upperBound(d time.Time, lo, hi int) int {
	if hi-lo <= linearMax {
		for i := lo; i < hi; i++ {
			if q.due(q.items[i]).After(d) {
				return i
			}
		}
		return hi
	}
	return lo + sort.Search(hi-lo, func(k int) bool {
		return q.due(q.items[lo+k]).After(d)
	})
}
