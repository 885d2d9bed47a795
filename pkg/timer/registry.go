// Package timer implements the idle-connection timeout registry.
//
// The registry keeps one entry per live connection, ordered by expiry time,
// so a periodic sweep only has to look at the head of the list: every entry
// whose expiry has passed is popped and its callback runs, and the sweep stops
// at the first entry that is still in the future.
//
// Entries live in an arena (a slice) and are linked through indices rather
// than pointers. Callers refer to them with a Handle that carries the slot
// index plus a generation number; once an entry is removed its slot may be
// reused, and any old Handle to it is detected as stale and ignored.
//
// Complexity:
//   - Add: O(1) when the new expiry is the earliest, otherwise O(n)
//   - Adjust: O(1) when the order is unchanged, otherwise O(n)
//   - Delete: O(1)
//   - Tick: O(k) for k expired entries
//
// Thread safety:
// A Registry is not safe for concurrent use. It is owned by the event loop
// goroutine.
package timer

import (
	"fmt"
	"time"
)

const nilIndex int32 = -1

// Handle identifies an entry in a Registry. The zero Handle is never valid.
type Handle struct {
	index int32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

type entry[T any] struct {
	expire   time.Time
	owner    T
	onExpire func(T)

	prev, next int32
	gen        uint32
	live       bool
}

// Registry is a list of timeout entries sorted by ascending expiry.
type Registry[T any] struct {
	entries []entry[T]
	free    []int32

	head, tail int32
	n          int
}

// New creates an empty Registry with room for sizeHint entries before the
// arena has to grow.
func New[T any](sizeHint int) *Registry[T] {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Registry[T]{
		entries: make([]entry[T], 0, sizeHint),
		head:    nilIndex,
		tail:    nilIndex,
	}
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	return r.n
}

// Add inserts an entry expiring at expire. When the entry expires during a
// Tick, onExpire is called with owner.
func (r *Registry[T]) Add(owner T, expire time.Time, onExpire func(T)) Handle {
	idx := r.alloc()
	e := &r.entries[idx]
	e.expire = expire
	e.owner = owner
	e.onExpire = onExpire

	switch {
	case r.head == nilIndex:
		e.prev, e.next = nilIndex, nilIndex
		r.head, r.tail = idx, idx
	case expire.Before(r.entries[r.head].expire):
		r.linkBefore(idx, r.head)
	default:
		r.insertFrom(idx, r.head)
	}

	r.n++
	return Handle{index: idx, gen: e.gen}
}

// Adjust moves an entry to a new expiry, keeping the list sorted. It reports
// false if h is stale.
func (r *Registry[T]) Adjust(h Handle, expire time.Time) bool {
	if !r.valid(h) {
		return false
	}

	idx := h.index
	e := &r.entries[idx]
	e.expire = expire

	prev, next := e.prev, e.next

	// Moving earlier than the predecessor needs a full rescan from the head.
	if prev != nilIndex && expire.Before(r.entries[prev].expire) {
		r.unlink(idx)
		if r.head == nilIndex {
			r.entries[idx].prev, r.entries[idx].next = nilIndex, nilIndex
			r.head, r.tail = idx, idx
		} else if expire.Before(r.entries[r.head].expire) {
			r.linkBefore(idx, r.head)
		} else {
			r.insertFrom(idx, r.head)
		}
		return true
	}

	if next == nilIndex || expire.Before(r.entries[next].expire) {
		return true
	}

	r.unlink(idx)
	r.insertFrom(idx, next)
	return true
}

// Delete removes an entry without running its callback. It reports false if
// h is stale.
func (r *Registry[T]) Delete(h Handle) bool {
	if !r.valid(h) {
		return false
	}

	r.unlink(h.index)
	r.release(h.index)
	r.n--
	return true
}

// Expiry returns the expiry of the entry identified by h.
func (r *Registry[T]) Expiry(h Handle) (time.Time, bool) {
	if !r.valid(h) {
		return time.Time{}, false
	}
	return r.entries[h.index].expire, true
}

// Next returns the earliest expiry in the registry.
func (r *Registry[T]) Next() (time.Time, bool) {
	if r.head == nilIndex {
		return time.Time{}, false
	}
	return r.entries[r.head].expire, true
}

// Tick removes every entry whose expiry is at or before now and runs its
// callback, earliest first. It returns the number of entries expired.
//
// Each entry is removed before its callback runs, so callbacks may freely
// Add, Adjust or Delete other entries.
func (r *Registry[T]) Tick(now time.Time) int {
	expired := 0

	for r.head != nilIndex {
		idx := r.head
		e := &r.entries[idx]
		if e.expire.After(now) {
			break
		}

		owner, cb := e.owner, e.onExpire
		r.unlink(idx)
		r.release(idx)
		r.n--
		expired++

		if cb != nil {
			cb(owner)
		}
	}

	return expired
}

// Validate walks the list and checks that it is sorted, that links are
// symmetric and that the live count matches.
func (r *Registry[T]) Validate() error {
	count := 0
	prev := nilIndex

	for idx := r.head; idx != nilIndex; idx = r.entries[idx].next {
		e := &r.entries[idx]
		if !e.live {
			return fmt.Errorf("entry %d is linked but not live", idx)
		}
		if e.prev != prev {
			return fmt.Errorf("entry %d: prev is %d, expected %d", idx, e.prev, prev)
		}
		if prev != nilIndex && e.expire.Before(r.entries[prev].expire) {
			return fmt.Errorf("entry %d expires before its predecessor %d", idx, prev)
		}

		count++
		if count > len(r.entries) {
			return fmt.Errorf("cycle detected")
		}
		prev = idx
	}

	if prev != r.tail {
		return fmt.Errorf("tail is %d, last entry is %d", r.tail, prev)
	}
	if count != r.n {
		return fmt.Errorf("walked %d entries, count says %d", count, r.n)
	}
	return nil
}

func (r *Registry[T]) valid(h Handle) bool {
	if h.gen == 0 || h.index < 0 || int(h.index) >= len(r.entries) {
		return false
	}
	e := &r.entries[h.index]
	return e.live && e.gen == h.gen
}

func (r *Registry[T]) alloc() int32 {
	var idx int32

	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.entries = append(r.entries, entry[T]{})
		idx = int32(len(r.entries) - 1)
	}

	e := &r.entries[idx]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.live = true
	return idx
}

func (r *Registry[T]) release(idx int32) {
	var zero T

	e := &r.entries[idx]
	e.live = false
	e.owner = zero
	e.onExpire = nil
	e.prev, e.next = nilIndex, nilIndex
	r.free = append(r.free, idx)
}

// insertFrom links idx before the first entry at or after from that expires
// strictly later, or at the tail if there is none.
func (r *Registry[T]) insertFrom(idx, from int32) {
	expire := r.entries[idx].expire

	for cur := from; cur != nilIndex; cur = r.entries[cur].next {
		if expire.Before(r.entries[cur].expire) {
			r.linkBefore(idx, cur)
			return
		}
	}

	e := &r.entries[idx]
	e.prev, e.next = r.tail, nilIndex
	if r.tail != nilIndex {
		r.entries[r.tail].next = idx
	} else {
		r.head = idx
	}
	r.tail = idx
}

func (r *Registry[T]) linkBefore(idx, at int32) {
	e := &r.entries[idx]
	prev := r.entries[at].prev

	e.prev, e.next = prev, at
	r.entries[at].prev = idx
	if prev != nilIndex {
		r.entries[prev].next = idx
	} else {
		r.head = idx
	}
}

func (r *Registry[T]) unlink(idx int32) {
	e := &r.entries[idx]

	if e.prev != nilIndex {
		r.entries[e.prev].next = e.next
	} else {
		r.head = e.next
	}
	if e.next != nilIndex {
		r.entries[e.next].prev = e.prev
	} else {
		r.tail = e.prev
	}
	e.prev, e.next = nilIndex, nilIndex
}
