// Package registry implements the pending-operation registry shared by the
// transfer engines.
//
// Records live in an arena and are addressed by stable handles. Removal
// marks a slot dead; dead slots are compacted away once no iteration is in
// progress, so a callback fired during Each may remove any record
// (including the one being visited) without disturbing the walk.
package registry

import "github.com/chrisbazley/cblibrary/types"

// Handle identifies a record for its whole lifetime. Handles are never
// reused.
type Handle uint64

// Correlated is implemented by records that wait for a reply. Ref returns
// the reference of the message the record is waiting on, or zero when
// nothing is outstanding.
type Correlated interface {
	Ref() types.Ref
}

type slot[T any] struct {
	h    Handle
	v    T
	dead bool
}

// Arena holds records of type T.
type Arena[T any] struct {
	slots   []slot[T]
	next    Handle
	live    int
	walking int
	dirty   bool
}

// Add stores v and returns its handle.
func (a *Arena[T]) Add(v T) Handle {
	a.next++
	a.slots = append(a.slots, slot[T]{h: a.next, v: v})
	a.live++
	return a.next
}

// Get returns the record for h.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	if i := a.index(h); i >= 0 {
		return a.slots[i].v, true
	}
	var zero T
	return zero, false
}

// Contains reports whether h names a live record.
func (a *Arena[T]) Contains(h Handle) bool {
	return a.index(h) >= 0
}

// Remove deletes the record for h. It reports whether a live record was
// removed, so a second Remove of the same handle is a no-op.
func (a *Arena[T]) Remove(h Handle) bool {
	i := a.index(h)
	if i < 0 {
		return false
	}
	var zero T
	a.slots[i].dead = true
	a.slots[i].v = zero
	a.live--
	a.dirty = true
	a.compact()
	return true
}

// Len returns the number of live records.
func (a *Arena[T]) Len() int {
	return a.live
}

// Find returns the first live record satisfying match.
func (a *Arena[T]) Find(match func(T) bool) (Handle, T, bool) {
	for _, s := range a.slots {
		if !s.dead && match(s.v) {
			return s.h, s.v, true
		}
	}
	var zero T
	return 0, zero, false
}

// Each calls fn for every record that is live when it is reached. Records
// added during the walk are not visited.
func (a *Arena[T]) Each(fn func(Handle, T)) {
	a.walking++
	defer func() {
		a.walking--
		a.compact()
	}()

	n := len(a.slots)
	for i := 0; i < n; i++ {
		s := a.slots[i]
		if !s.dead {
			fn(s.h, s.v)
		}
	}
}

// Handles returns the handles of all live records.
func (a *Arena[T]) Handles() []Handle {
	out := make([]Handle, 0, a.live)
	for _, s := range a.slots {
		if !s.dead {
			out = append(out, s.h)
		}
	}
	return out
}

func (a *Arena[T]) index(h Handle) int {
	if h == 0 {
		return -1
	}
	for i := range a.slots {
		if a.slots[i].h == h {
			if a.slots[i].dead {
				return -1
			}
			return i
		}
	}
	return -1
}

func (a *Arena[T]) compact() {
	if a.walking > 0 || !a.dirty {
		return
	}
	kept := a.slots[:0]
	for _, s := range a.slots {
		if !s.dead {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(a.slots); i++ {
		a.slots[i] = slot[T]{}
	}
	a.slots = kept
	a.dirty = false
}

// FindByRef returns the record waiting on ref. A zero ref never matches,
// so a record whose reply has been consumed cannot be matched twice.
func FindByRef[T Correlated](a *Arena[T], ref types.Ref) (Handle, T, bool) {
	if ref == 0 {
		var zero T
		return 0, zero, false
	}
	return a.Find(func(v T) bool { return v.Ref() == ref })
}
