package route

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCapacityExceeded is returned by Add when the table already holds
// route_entry_max entries.
var ErrCapacityExceeded = errors.New("route table capacity exceeded")

// ErrDuplicate is returned by Add when an entry with the same Key already
// exists.
var ErrDuplicate = errors.New("route entry already exists")

// ErrNotFound is returned by Del when no entry matches the given key.
var ErrNotFound = errors.New("route entry not found")

// Table is a bounded, compact route table for one address family,
// guarded by a plain sync.Mutex. DelByDevice collects its victims under
// the lock and returns them after releasing it, so callers publish
// peer-sync DELs outside the critical section and the mutex never needs
// to be reentrant.
type Table[E Entry] struct {
	mu       sync.Mutex
	entries  []E
	max      int
	interest map[int]struct{} // device indices this table is allowed to hold/observe
	matchAll bool             // construction-time empty interest set: every device matches
}

// NewTable creates an empty Table bounded to max entries. interest is
// the set of device indices this table cares about; a nil or empty set
// at construction means "interested in every device".
func NewTable[E Entry](max int, interest map[int]struct{}) *Table[E] {
	if interest == nil {
		interest = make(map[int]struct{})
	}
	return &Table[E]{
		entries:  make([]E, 0, max),
		max:      max,
		interest: interest,
		matchAll: len(interest) == 0,
	}
}

// Interested reports whether ifindex is in this table's device interest
// set.
func (t *Table[E]) Interested(ifindex int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.matchAll {
		return true
	}
	_, ok := t.interest[ifindex]
	return ok
}

// RemoveInterest drops ifindex from the interest set, so routes out a
// removed device stop being mirrored. A no-op for a match-all table.
func (t *Table[E]) RemoveInterest(ifindex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.interest, ifindex)
}

// Max reports the table's configured capacity.
func (t *Table[E]) Max() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max
}

// InterestDevices returns the interest set as a sorted slice of device
// indices, for status dumps.
func (t *Table[E]) InterestDevices() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.interest))
	for idx := range t.interest {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Len reports the current number of entries.
func (t *Table[E]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Search returns the entry matching key and true, or the zero value and
// false if no entry matches.
func (t *Table[E]) Search(key EntryKey) (E, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.searchLocked(key)
}

func (t *Table[E]) searchLocked(key EntryKey) (E, bool) {
	for _, e := range t.entries {
		if e.Key() == key {
			return e, true
		}
	}
	var zero E
	return zero, false
}

// CountSameDest returns the number of entries sharing dest's (dst,
// prefix_len) pair, regardless of gateway. The peer-sync dispatcher
// uses this after a local delete to decide whether the destination is
// really gone or another gateway still serves it.
func (t *Table[E]) CountSameDest(dest DestKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.DestKey() == dest {
			n++
		}
	}
	return n
}

// Add inserts e into the table. It returns ErrCapacityExceeded if the
// table is full, and ErrDuplicate if an entry with the same Key is
// already present.
func (t *Table[E]) Add(e E) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.searchLocked(e.Key()); ok {
		return fmt.Errorf("add %v: %w", e.Key(), ErrDuplicate)
	}
	if len(t.entries) >= t.max {
		return fmt.Errorf("add %v: %w", e.Key(), ErrCapacityExceeded)
	}

	t.entries = append(t.entries, e)
	return nil
}

// Del removes the entry matching key. It returns ErrNotFound if no
// entry matches.
func (t *Table[E]) Del(key EntryKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.Key() == key {
			t.deleteAt(i)
			return nil
		}
	}
	return fmt.Errorf("del %v: %w", key, ErrNotFound)
}

// deleteAt removes the entry at index i, shifting the tail left by one
// and zeroing the vacated slot so the table stays dense and survivors
// keep their relative order. Caller must hold t.mu.
func (t *Table[E]) deleteAt(i int) {
	last := len(t.entries) - 1
	copy(t.entries[i:], t.entries[i+1:])
	var zero E
	t.entries[last] = zero
	t.entries = t.entries[:last]
}

// DelByDevice removes every entry whose OutIfIndex equals ifindex and
// returns the removed entries in table order. The sweep and compaction
// happen entirely under t.mu; callers publish peer-sync DEL commands
// for the victims after DelByDevice returns, outside the table's lock.
func (t *Table[E]) DelByDevice(ifindex int) []E {
	t.mu.Lock()
	defer t.mu.Unlock()

	var victims []E
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.OutIfIndex() == ifindex {
			victims = append(victims, e)
			continue
		}
		kept = append(kept, e)
	}
	var zero E
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = zero
	}
	t.entries = kept
	return victims
}

// Snapshot returns a copy of every entry currently in the table, in
// table order. Used by the admin API's read-only dump.
func (t *Table[E]) Snapshot() []E {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]E, len(t.entries))
	copy(out, t.entries)
	return out
}
