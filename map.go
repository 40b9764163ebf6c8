// Copyright 2026 The Probemap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probemap provides Map, a hash table that maps keys to values using
// open addressing with plain linear probing and an adaptively maintained
// probe-length bound.
//
// # Layout
//
// The table consists of two parallel arrays whose length is always a power of
// two: a control byte array and a slot array holding key/value pairs. Each
// control byte classifies its slot as one of three states:
//
//	    empty: 0 0 0 0 0 0 0 0
//	tombstone: 0 0 0 0 0 0 0 1
//	     full: 1 h h h h h h h  // h is the top 7 bits of hash(key)
//
// The high bit of a full control byte is always set, so a full byte can never
// collide with the empty or tombstone sentinels. The 7 hash bits act as a
// cheap pre-filter: during a probe we only perform the (comparatively
// expensive) key comparison when the control byte matches, which makes false
// key comparisons rare for a reasonable hash function.
//
// # Probing
//
// A key's probe sequence starts at hash(key) masked by capacity-1 and
// advances one slot at a time, wrapping at the end of the table. Lookup,
// insertion, and rehashing all use this same sequence, which is what
// guarantees they agree on the set of slots a key could occupy.
//
// Rather than probing until an empty slot is found, the table maintains
// maxProbe: the longest probe distance at which any live key currently
// resides. Lookups never scan past maxProbe, which keeps misses cheap even
// when the table carries long collision chains. Only insertion is allowed to
// extend maxProbe, and only up to a ceiling that scales with capacity
// (capacity/64, with a floor of 16). An insertion that cannot find a free
// slot within that ceiling grows the table instead: quadrupling the capacity
// while the table is small and doubling it past 64000 entries, where the
// transient memory spike of a 4x rehash starts to hurt.
//
// # Deletion
//
// Deletion marks the slot with a tombstone. A tombstone still participates
// in probe chains (probing continues through it), so it can never be
// converted back to empty in place; doing so would break the chain for any
// key that collided through the slot. Tombstones are reclaimed wholesale by
// a rehash, either when the table grows or on an explicit Compact.
//
// A Map is NOT goroutine-safe. If a Map is shared between goroutines the
// caller must serialize every operation, including Get: a concurrent rehash
// replaces the backing storage entirely.
package probemap

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unsafe"
)

const (
	// defaultCapacity is the capacity used by New when none is requested.
	defaultCapacity = 16

	// minProbeBudget and probeShift bound how far an insertion may extend
	// maxProbe before the table grows: max(minProbeBudget,
	// capacity>>probeShift). These are read-only policy parameters.
	minProbeBudget = 16
	probeShift     = 6

	// largeTableThreshold is the entry count above which growth switches
	// from 4x to 2x.
	largeTableThreshold = 64000

	ctrlEmpty     ctrl = 0b00000000
	ctrlTombstone ctrl = 0b00000001
	ctrlFullBit   ctrl = 0b10000000
)

var (
	// ErrInvalidCapacity is returned by New when an explicit capacity is not
	// a power of two. An invalid capacity is a programmer error and is never
	// silently rounded.
	ErrInvalidCapacity = errors.New("probemap: capacity must be a power of two")

	// ErrConcurrentMutation is reported by an Iterator that detects a
	// structural mutation of the map mid-traversal. Restarting the iteration
	// recovers.
	ErrConcurrentMutation = errors.New("probemap: map mutated during iteration")
)

// ctrl is the per-slot control byte. See the package comment for the bit
// patterns.
type ctrl uint8

func (c ctrl) isFull() bool { return c&ctrlFullBit != 0 }

// shortHash extracts the top 7 bits of a hash and sets the full marker bit.
func shortHash(h uint64) ctrl {
	return ctrl(h>>57) | ctrlFullBit
}

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values with Get, Put, Delete, and
// iteration operations. By default a Map[K,V] hashes keys with a
// maphash-based function; a different hash function can be supplied with the
// WithHash option.
//
// The zero value for a Map is not usable; construct one with New.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K.
	hash Hasher[K]
	seed uint64
	// The allocator used for the ctrls and slots arrays.
	allocator Allocator[K, V]
	// ctrls and slots are parallel arrays of length capacity.
	ctrls []ctrl
	slots []Slot[K, V]
	// capacity is always a power of two; capacity-1 is the probe mask.
	capacity int
	// count is the number of full slots.
	count int
	// tombstones is the number of tombstone slots.
	tombstones int
	// maxProbe is the largest probe offset at which any live key resides.
	// Every live key is reachable from its start index within maxProbe
	// linear steps. Grows only during insertion; reset by rehash.
	maxProbe int
	// scanFloor is the lowest index at or before every full slot. Iteration
	// starts here, skipping the leading empty region. Advanced lazily when
	// an iteration begins; lowered by an insertion that lands below it;
	// reset by rehash.
	scanFloor int
	// generation counts structural mutations (insertion into a new slot,
	// deletion, rehash, Clear). Iterators snapshot it to detect concurrent
	// mutation.
	generation uint64
}

// New constructs a Map with the specified initial capacity, which must be a
// power of two. If initialCapacity is 0 the default capacity of 16 is used.
// New returns ErrInvalidCapacity for any other non-power-of-two value.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) (*Map[K, V], error) {
	if initialCapacity == 0 {
		initialCapacity = defaultCapacity
	}
	if initialCapacity < 0 || initialCapacity&(initialCapacity-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, initialCapacity)
	}

	m := &Map[K, V]{
		hash:      defaultHasher[K](),
		seed:      rand.Uint64(),
		allocator: defaultAllocator[K, V]{},
	}
	for _, op := range options {
		op.apply(m)
	}

	m.ctrls = unsafeConvertSlice[ctrl](m.allocator.AllocControls(initialCapacity))
	m.slots = m.allocator.AllocSlots(initialCapacity)
	for i := range m.ctrls {
		m.ctrls[i] = ctrlEmpty
	}
	m.capacity = initialCapacity

	m.checkInvariants()
	return m, nil
}

// Close closes the map, releasing its storage back to the configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.capacity > 0 {
		m.allocator.FreeSlots(m.slots)
		m.allocator.FreeControls(unsafeConvertSlice[uint8](m.ctrls))
		m.ctrls = nil
		m.slots = nil
		m.capacity = 0
		m.count = 0
		m.tombstones = 0
	}
	m.allocator = nil
}

// Get retrieves the value stored for key, returning ok=false if the key is
// not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, ok := m.findIndex(key)
	if !ok {
		return value, false
	}
	return m.slots[i].value, true
}

// Put inserts an entry into the map, overwriting the value if an entry with
// the same key already exists. It returns the previous value and whether one
// was present. Put may grow the table.
func (m *Map[K, V]) Put(key K, value V) (prev V, ok bool) {
	i, sh, existing := m.findOrAllocate(key)
	if existing {
		prev, ok = m.slots[i].value, true
		m.slots[i].value = value
		return prev, ok
	}
	m.insertAt(i, sh, key, value)
	return prev, false
}

// GetOrPut returns the value stored for key if present; otherwise it inserts
// value and returns it. loaded is true if the key was already present. The
// key is hashed and probed only once either way.
func (m *Map[K, V]) GetOrPut(key K, value V) (actual V, loaded bool) {
	i, sh, existing := m.findOrAllocate(key)
	if existing {
		return m.slots[i].value, true
	}
	m.insertAt(i, sh, key, value)
	return value, false
}

// Delete removes the entry for key, reporting whether an entry was present.
// The slot is marked with a tombstone rather than emptied; tombstones are
// reclaimed by growth or Compact, never eagerly.
func (m *Map[K, V]) Delete(key K) bool {
	i, ok := m.findIndex(key)
	if !ok {
		return false
	}
	// Zero the slot to release any references held by the key or value.
	m.slots[i] = Slot[K, V]{}
	m.ctrls[i] = ctrlTombstone
	m.count--
	m.tombstones++
	m.generation++
	m.checkInvariants()
	return true
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.count
}

// Capacity returns the current size of the backing arrays. It is intended
// for diagnostics and testing.
func (m *Map[K, V]) Capacity() int {
	return m.capacity
}

// Compact rehashes the table at its current capacity, reclaiming all
// tombstone slots. It is a no-op if the table holds no tombstones. Useful
// after a burst of deletions to restore probe-chain quality without waiting
// for growth.
func (m *Map[K, V]) Compact() {
	if m.tombstones == 0 {
		return
	}
	m.rehash(m.capacity)
}

// Clear removes all entries, retaining the current storage. This is the one
// path other than a rehash that returns slots to the empty state, which is
// sound only because every slot is cleared at once: no probe chain survives.
func (m *Map[K, V]) Clear() {
	for i := range m.ctrls {
		m.ctrls[i] = ctrlEmpty
	}
	clear(m.slots)
	m.count = 0
	m.tombstones = 0
	m.maxProbe = 0
	m.scanFloor = 0
	m.generation++
	m.checkInvariants()
}

// findIndex locates the slot index holding key, or reports absence. The
// probe walk stops at the first empty slot (the key cannot live past a break
// in the chain), continues through tombstones (the key may have been
// inserted before the tombstone was created), and never exceeds maxProbe
// offsets, which is sufficient for every live key by construction. findIndex
// performs no mutation and never triggers growth.
func (m *Map[K, V]) findIndex(key K) (int, bool) {
	if m.count == 0 {
		return -1, false
	}
	h := m.hash(key, m.seed)
	sh := shortHash(h)
	mask := m.capacity - 1
	i := int(h & uint64(mask))

	for probe := 0; probe <= m.maxProbe; probe++ {
		switch c := m.ctrls[i]; {
		case c == ctrlEmpty:
			return -1, false
		case c == sh && key == m.slots[i].key:
			return i, true
		}
		i = (i + 1) & mask
	}
	return -1, false
}

// findOrAllocate locates the slot holding key (existing=true), or selects a
// slot into which key may be inserted (existing=false), growing the table
// when no slot is reachable within the probe budget. The caller is
// responsible for actually writing the slot; sh is the control byte to
// store for key.
//
// The scan has two phases. The first walks the historical bound maxProbe,
// remembering the first tombstone seen for reuse but continuing past it
// since the key may still exist further along the chain; an empty slot ends
// the phase immediately. Only if the first phase neither finds the key nor
// a reusable slot does the second phase extend the walk toward the
// capacity-scaled ceiling, recording the new worst-case chain length in
// maxProbe. Keeping the extension out of the lookup path means lookups stay
// bounded by the already-recorded worst case.
func (m *Map[K, V]) findOrAllocate(key K) (index int, sh ctrl, existing bool) {
	// Growth strictly reduces the load factor, making the bounded scan
	// below satisfiable, so this loop terminates.
	for {
		h := m.hash(key, m.seed)
		sh = shortHash(h)
		mask := m.capacity - 1
		i := int(h & uint64(mask))

		// avail is the best reusable slot found so far; -1 means none.
		// Index 0 is a valid slot, so absence needs an out-of-band value.
		avail := -1

		probe := 0
		for ; probe <= m.maxProbe; probe++ {
			switch c := m.ctrls[i]; {
			case c == ctrlEmpty:
				if avail >= 0 {
					return avail, sh, false
				}
				return i, sh, false
			case c == ctrlTombstone:
				if avail < 0 {
					avail = i
				}
			case c == sh && key == m.slots[i].key:
				return i, sh, true
			}
			i = (i + 1) & mask
		}
		if avail >= 0 {
			return avail, sh, false
		}

		// The key is not present and no slot is reusable within maxProbe.
		// Extend the scan up to the probe budget, accepting any non-full
		// slot.
		maxAllowed := m.maxAllowedProbe()
		for ; probe <= maxAllowed; probe++ {
			if !m.ctrls[i].isFull() {
				m.maxProbe = probe
				return i, sh, false
			}
			i = (i + 1) & mask
		}

		// Too dense relative to the probe budget: grow and retry.
		m.rehash(growCapacity(m.count, m.capacity))
	}
}

// maxAllowedProbe returns the ceiling on probe-sequence length before an
// insertion forces growth.
func (m *Map[K, V]) maxAllowedProbe() int {
	if p := m.capacity >> probeShift; p > minProbeBudget {
		return p
	}
	return minProbeBudget
}

// growCapacity returns the capacity to rehash to when an insertion exhausts
// the probe budget. Small tables quadruple; past largeTableThreshold entries
// growth drops to doubling to bound the transient memory of a rehash.
func growCapacity(count, capacity int) int {
	if count <= largeTableThreshold {
		return capacity * 4
	}
	return capacity * 2
}

// insertAt writes key/value into slot i, which findOrAllocate selected as
// either empty or a tombstone.
func (m *Map[K, V]) insertAt(i int, sh ctrl, key K, value V) {
	if m.ctrls[i] == ctrlTombstone {
		m.tombstones--
	}
	m.ctrls[i] = sh
	m.slots[i] = Slot[K, V]{key: key, value: value}
	m.count++
	if i < m.scanFloor {
		// The floor must stay at or before every full slot; an insertion
		// reusing a low slot pulls it back down.
		m.scanFloor = i
	}
	m.generation++
	m.checkInvariants()
}

// rehash rebuilds the table at newCapacity, which must be a power of two.
// Live entries are reinserted into fresh storage with a simplified probe
// (keys are already unique, so no duplicate check is needed) and tombstones
// are discarded. maxProbe is reset to the minimal bound observed during
// reinsertion. The live storage is swapped only once the new arrays are
// fully populated, so a rehash is atomic from the caller's perspective.
func (m *Map[K, V]) rehash(newCapacity int) {
	if newCapacity <= 0 || newCapacity&(newCapacity-1) != 0 {
		panic(fmt.Sprintf("probemap: rehash to invalid capacity %d", newCapacity))
	}

	ctrls := unsafeConvertSlice[ctrl](m.allocator.AllocControls(newCapacity))
	slots := m.allocator.AllocSlots(newCapacity)
	for i := range ctrls {
		ctrls[i] = ctrlEmpty
	}

	mask := newCapacity - 1
	maxProbe := 0
	for i := 0; i < m.capacity; i++ {
		if !m.ctrls[i].isFull() {
			continue
		}
		s := &m.slots[i]
		h := m.hash(s.key, m.seed)
		j := int(h & uint64(mask))
		probe := 0
		for ; ctrls[j].isFull(); probe++ {
			j = (j + 1) & mask
		}
		ctrls[j] = shortHash(h)
		slots[j] = *s
		if probe > maxProbe {
			maxProbe = probe
		}
	}

	oldCtrls, oldSlots := m.ctrls, m.slots
	m.ctrls = ctrls
	m.slots = slots
	m.capacity = newCapacity
	m.tombstones = 0
	m.maxProbe = maxProbe
	m.scanFloor = 0
	m.generation++

	if oldCtrls != nil {
		m.allocator.FreeSlots(oldSlots)
		m.allocator.FreeControls(unsafeConvertSlice[uint8](oldCtrls))
	}

	m.checkInvariants()
}

// checkInvariants verifies the structural invariants of the table. Enabled
// with the invariants build tag; compiles away otherwise.
func (m *Map[K, V]) checkInvariants() {
	if !invariants {
		return
	}

	if m.capacity <= 0 || m.capacity&(m.capacity-1) != 0 {
		panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two", m.capacity))
	}
	if len(m.ctrls) != m.capacity || len(m.slots) != m.capacity {
		panic(fmt.Sprintf("invariant failed: len(ctrls)=%d len(slots)=%d capacity=%d",
			len(m.ctrls), len(m.slots), m.capacity))
	}

	var count, tombstones int
	firstFull := m.capacity
	for i := 0; i < m.capacity; i++ {
		switch c := m.ctrls[i]; {
		case c == ctrlEmpty:
		case c == ctrlTombstone:
			tombstones++
		case c.isFull():
			count++
			if i < firstFull {
				firstFull = i
			}
			s := &m.slots[i]
			if sh := shortHash(m.hash(s.key, m.seed)); sh != c {
				panic(fmt.Sprintf("invariant failed: slot(%d): ctrl=%02x != shortHash=%02x\n%s",
					i, c, sh, m.debugString()))
			}
		default:
			panic(fmt.Sprintf("invariant failed: ctrl(%d): invalid state %02x", i, c))
		}
	}

	if count != m.count {
		panic(fmt.Sprintf("invariant failed: found %d full slots, but count is %d\n%s",
			count, m.count, m.debugString()))
	}
	if tombstones != m.tombstones {
		panic(fmt.Sprintf("invariant failed: found %d tombstones, but tombstones is %d\n%s",
			tombstones, m.tombstones, m.debugString()))
	}
	if m.scanFloor > firstFull {
		panic(fmt.Sprintf("invariant failed: scanFloor=%d is past first full slot %d\n%s",
			m.scanFloor, firstFull, m.debugString()))
	}

	// Every live key must be reachable within maxProbe steps.
	for i := 0; i < m.capacity; i++ {
		if !m.ctrls[i].isFull() {
			continue
		}
		s := &m.slots[i]
		if j, ok := m.findIndex(s.key); !ok || j != i {
			panic(fmt.Sprintf("invariant failed: slot(%d): %v not reachable within maxProbe=%d\n%s",
				i, s.key, m.maxProbe, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d count=%d tombstones=%d maxProbe=%d scanFloor=%d\n",
		m.capacity, m.count, m.tombstones, m.maxProbe, m.scanFloor)
	for i := 0; i < m.capacity; i++ {
		switch c := m.ctrls[i]; {
		case c == ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case c == ctrlTombstone:
			fmt.Fprintf(&buf, "  %4d: tombstone\n", i)
		default:
			s := &m.slots[i]
			h := m.hash(s.key, m.seed)
			fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x start=%d]\n",
				i, s.key, c, int(h&uint64(m.capacity-1)))
		}
	}
	return buf.String()
}

// unsafeConvertSlice converts a slice of one element type to a slice of
// another type with the same size and alignment (here: uint8 and ctrl).
func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
