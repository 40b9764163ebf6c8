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

package probemap

// Iterator walks the live entries of a Map in slot order. An Iterator is
// consumed by a single traversal; call Map.Iter again to restart.
//
// The iterator reflects the entries present when the traversal started. If
// the map is structurally mutated mid-traversal (a new key inserted, a key
// deleted, a rehash) the iterator stops and reports ErrConcurrentMutation
// rather than silently skipping or duplicating entries. Overwriting the
// value of an existing key is not a structural mutation.
type Iterator[K comparable, V any] struct {
	m     *Map[K, V]
	gen   uint64
	idx   int
	key   K
	value V
	err   error
}

// Iter returns an iterator over the entries of the map. Starting an
// iteration advances the map's scan floor past the leading run of empty
// slots, speeding up this and future traversals. Tombstones do not advance
// the floor: a later insertion may reuse them.
func (m *Map[K, V]) Iter() *Iterator[K, V] {
	for m.scanFloor < m.capacity && m.ctrls[m.scanFloor] == ctrlEmpty {
		m.scanFloor++
	}
	return &Iterator[K, V]{m: m, gen: m.generation, idx: m.scanFloor}
}

// Next advances to the next entry, reporting whether one exists. Once Next
// returns false the caller must check Err to distinguish exhaustion from a
// detected mutation.
func (it *Iterator[K, V]) Next() bool {
	if it.err != nil {
		return false
	}
	m := it.m
	if it.gen != m.generation {
		it.err = ErrConcurrentMutation
		return false
	}
	for it.idx < m.capacity {
		i := it.idx
		it.idx++
		if m.ctrls[i].isFull() {
			it.key = m.slots[i].key
			it.value = m.slots[i].value
			return true
		}
	}
	return false
}

// Key returns the key of the current entry. Valid only after a call to Next
// that returned true.
func (it *Iterator[K, V]) Key() K { return it.key }

// Value returns the value of the current entry. Valid only after a call to
// Next that returned true.
func (it *Iterator[K, V]) Value() V { return it.value }

// Err returns ErrConcurrentMutation if the traversal detected a structural
// mutation of the map, and nil otherwise.
func (it *Iterator[K, V]) Err() error { return it.err }

// All calls yield sequentially for each key and value present in the map.
// If yield returns false, All stops and returns nil. All returns
// ErrConcurrentMutation if the map is structurally mutated by yield.
func (m *Map[K, V]) All(yield func(key K, value V) bool) error {
	it := m.Iter()
	for it.Next() {
		if !yield(it.key, it.value) {
			return nil
		}
	}
	return it.Err()
}
