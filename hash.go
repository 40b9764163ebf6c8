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

import (
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// Hasher computes a 64-bit hash of key. A Hasher must be deterministic:
// key1 == key2 implies hash(key1) == hash(key2) for a given seed. The table
// consumes the hash twice, taking the low bits for the start index and the
// top 7 bits for the per-slot control byte, so hashers should distribute
// entropy across the whole 64-bit value.
type Hasher[K any] func(key K, seed uint64) uint64

// defaultHasher returns a Hasher backed by hash/maphash's comparable-type
// hashing, seeded per map. The maphash seed subsumes the table seed, which
// is ignored.
func defaultHasher[K comparable]() Hasher[K] {
	seed := maphash.MakeSeed()
	return func(key K, _ uint64) uint64 {
		return maphash.Comparable(seed, key)
	}
}

// StringHasher hashes string keys with xxHash (XXH64), seeded with the
// table's seed. Suitable for WithHash on a Map with string keys when a
// stable, well-known hash function is preferred over the runtime's.
func StringHasher(key string, seed uint64) uint64 {
	var d xxhash.Digest
	d.ResetWithSeed(seed)
	_, _ = d.WriteString(key)
	return d.Sum64()
}
