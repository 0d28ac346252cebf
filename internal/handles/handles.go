// Copyright 2025 The Weftnet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handles maps small integer descriptors to Go values, so callers
// crossing a C-style boundary never hold Go pointers. Descriptors are never
// reused within a table's lifetime.
package handles

import "sync"

// Table issues descriptors for values of type T. The zero value is not
// usable; create tables with [NewTable].
type Table[T any] struct {
	mu   sync.Mutex
	next int32
	m    map[int32]T
}

// NewTable returns an empty table. The first descriptor issued is 1, so 0
// and negative values are always invalid.
func NewTable[T any]() *Table[T] {
	return &Table[T]{next: 1, m: make(map[int32]T)}
}

// Add stores v and returns its descriptor.
func (t *Table[T]) Add(v T) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.next
	t.next++
	t.m[d] = v
	return d
}

// Get returns the value for d, reporting whether d is live.
func (t *Table[T]) Get(d int32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[d]
	return v, ok
}

// Delete removes d, returning its value so the caller can release it.
func (t *Table[T]) Delete(d int32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[d]
	if ok {
		delete(t.m, d)
	}
	return v, ok
}

// Len reports how many descriptors are live.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
