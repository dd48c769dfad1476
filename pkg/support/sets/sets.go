// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets holds Set, used to keep node and binding names unique.
package sets

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set.
func Make[T comparable]() Set[T] {
	return make(Set[T])
}

// Has returns whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Add inserts key, and returns false if it was already in the set.
func (s Set[T]) Add(key T) bool {
	if s.Has(key) {
		return false
	}
	s[key] = struct{}{}
	return true
}
