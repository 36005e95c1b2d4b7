// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package sets provides generic set types.
package sets

import (
	"fmt"
	"iter"
	"maps"
	"sort"
	"strings"
)

// Set is an unordered collection of unique elements.
type Set[T comparable] map[T]struct{}

// New returns a new set that contains the arguments passed to it.
func New[T comparable](elem ...T) Set[T] {
	s := make(Set[T], len(elem))
	s.Add(elem...)
	return s
}

// Collect returns a new set that contains the elements of the given iterator.
func Collect[T comparable](seq iter.Seq[T]) Set[T] {
	s := make(Set[T])
	s.AddSeq(seq)
	return s
}

// Add adds the arguments to the set.
func (s Set[T]) Add(elem ...T) {
	for _, e := range elem {
		s[e] = struct{}{}
	}
}

// AddSeq adds the values of seq to the set.
func (s Set[T]) AddSeq(seq iter.Seq[T]) {
	for e := range seq {
		s[e] = struct{}{}
	}
}

// Has reports whether the set contains x.
func (s Set[T]) Has(x T) bool {
	_, ok := s[x]
	return ok
}

// Clone returns a new set that contains the same elements as s.
func (s Set[T]) Clone() Set[T] {
	return maps.Clone(s)
}

// Len returns the number of elements in the set.
func (s Set[T]) Len() int {
	return len(s)
}

// All returns an iterator of the elements in the set.
func (s Set[T]) All() iter.Seq[T] {
	return maps.Keys(s)
}

// Delete removes x from the set if present.
func (s Set[T]) Delete(x T) {
	delete(s, x)
}

// Format implements [fmt.Formatter]
// by formatting its elements in unspecified order.
func (s Set[T]) Format(f fmt.State, verb rune) {
	parts := make([]string, 0, len(s))
	for e := range s {
		parts = append(parts, fmt.Sprintf(fmt.FormatString(f, verb), e))
	}
	sort.Strings(parts)
	f.Write([]byte("{"))
	f.Write([]byte(strings.Join(parts, " ")))
	f.Write([]byte("}"))
}
