// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package sets

import (
	"slices"
	"testing"
)

func TestSet(t *testing.T) {
	s := New("a", "b")
	if !s.Has("a") || !s.Has("b") {
		t.Errorf("New(\"a\", \"b\") = %v; want {a b}", s)
	}
	if s.Has("c") {
		t.Errorf("%v.Has(\"c\") = true; want false", s)
	}
	s.Add("c")
	if got, want := s.Len(), 3; got != want {
		t.Errorf("s.Len() = %d; want %d", got, want)
	}
	s.Delete("a")
	if s.Has("a") {
		t.Errorf("after Delete, %v.Has(\"a\") = true; want false", s)
	}

	clone := s.Clone()
	clone.Add("z")
	if s.Has("z") {
		t.Error("Clone shares storage with original")
	}
}

func TestSorted(t *testing.T) {
	s := NewSorted(3, 1, 2, 2)
	got := slices.Collect(s.Values())
	want := []int{1, 2, 3}
	if !slices.Equal(got, want) {
		t.Errorf("Values() = %v; want %v", got, want)
	}
	if !s.Has(2) || s.Has(4) {
		t.Errorf("Has(2) = %t, Has(4) = %t; want true, false", s.Has(2), s.Has(4))
	}
	s.Delete(2)
	if s.Has(2) {
		t.Error("after Delete(2), Has(2) = true")
	}
	if got, want := s.Len(), 2; got != want {
		t.Errorf("Len() = %d; want %d", got, want)
	}

	var zero *Sorted[int]
	if zero.Has(1) {
		t.Error("nil set Has(1) = true")
	}
	if zero.Len() != 0 {
		t.Errorf("nil set Len() = %d; want 0", zero.Len())
	}
}
