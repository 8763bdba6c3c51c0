// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// At returns the element at the given position. If pos is negative, it takes
// the position from the end of the slice: -1 is the last element.
func At[T any](slice []T, pos int) T {
	if pos < 0 {
		pos = len(slice) + pos
	}
	return slice[pos]
}

// Last returns the last element of the slice.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Copy creates a new slice with copied values of the given slice.
func Copy[T any](slice []T) []T {
	s2 := make([]T, len(slice))
	copy(s2, slice)
	return s2
}

// Iota returns a slice of incremental int values, starting with start and of
// the given length. E.g.: Iota(3.0, 2) -> []float64{3.0, 4.0}.
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, length int) (slice []T) {
	slice = make([]T, length)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// SortedKeys returns the sorted keys of a map.
//
// Go map iteration order is undefined: whenever the same traversal order is
// needed on every call (or on every rank of a process group), iterate over
// SortedKeys of the map instead.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) (keys []K) {
	keys = make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return
}
