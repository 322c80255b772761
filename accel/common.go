package accel

import (
	"cmp"
	"slices"
)

// This file holds the definition of functions commonly used in different parts.

// sortedKeys returns the keys of a map in the form of a sorted slice.
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	slices.Sort(s)
	return s
}
