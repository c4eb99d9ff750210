// Package set implements sets for various types. Well, only string for now
// :). Used throughout this module wherever a collection only needs
// membership tests, not ordering - local domain lists (session.Config's and
// relay.Queue's LocalDomains) being the main one.
package set

import "sort"

// String set.
type String struct {
	m map[string]struct{}
}

// NewString returns a new string set, with the given values in it.
func NewString(values ...string) *String {
	s := &String{}
	s.Add(values...)
	return s
}

// Add values to the string set.
func (s *String) Add(values ...string) {
	if s.m == nil {
		s.m = map[string]struct{}{}
	}

	for _, v := range values {
		s.m[v] = struct{}{}
	}
}

// Has checks if the set has the given value.
func (s *String) Has(value string) bool {
	// We explicitly allow s to be nil *in this function* to simplify callers'
	// code.  Note that Add will not tolerate it, and will panic.
	if s == nil || s.m == nil {
		return false
	}
	_, ok := s.m[value]
	return ok
}

// Len reports how many values are in the set.
func (s *String) Len() int {
	if s == nil {
		return 0
	}
	return len(s.m)
}

// Slice returns the set's values as a sorted slice. Map iteration order is
// random, which makes sets awkward to log or assert against directly;
// Slice gives callers (startup logging, tests) a stable view instead.
func (s *String) Slice() []string {
	if s == nil || len(s.m) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.m))
	for v := range s.m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
