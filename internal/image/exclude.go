package image

import (
	"bufio"
	"fmt"
	"io"
	"sort"
)

// ExcludeAll is the exclude-set member that asks the engine to omit every layer,
// producing a metadata-only export (manifest and image configs only).
const ExcludeAll = "*"

// ExcludeSet is a set of opaque content identifiers the destination already holds.
// The zero value is an empty set that is safe to read.
type ExcludeSet map[string]struct{}

// NewExcludeSet returns a set containing ids.
func NewExcludeSet(ids ...string) ExcludeSet {
	s := make(ExcludeSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id. Empty identifiers are ignored.
func (s ExcludeSet) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s ExcludeSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of identifiers.
func (s ExcludeSet) Len() int {
	return len(s)
}

// Sorted returns the identifiers in lexical order, for stable command lines and output.
func (s ExcludeSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Intersect returns the identifiers present in both s and other.
func (s ExcludeSet) Intersect(other ExcludeSet) ExcludeSet {
	out := make(ExcludeSet)
	for id := range s {
		if other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// MarshalYAML renders the set as a sorted list.
func (s ExcludeSet) MarshalYAML() (any, error) {
	return s.Sorted(), nil
}

// IntersectAll returns the identifiers present in every set. With no sets the result is
// empty: nothing can be skipped when nobody reported anything.
func IntersectAll(sets ...ExcludeSet) ExcludeSet {
	if len(sets) == 0 {
		return make(ExcludeSet)
	}
	out := sets[0].Intersect(sets[0])
	for _, s := range sets[1:] {
		out = out.Intersect(s)
	}
	return out
}

// ParseExcludeSet reads whitespace-delimited identifiers, as printed by an import that
// reports the content it skipped.
func ParseExcludeSet(r io.Reader) (ExcludeSet, error) {
	s := make(ExcludeSet)
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		s.Add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read skipped content list: %w", err)
	}
	return s, nil
}
