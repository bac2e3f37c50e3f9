package misc

import (
	"sort"
)

// SortedKeys returns the keys of m in lexical order so that iteration
// over map-backed structures stays deterministic.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InsertSorted inserts v into the sorted slice s if not already present and
// returns the (possibly new) slice plus whether an insertion happened.
func InsertSorted(s []string, v string) ([]string, bool) {
	i := sort.SearchStrings(s, v)
	if i < len(s) && s[i] == v {
		return s, false
	}
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s, true
}

// RemoveString removes v from s preserving order and reports whether it was present.
func RemoveString(s []string, v string) ([]string, bool) {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...), true
		}
	}
	return s, false
}
