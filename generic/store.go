/*
store.go - Ordered association lists for persisted snapshots

PURPOSE:
  Engine state lives in maps keyed by stable ids. Persisted documents store
  each map as an ordered list of (key, value) pairs so the serialized form
  is deterministic and can be rehydrated into a map on load.

EXAMPLE:
  entries := generic.ToEntries(firms)       // sorted by key
  firms = generic.FromEntries(entries)      // back to a map

SEE ALSO:
  - billing/snapshot.go: Snapshot document built from these lists
*/
package generic

import "sort"

// Entry is one (key, value) pair of a persisted map.
type Entry[V any] struct {
	Key   string `json:"key"`
	Value V      `json:"value"`
}

// ToEntries converts a map into a key-sorted association list.
func ToEntries[K ~string, V any](m map[K]V) []Entry[V] {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	entries := make([]Entry[V], 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry[V]{Key: k, Value: m[K(k)]})
	}
	return entries
}

// FromEntries rehydrates an association list. Later duplicates win.
func FromEntries[K ~string, V any](entries []Entry[V]) map[K]V {
	m := make(map[K]V, len(entries))
	for _, e := range entries {
		m[K(e.Key)] = e.Value
	}
	return m
}
