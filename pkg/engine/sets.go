package engine

import (
	"encoding/json"
	"sort"
)

// IDSet is an unordered set of resource or task ids.
// It serializes as a sorted JSON array so persisted documents are stable.
type IDSet map[string]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

// Remove deletes id from the set and reports whether it was present.
func (s IDSet) Remove(id string) bool {
	if _, ok := s[id]; !ok {
		return false
	}
	delete(s, id)
	return true
}

// Has reports whether id is in the set. A nil set contains nothing.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of the set. Cloning nil yields nil.
func (s IDSet) Clone() IDSet {
	if s == nil {
		return nil
	}
	c := make(IDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Difference returns the members of s that are not in other.
func (s IDSet) Difference(other IDSet) []string {
	var out []string
	for _, id := range s.Sorted() {
		if !other.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Equal reports whether both sets hold the same members. Nil equals empty.
func (s IDSet) Equal(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array.
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of ids.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	if ids == nil {
		*s = nil
		return nil
	}
	*s = NewIDSet(ids...)
	return nil
}

// Edges maps a named edge slot to the peers connected through it.
type Edges map[string]IDSet

// Clone deep copies the edge map. Cloning nil yields nil.
func (e Edges) Clone() Edges {
	if e == nil {
		return nil
	}
	c := make(Edges, len(e))
	for slot, ids := range e {
		c[slot] = ids.Clone()
	}
	return c
}

// Contains reports whether id is connected through any slot.
func (e Edges) Contains(id string) bool {
	for _, ids := range e {
		if ids.Has(id) {
			return true
		}
	}
	return false
}

// IDs returns every connected id across all slots, sorted and de-duplicated.
func (e Edges) IDs() []string {
	all := make(IDSet)
	for _, ids := range e {
		for id := range ids {
			all.Add(id)
		}
	}
	return all.Sorted()
}

// Slots returns the slot names in lexical order.
func (e Edges) Slots() []string {
	out := make([]string, 0, len(e))
	for slot := range e {
		out = append(out, slot)
	}
	sort.Strings(out)
	return out
}

// Equal compares two edge maps, treating nil and empty slots alike.
func (e Edges) Equal(other Edges) bool {
	for slot, ids := range e {
		if !ids.Equal(other[slot]) {
			return false
		}
	}
	for slot, ids := range other {
		if _, ok := e[slot]; !ok && len(ids) > 0 {
			return false
		}
	}
	return true
}

// Replace substitutes newID for oldID in every slot and reports whether anything changed.
func (e Edges) Replace(oldID, newID string) bool {
	changed := false
	for _, ids := range e {
		if ids.Remove(oldID) {
			ids.Add(newID)
			changed = true
		}
	}
	return changed
}

// sortedKeys returns the keys of a string-keyed map in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
