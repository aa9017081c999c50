package domain

import (
	"encoding/json"
	"strings"
)

// Scope is a named permission unit.
type Scope struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// ScopeSet is a set of scopes keyed by identifier. Iteration follows
// insertion order so serialized tokens are deterministic.
type ScopeSet struct {
	order []string
	byID  map[string]Scope
}

// NewScopeSet builds a set from the given scopes, collapsing duplicates.
func NewScopeSet(scopes ...Scope) ScopeSet {
	var s ScopeSet
	for _, sc := range scopes {
		s.Add(sc)
	}
	return s
}

// ScopeSetFromIDs builds a set of identifier-only scopes.
func ScopeSetFromIDs(ids ...string) ScopeSet {
	var s ScopeSet
	for _, id := range ids {
		s.Add(Scope{ID: id})
	}
	return s
}

// Add inserts the scope and reports whether it was not already present.
func (s *ScopeSet) Add(sc Scope) bool {
	if s.byID == nil {
		s.byID = make(map[string]Scope)
	}
	if _, ok := s.byID[sc.ID]; ok {
		return false
	}
	s.byID[sc.ID] = sc
	s.order = append(s.order, sc.ID)
	return true
}

// Has reports whether the set contains the identifier.
func (s ScopeSet) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Get returns the scope with the given identifier.
func (s ScopeSet) Get(id string) (Scope, bool) {
	sc, ok := s.byID[id]
	return sc, ok
}

// Len returns the number of scopes.
func (s ScopeSet) Len() int {
	return len(s.order)
}

// IDs returns the identifiers in insertion order.
func (s ScopeSet) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Scopes returns the scopes in insertion order.
func (s ScopeSet) Scopes() []Scope {
	out := make([]Scope, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// String returns the space-delimited wire form.
func (s ScopeSet) String() string {
	return strings.Join(s.order, " ")
}

// IsSubsetOf reports whether every scope in s is also in other.
func (s ScopeSet) IsSubsetOf(other ScopeSet) bool {
	for _, id := range s.order {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as an array of identifiers.
func (s ScopeSet) MarshalJSON() ([]byte, error) {
	ids := s.order
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON decodes an array of identifiers.
func (s *ScopeSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = ScopeSetFromIDs(ids...)
	return nil
}
