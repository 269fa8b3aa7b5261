package schema

import (
	"sort"
	"strings"
)

// Registry holds the loaded entities by name. Lookups are case-insensitive:
// both the declared name and its lower-cased form resolve to the same entity.
// A registry is read-only once built, so reads need no locking.
type Registry struct {
	byName    map[string]*Entity
	canonical []string
}

// NewRegistry builds a registry from loaded entities. Later duplicates of the
// same canonical name replace earlier ones.
func NewRegistry(entities []Entity) *Registry {
	r := &Registry{byName: make(map[string]*Entity, len(entities)*2)}
	for i := range entities {
		e := entities[i]
		if e.Name == "" {
			continue
		}
		if _, exists := r.byName[e.Name]; !exists {
			r.canonical = append(r.canonical, e.Name)
		}
		copied := e
		r.byName[e.Name] = &copied
		r.byName[strings.ToLower(e.Name)] = &copied
	}
	sort.Strings(r.canonical)
	return r
}

// Get resolves an entity by name, trying the exact form first and the
// lower-cased form second.
func (r *Registry) Get(name string) (*Entity, bool) {
	if e, ok := r.byName[name]; ok {
		return e, true
	}
	e, ok := r.byName[strings.ToLower(name)]
	return e, ok
}

// Available returns the sorted set of canonical entity names.
func (r *Registry) Available() []string {
	out := make([]string, len(r.canonical))
	copy(out, r.canonical)
	return out
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	return len(r.canonical)
}
