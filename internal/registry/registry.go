// Package registry holds the model and API-key registries the gateway
// consults on every request.
package registry

import (
	"context"
	"sort"
)

// ModelDescriptor describes one model exposed by the gateway.
type ModelDescriptor struct {
	// Name is the display name clients request.
	Name string `json:"name"`
	// BackendID is the identifier passed to the inference backend.
	BackendID string `json:"backend_id"`
	// SystemPrompt is prepended to every request for this model.
	SystemPrompt string `json:"system_prompt"`
}

// Models is an ordered set of descriptors keyed by name. The zero value is
// an empty registry.
type Models struct {
	order []string
	byKey map[string]ModelDescriptor
}

// NewModels builds a registry from descriptors in order. A later descriptor
// with the same name replaces the earlier one but keeps its position.
func NewModels(descs ...ModelDescriptor) Models {
	var m Models
	for _, d := range descs {
		m.put(d)
	}
	return m
}

func (m *Models) put(d ModelDescriptor) {
	if m.byKey == nil {
		m.byKey = make(map[string]ModelDescriptor)
	}
	if _, exists := m.byKey[d.Name]; !exists {
		m.order = append(m.order, d.Name)
	}
	m.byKey[d.Name] = d
}

// Get returns the descriptor registered under name.
func (m Models) Get(name string) (ModelDescriptor, bool) {
	d, ok := m.byKey[name]
	return d, ok
}

// All returns every descriptor in registry order.
func (m Models) All() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.byKey[name])
	}
	return out
}

// Len returns the number of registered models.
func (m Models) Len() int { return len(m.order) }

// KeySet is the set of model names an API key may use.
type KeySet map[string]struct{}

// NewKeySet builds a KeySet from model names.
func NewKeySet(models ...string) KeySet {
	s := make(KeySet, len(models))
	for _, m := range models {
		s[m] = struct{}{}
	}
	return s
}

// Allows reports whether model is in the set.
func (s KeySet) Allows(model string) bool {
	_, ok := s[model]
	return ok
}

// Names returns the model names sorted.
func (s KeySet) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// APIKeys maps an API key to the models it may use.
type APIKeys map[string]KeySet

// Source loads the registries. Implementations may re-read backing storage
// on every call, so changes become visible without a restart.
type Source interface {
	Models(ctx context.Context) (Models, error)
	APIKeys(ctx context.Context) (APIKeys, error)
}

// Static serves fixed registries.
type Static struct {
	ModelSet Models
	KeySet   APIKeys
}

// Models returns the fixed model registry.
func (s Static) Models(context.Context) (Models, error) { return s.ModelSet, nil }

// APIKeys returns the fixed key registry.
func (s Static) APIKeys(context.Context) (APIKeys, error) {
	if s.KeySet == nil {
		return APIKeys{}, nil
	}
	return s.KeySet, nil
}
