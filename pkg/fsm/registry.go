package fsm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/navigatorhq/navigator/pkg/core"
)

// KindInfo is the introspection summary of a registered kind.
type KindInfo struct {
	Name   string   `json:"name"`
	States []string `json:"states"`
	Events []string `json:"events"`
}

// KindRegistry is the static per-process map of FSM kinds. Kinds are
// registered at startup and immutable thereafter.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*KindDefinition
}

// NewKindRegistry creates an empty registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[string]*KindDefinition)}
}

// Register adds a kind. Registering the same name twice is an error.
func (r *KindRegistry) Register(def *KindDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[def.Name]; exists {
		return fmt.Errorf("kind %q already registered", def.Name)
	}
	r.kinds[def.Name] = def
	return nil
}

// Get looks a kind up by name.
func (r *KindRegistry) Get(name string) (*KindDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.kinds[name]
	if !ok {
		return nil, core.Errf(core.ReasonKindUnknown, fmt.Sprintf("unknown kind %q", name))
	}
	return def, nil
}

// List returns introspection summaries for every registered kind, sorted by
// name.
func (r *KindRegistry) List() []KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KindInfo, 0, len(r.kinds))
	for _, def := range r.kinds {
		out = append(out, KindInfo{
			Name:   def.Name,
			States: append([]string(nil), def.States...),
			Events: def.Events(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
