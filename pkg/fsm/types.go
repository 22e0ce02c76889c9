// Package fsm implements the Navigator model: immutable kind definitions
// built from states, transitions, guards, lifecycle hooks, components and
// plugins, plus the per-instance transition pipeline.
package fsm

import (
	"time"

	"github.com/navigatorhq/navigator/pkg/effects"
)

// Guard decides whether a transition may proceed. A nil return allows it.
type Guard func(inst *Instance, event string, eventData map[string]interface{}) error

// Hook runs on state entry or exit and may mutate the instance it receives.
// An error aborts the transition.
type Hook func(inst *Instance) error

// PluginHook observes a transition. It cannot veto.
type PluginHook func(inst *Instance, event, from, to string)

// Source identifies the instance that originated an external notification.
type Source struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// ExternalHandler reduces an external event into a new instance. It must be
// total: the caller catches panics and keeps the instance unchanged.
type ExternalHandler func(inst *Instance, source Source, eventType string, payload map[string]interface{}) (*Instance, error)

// BroadcastHandler reduces a tenant broadcast into a new instance.
type BroadcastHandler func(inst *Instance, eventType string, payload map[string]interface{}) (*Instance, error)

// Transition is one edge of the state graph. Guards name guard functions
// registered on the kind.
type Transition struct {
	From   string   `json:"from"`
	Event  string   `json:"event"`
	To     string   `json:"to"`
	Guards []string `json:"guards,omitempty"`
}

// NamedHook pairs a hook with the name used in logs and errors.
type NamedHook struct {
	Name string
	Fn   Hook
}

// Plugin attaches cross-cutting observers to every transition of a kind.
type Plugin struct {
	Name   string
	Before PluginHook
	After  PluginHook
}

// Component is a reusable fragment merged into a kind at definition time.
// State names must be disjoint from previously declared states unless
// Override is set.
type Component struct {
	Name        string
	States      []string
	Transitions []Transition
	Guards      map[string]Guard
	EnterHooks  map[string][]NamedHook
	ExitHooks   map[string][]NamedHook
	Override    bool
}

// KindDefinition is an immutable FSM blueprint. Build one with a Builder.
type KindDefinition struct {
	Name         string
	States       []string
	InitialState string
	Transitions  []Transition

	// Validators run for every transition, in declaration order, before any
	// transition-level guards.
	Validators []string

	guards       map[string]Guard
	enterHooks   map[string][]NamedHook
	exitHooks    map[string][]NamedHook
	entryEffects map[string]*effects.Effect
	namedEffects map[string]*effects.Effect
	plugins      []Plugin
	stateSet     map[string]struct{}

	externalHandler  ExternalHandler
	broadcastHandler BroadcastHandler
}

// HasState reports whether s is a declared state.
func (k *KindDefinition) HasState(s string) bool {
	_, ok := k.stateSet[s]
	return ok
}

// EntryEffect returns the effect tree triggered on entering state, or nil.
func (k *KindDefinition) EntryEffect(state string) *effects.Effect {
	return k.entryEffects[state]
}

// NamedEffect returns an effect tree registered by name, or nil.
func (k *KindDefinition) NamedEffect(name string) *effects.Effect {
	return k.namedEffects[name]
}

// Events returns the kind's event names in first-declaration order.
func (k *KindDefinition) Events() []string {
	seen := make(map[string]struct{}, len(k.Transitions))
	var out []string
	for _, t := range k.Transitions {
		if _, ok := seen[t.Event]; ok {
			continue
		}
		seen[t.Event] = struct{}{}
		out = append(out, t.Event)
	}
	return out
}

// Metadata carries the instance's bookkeeping fields.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Performance carries transition timing aggregates.
type Performance struct {
	TransitionCount  int64     `json:"transition_count"`
	AvgTransitionUs  int64     `json:"avg_transition_us"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Instance is a live FSM: identity, tenant, current state and data.
type Instance struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	Kind         string                 `json:"kind"`
	CurrentState string                 `json:"current_state"`
	Data         map[string]interface{} `json:"data"`
	Metadata     Metadata               `json:"metadata"`
	Performance  Performance            `json:"performance"`
	Subscribers  []string               `json:"subscribers"`
}

// Clone copies the instance with a fresh data map and subscriber slice.
// Nested data values are shared; hooks that mutate nested structures must
// replace them rather than edit in place.
func (i *Instance) Clone() *Instance {
	cp := *i
	cp.Data = make(map[string]interface{}, len(i.Data))
	for k, v := range i.Data {
		cp.Data[k] = v
	}
	cp.Subscribers = append([]string(nil), i.Subscribers...)
	return &cp
}

// HasSubscriber reports whether id is already subscribed.
func (i *Instance) HasSubscriber(id string) bool {
	for _, s := range i.Subscribers {
		if s == id {
			return true
		}
	}
	return false
}
