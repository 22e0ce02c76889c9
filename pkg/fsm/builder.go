package fsm

import (
	"fmt"

	"github.com/navigatorhq/navigator/pkg/effects"
)

// Builder assembles a KindDefinition fluently. Build validates the graph and
// returns an immutable definition.
type Builder struct {
	def    *KindDefinition
	errors []error
}

// NewKind starts a builder for a named kind.
func NewKind(name string) *Builder {
	return &Builder{
		def: &KindDefinition{
			Name:         name,
			guards:       make(map[string]Guard),
			enterHooks:   make(map[string][]NamedHook),
			exitHooks:    make(map[string][]NamedHook),
			entryEffects: make(map[string]*effects.Effect),
			namedEffects: make(map[string]*effects.Effect),
			stateSet:     make(map[string]struct{}),
		},
	}
}

func (b *Builder) errf(format string, args ...interface{}) *Builder {
	b.errors = append(b.errors, fmt.Errorf(format, args...))
	return b
}

func (b *Builder) addState(s string, override bool) {
	if _, exists := b.def.stateSet[s]; exists {
		if !override {
			b.errf("state %q declared twice", s)
		}
		return
	}
	b.def.stateSet[s] = struct{}{}
	b.def.States = append(b.def.States, s)
}

// States declares the kind's states in order.
func (b *Builder) States(states ...string) *Builder {
	for _, s := range states {
		b.addState(s, false)
	}
	return b
}

// Initial sets the initial state.
func (b *Builder) Initial(state string) *Builder {
	b.def.InitialState = state
	return b
}

// Transition declares an edge (from, event) -> to.
func (b *Builder) Transition(from, event, to string, guards ...string) *Builder {
	b.def.Transitions = append(b.def.Transitions, Transition{
		From:   from,
		Event:  event,
		To:     to,
		Guards: guards,
	})
	return b
}

// Guard registers a named guard usable from transitions and validators.
func (b *Builder) Guard(name string, fn Guard) *Builder {
	if _, exists := b.def.guards[name]; exists {
		return b.errf("guard %q registered twice", name)
	}
	b.def.guards[name] = fn
	return b
}

// Validator appends a guard name to the kind-wide validator chain, which
// runs before every transition.
func (b *Builder) Validator(name string) *Builder {
	b.def.Validators = append(b.def.Validators, name)
	return b
}

// OnEnter registers a hook that runs when the given state is entered.
func (b *Builder) OnEnter(state, name string, fn Hook) *Builder {
	b.def.enterHooks[state] = append(b.def.enterHooks[state], NamedHook{Name: name, Fn: fn})
	return b
}

// OnExit registers a hook that runs when the given state is exited.
func (b *Builder) OnExit(state, name string, fn Hook) *Builder {
	b.def.exitHooks[state] = append(b.def.exitHooks[state], NamedHook{Name: name, Fn: fn})
	return b
}

// EntryEffect attaches an effect tree triggered fire-and-forget when the
// given state is entered.
func (b *Builder) EntryEffect(state string, effect *effects.Effect) *Builder {
	if _, exists := b.def.entryEffects[state]; exists {
		return b.errf("state %q already has an entry effect", state)
	}
	b.def.entryEffects[state] = effect
	return b
}

// NamedEffect registers an effect tree by name for explicit triggering.
func (b *Builder) NamedEffect(name string, effect *effects.Effect) *Builder {
	if _, exists := b.def.namedEffects[name]; exists {
		return b.errf("effect %q registered twice", name)
	}
	b.def.namedEffects[name] = effect
	return b
}

// Component merges a reusable fragment into the kind. State names must be
// disjoint from earlier declarations unless the component sets Override.
func (b *Builder) Component(c Component) *Builder {
	for _, s := range c.States {
		if _, exists := b.def.stateSet[s]; exists && !c.Override {
			b.errf("component %q redeclares state %q", c.Name, s)
			continue
		}
		b.addState(s, true)
	}
	b.def.Transitions = append(b.def.Transitions, c.Transitions...)
	for name, g := range c.Guards {
		if _, exists := b.def.guards[name]; exists && !c.Override {
			b.errf("component %q redeclares guard %q", c.Name, name)
			continue
		}
		b.def.guards[name] = g
	}
	for state, hooks := range c.EnterHooks {
		b.def.enterHooks[state] = append(b.def.enterHooks[state], hooks...)
	}
	for state, hooks := range c.ExitHooks {
		b.def.exitHooks[state] = append(b.def.exitHooks[state], hooks...)
	}
	return b
}

// Plugin attaches a cross-cutting observer to every transition.
func (b *Builder) Plugin(p Plugin) *Builder {
	b.def.plugins = append(b.def.plugins, p)
	return b
}

// OnExternal sets the reducer for subscriber notifications.
func (b *Builder) OnExternal(handler ExternalHandler) *Builder {
	b.def.externalHandler = handler
	return b
}

// OnBroadcast sets the reducer for tenant broadcasts.
func (b *Builder) OnBroadcast(handler BroadcastHandler) *Builder {
	b.def.broadcastHandler = handler
	return b
}

// Build validates the definition and freezes it.
func (b *Builder) Build() (*KindDefinition, error) {
	def := b.def

	if def.Name == "" {
		b.errf("kind name is required")
	}
	if len(def.States) == 0 {
		b.errf("at least one state is required")
	}
	if def.InitialState == "" {
		b.errf("initial state is required")
	} else if !def.HasState(def.InitialState) {
		b.errf("initial state %q is not a declared state", def.InitialState)
	}

	seen := make(map[[2]string]string, len(def.Transitions))
	for _, t := range def.Transitions {
		if !def.HasState(t.From) {
			b.errf("transition %s--%s-->%s: unknown from state", t.From, t.Event, t.To)
		}
		if !def.HasState(t.To) {
			b.errf("transition %s--%s-->%s: unknown to state", t.From, t.Event, t.To)
		}
		key := [2]string{t.From, t.Event}
		if to, dup := seen[key]; dup {
			if to != t.To {
				b.errf("duplicate transition (%s, %s) with conflicting destinations %s and %s", t.From, t.Event, to, t.To)
			}
		} else {
			seen[key] = t.To
		}
		for _, g := range t.Guards {
			if _, ok := def.guards[g]; !ok {
				b.errf("transition %s--%s-->%s: unknown guard %q", t.From, t.Event, t.To, g)
			}
		}
	}

	for _, v := range def.Validators {
		if _, ok := def.guards[v]; !ok {
			b.errf("validator %q is not a registered guard", v)
		}
	}

	for state := range def.enterHooks {
		if !def.HasState(state) {
			b.errf("on_enter hook registered for unknown state %q", state)
		}
	}
	for state := range def.exitHooks {
		if !def.HasState(state) {
			b.errf("on_exit hook registered for unknown state %q", state)
		}
	}
	for state, effect := range def.entryEffects {
		if !def.HasState(state) {
			b.errf("entry effect registered for unknown state %q", state)
		}
		if err := effects.Validate(effect); err != nil {
			b.errf("entry effect for state %q: %v", state, err)
		}
	}
	for name, effect := range def.namedEffects {
		if err := effects.Validate(effect); err != nil {
			b.errf("effect %q: %v", name, err)
		}
	}

	if len(b.errors) > 0 {
		return nil, fmt.Errorf("kind %q: %w", def.Name, joinErrors(b.errors))
	}
	return def, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msg := errs[0].Error()
	for _, err := range errs[1:] {
		msg += "; " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}

// AlwaysAllow is a guard that admits every transition.
func AlwaysAllow(*Instance, string, map[string]interface{}) error {
	return nil
}

// NeverAllow is a guard that denies every transition.
func NeverAllow(*Instance, string, map[string]interface{}) error {
	return fmt.Errorf("transition denied")
}

// DataFieldEquals builds a guard requiring data[key] == want.
func DataFieldEquals(key string, want interface{}) Guard {
	return func(inst *Instance, _ string, _ map[string]interface{}) error {
		if got, ok := inst.Data[key]; !ok || got != want {
			return fmt.Errorf("data field %q is not %v", key, want)
		}
		return nil
	}
}

// DataFieldExists builds a guard requiring data[key] to be present.
func DataFieldExists(key string) Guard {
	return func(inst *Instance, _ string, _ map[string]interface{}) error {
		if _, ok := inst.Data[key]; !ok {
			return fmt.Errorf("data field %q is missing", key)
		}
		return nil
	}
}
