package fsm

import (
	"fmt"
	"time"

	"github.com/navigatorhq/navigator/pkg/core"
)

// New creates a fresh instance of this kind in its initial state.
func (k *KindDefinition) New(data map[string]interface{}, id, tenantID string) *Instance {
	if data == nil {
		data = make(map[string]interface{})
	}
	now := time.Now().UTC()
	return &Instance{
		ID:           id,
		TenantID:     tenantID,
		Kind:         k.Name,
		CurrentState: k.InitialState,
		Data:         data,
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   0,
		},
	}
}

// resolve finds the transition for (current_state, event). First declared
// wins; Build rejects conflicting duplicates.
func (k *KindDefinition) resolve(from, event string) (Transition, bool) {
	for _, t := range k.Transitions {
		if t.From == from && t.Event == event {
			return t, true
		}
	}
	return Transition{}, false
}

func runGuard(name string, fn Guard, inst *Instance, event string, ed map[string]interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guard %q panicked: %v", name, r)
		}
	}()
	return fn(inst, event, ed)
}

func runHook(h NamedHook, inst *Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %q panicked: %v", h.Name, r)
		}
	}()
	return h.Fn(inst)
}

// checkGuards evaluates kind validators then transition guards, in
// declaration order. The first denial wins.
func (k *KindDefinition) checkGuards(t Transition, inst *Instance, event string, ed map[string]interface{}) error {
	for _, name := range k.Validators {
		if err := runGuard(name, k.guards[name], inst, event, ed); err != nil {
			return core.Wrap(core.ReasonGuardDenied, fmt.Sprintf("validator %q denied event %q", name, event), err)
		}
	}
	for _, name := range t.Guards {
		if err := runGuard(name, k.guards[name], inst, event, ed); err != nil {
			return core.Wrap(core.ReasonGuardDenied, fmt.Sprintf("guard %q denied event %q", name, event), err)
		}
	}
	return nil
}

// Send applies one event. On success it returns a new instance with the
// target state, event data shallow-merged into data, and version bumped.
// On any failure the original instance is returned unchanged.
//
// The pipeline works on a buffered copy: exit hooks, the state change and
// enter hooks all mutate the copy, and the copy is only published when every
// step succeeds. An enter-hook failure therefore rolls the whole transition
// back for free.
func (k *KindDefinition) Send(inst *Instance, event string, ed map[string]interface{}) (*Instance, error) {
	started := time.Now()

	t, ok := k.resolve(inst.CurrentState, event)
	if !ok {
		return inst, core.Errf(core.ReasonInvalidTransition,
			fmt.Sprintf("no transition from %q on event %q", inst.CurrentState, event))
	}

	if err := k.checkGuards(t, inst, event, ed); err != nil {
		return inst, err
	}

	next := inst.Clone()

	for _, h := range k.exitHooks[t.From] {
		if err := runHook(h, next); err != nil {
			return inst, core.Wrap(core.ReasonHookFailed,
				fmt.Sprintf("on_exit hook %q failed leaving %q", h.Name, t.From), err)
		}
	}

	for _, p := range k.plugins {
		if p.Before != nil {
			p.Before(next, event, t.From, t.To)
		}
	}

	next.CurrentState = t.To
	for key, value := range ed {
		next.Data[key] = value
	}
	next.Metadata.Version++
	next.Metadata.UpdatedAt = time.Now().UTC()

	for _, h := range k.enterHooks[t.To] {
		if err := runHook(h, next); err != nil {
			return inst, core.Wrap(core.ReasonHookFailed,
				fmt.Sprintf("on_enter hook %q failed entering %q", h.Name, t.To), err)
		}
	}

	duration := time.Since(started)
	next.Performance.TransitionCount++
	next.Performance.LastTransitionAt = next.Metadata.UpdatedAt
	us := duration.Microseconds()
	n := next.Performance.TransitionCount
	next.Performance.AvgTransitionUs += (us - next.Performance.AvgTransitionUs) / n

	for _, p := range k.plugins {
		if p.After != nil {
			p.After(next, event, t.From, t.To)
		}
	}

	return next, nil
}

// Can reports whether event would be accepted from the instance's current
// state, guards included.
func (k *KindDefinition) Can(inst *Instance, event string, ed map[string]interface{}) bool {
	t, ok := k.resolve(inst.CurrentState, event)
	if !ok {
		return false
	}
	return k.checkGuards(t, inst, event, ed) == nil
}

// Destinations returns the set of states reachable from the current state
// by a single event whose guards currently pass.
func (k *KindDefinition) Destinations(inst *Instance) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range k.Transitions {
		if t.From != inst.CurrentState {
			continue
		}
		if k.checkGuards(t, inst, t.Event, nil) != nil {
			continue
		}
		if _, dup := seen[t.To]; dup {
			continue
		}
		seen[t.To] = struct{}{}
		out = append(out, t.To)
	}
	return out
}

// HandleExternal reduces a subscriber notification. It is total: a missing
// handler, an error or a panic all leave the instance unchanged.
func (k *KindDefinition) HandleExternal(inst *Instance, source Source, eventType string, payload map[string]interface{}) (next *Instance, err error) {
	if k.externalHandler == nil {
		return inst, nil
	}
	defer func() {
		if r := recover(); r != nil {
			next = inst
			err = fmt.Errorf("external handler panicked: %v", r)
		}
	}()
	next, err = k.externalHandler(inst, source, eventType, payload)
	if err != nil || next == nil {
		return inst, err
	}
	return next, nil
}

// HandleBroadcast reduces a tenant broadcast with the same totality rules as
// HandleExternal.
func (k *KindDefinition) HandleBroadcast(inst *Instance, eventType string, payload map[string]interface{}) (next *Instance, err error) {
	if k.broadcastHandler == nil {
		return inst, nil
	}
	defer func() {
		if r := recover(); r != nil {
			next = inst
			err = fmt.Errorf("broadcast handler panicked: %v", r)
		}
	}()
	next, err = k.broadcastHandler(inst, eventType, payload)
	if err != nil || next == nil {
		return inst, err
	}
	return next, nil
}

// Subscribe returns an instance with other's id added to the subscriber set.
func Subscribe(inst *Instance, otherID string) *Instance {
	if inst.HasSubscriber(otherID) {
		return inst
	}
	next := inst.Clone()
	next.Subscribers = append(next.Subscribers, otherID)
	return next
}

// Unsubscribe returns an instance with other's id removed.
func Unsubscribe(inst *Instance, otherID string) *Instance {
	if !inst.HasSubscriber(otherID) {
		return inst
	}
	next := inst.Clone()
	out := next.Subscribers[:0]
	for _, s := range next.Subscribers {
		if s != otherID {
			out = append(out, s)
		}
	}
	next.Subscribers = out
	return next
}
