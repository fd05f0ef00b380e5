// Package statemachine is a small table-driven finite state machine.
//
// States and events are caller-defined string types. Transitions are looked
// up in a map[from]map[event] table; an optional guard may veto a transition
// and an optional action runs between the exit and enter hooks.
package statemachine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// GuardFunc is a function that determines if a transition should be allowed.
type GuardFunc[S, E ~string] func(ctx context.Context, from S, to S, event E) bool

// ActionFunc is a function executed during a transition.
type ActionFunc[S, E ~string] func(ctx context.Context, from S, to S, event E) error

// HookFunc is called when a state is entered or exited.
type HookFunc[S ~string] func(ctx context.Context, state S) error

// StateConfig defines the configuration for a state.
type StateConfig[S ~string] struct {
	// Name is the unique identifier for this state
	Name S

	// OnEnter is called when entering this state
	OnEnter HookFunc[S]

	// OnExit is called when exiting this state
	OnExit HookFunc[S]
}

// Transition defines a state transition.
type Transition[S, E ~string] struct {
	From  S
	To    S
	Event E

	// Guard determines if the transition should be allowed
	Guard GuardFunc[S, E]

	// Action is executed during the transition (after OnExit, before OnEnter)
	Action ActionFunc[S, E]
}

// TransitionHook is called whenever a transition occurs.
type TransitionHook[S, E ~string] func(ctx context.Context, from S, to S, event E)

// Machine is a finite state machine.
//
// Trigger is serialized: a second Trigger waits until the first has run its
// hooks, so the observed sequence of transitions is linear.
type Machine[S, E ~string] struct {
	fire sync.Mutex // serializes Trigger

	mu          sync.RWMutex
	current     S
	states      map[S]StateConfig[S]
	transitions map[S]map[E]Transition[S, E]
	hooks       []TransitionHook[S, E]
}

// NewMachine creates a new state machine with the given initial state.
func NewMachine[S, E ~string](initial S) *Machine[S, E] {
	return &Machine[S, E]{
		current:     initial,
		states:      make(map[S]StateConfig[S]),
		transitions: make(map[S]map[E]Transition[S, E]),
	}
}

// AddState registers a state configuration.
func (m *Machine[S, E]) AddState(config StateConfig[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[config.Name] = config
}

// AddTransition registers a state transition.
func (m *Machine[S, E]) AddTransition(trans Transition[S, E]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transitions[trans.From] == nil {
		m.transitions[trans.From] = make(map[E]Transition[S, E])
	}

	if _, exists := m.transitions[trans.From][trans.Event]; exists {
		return fmt.Errorf("transition from %s on event %s already exists", trans.From, trans.Event)
	}

	m.transitions[trans.From][trans.Event] = trans
	return nil
}

// MustAddTransitions registers every transition and panics on a duplicate.
// It is meant for static tables built at construction time.
func (m *Machine[S, E]) MustAddTransitions(ts ...Transition[S, E]) {
	for _, t := range ts {
		if err := m.AddTransition(t); err != nil {
			panic(err)
		}
	}
}

// Trigger fires event from the current state.
func (m *Machine[S, E]) Trigger(ctx context.Context, event E) error {
	m.fire.Lock()
	defer m.fire.Unlock()

	m.mu.RLock()
	from := m.current
	trans, ok := m.transitions[from][event]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no transition from %s on event %s", from, event)
	}

	if trans.Guard != nil && !trans.Guard(ctx, trans.From, trans.To, event) {
		return fmt.Errorf("guard rejected transition from %s to %s on event %s", trans.From, trans.To, event)
	}

	return m.executeTransition(ctx, trans)
}

func (m *Machine[S, E]) executeTransition(ctx context.Context, trans Transition[S, E]) error {
	m.mu.RLock()
	fromConfig, hasFromConfig := m.states[trans.From]
	toConfig, hasToConfig := m.states[trans.To]
	m.mu.RUnlock()

	if hasFromConfig && fromConfig.OnExit != nil {
		if err := fromConfig.OnExit(ctx, trans.From); err != nil {
			return fmt.Errorf("OnExit failed for state %s: %w", trans.From, err)
		}
	}

	if trans.Action != nil {
		if err := trans.Action(ctx, trans.From, trans.To, trans.Event); err != nil {
			return fmt.Errorf("action failed for transition %s -> %s: %w", trans.From, trans.To, err)
		}
	}

	m.mu.Lock()
	m.current = trans.To
	hooks := m.hooks
	m.mu.Unlock()

	// State was already changed even if OnEnter fails.
	var enterErr error
	if hasToConfig && toConfig.OnEnter != nil {
		if err := toConfig.OnEnter(ctx, trans.To); err != nil {
			enterErr = fmt.Errorf("OnEnter failed for state %s: %w", trans.To, err)
		}
	}

	for _, hook := range hooks {
		hook(ctx, trans.From, trans.To, trans.Event)
	}

	return enterErr
}

// Current returns the current state.
func (m *Machine[S, E]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in any of states.
func (m *Machine[S, E]) Is(states ...S) bool {
	return slices.Contains(states, m.Current())
}

// Can checks if an event can be triggered from the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.transitions[m.current][event]
	return ok
}

// OnTransition registers a hook that is called on every transition.
func (m *Machine[S, E]) OnTransition(hook TransitionHook[S, E]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// States returns all registered states, sorted.
func (m *Machine[S, E]) States() []S {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]S, 0, len(m.states))
	for state := range m.states {
		states = append(states, state)
	}
	slices.SortFunc(states, cmp.Compare[S])
	return states
}

// AvailableEvents returns all events that can be triggered from the current
// state, sorted.
func (m *Machine[S, E]) AvailableEvents() []E {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]E, 0, len(m.transitions[m.current]))
	for event := range m.transitions[m.current] {
		events = append(events, event)
	}
	slices.SortFunc(events, cmp.Compare[E])
	return events
}
