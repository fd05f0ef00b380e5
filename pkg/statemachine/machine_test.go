package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type phase string
type trigger string

const (
	running  phase = "running"
	draining phase = "draining"
	stopped  phase = "stopped"

	shutdown trigger = "shutdown"
	drained  trigger = "drained"
	restart  trigger = "restart"
)

func newPhases(t *testing.T) *Machine[phase, trigger] {
	t.Helper()
	m := NewMachine[phase, trigger](running)
	m.MustAddTransitions(
		Transition[phase, trigger]{From: running, To: draining, Event: shutdown},
		Transition[phase, trigger]{From: draining, To: stopped, Event: drained},
	)
	return m
}

func TestNewMachine(t *testing.T) {
	m := NewMachine[phase, trigger](running)
	if m.Current() != running {
		t.Errorf("Expected initial state %s, got %s", running, m.Current())
	}
}

func TestMachine_AddState(t *testing.T) {
	m := NewMachine[phase, trigger](running)
	m.AddState(StateConfig[phase]{Name: stopped})
	m.AddState(StateConfig[phase]{Name: draining})

	states := m.States()
	if len(states) != 2 || states[0] != draining || states[1] != stopped {
		t.Errorf("Expected sorted [draining stopped], got %v", states)
	}
}

func TestMachine_AddTransition_Duplicate(t *testing.T) {
	m := NewMachine[phase, trigger](running)
	trans := Transition[phase, trigger]{From: running, To: draining, Event: shutdown}

	if err := m.AddTransition(trans); err != nil {
		t.Fatalf("AddTransition failed: %v", err)
	}
	if err := m.AddTransition(trans); err == nil {
		t.Error("Expected error when adding duplicate transition")
	}
}

func TestMachine_MustAddTransitionsPanicsOnDuplicate(t *testing.T) {
	m := NewMachine[phase, trigger](running)
	trans := Transition[phase, trigger]{From: running, To: draining, Event: shutdown}

	defer func() {
		if recover() == nil {
			t.Error("Expected panic on duplicate transition")
		}
	}()
	m.MustAddTransitions(trans, trans)
}

func TestMachine_Trigger(t *testing.T) {
	m := newPhases(t)
	ctx := context.Background()

	if err := m.Trigger(ctx, shutdown); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if m.Current() != draining {
		t.Errorf("Expected %s, got %s", draining, m.Current())
	}
	if !m.Is(draining, stopped) {
		t.Error("Expected Is to match draining")
	}

	if err := m.Trigger(ctx, shutdown); err == nil {
		t.Error("Expected error for event with no transition from draining")
	}
	if m.Current() != draining {
		t.Errorf("Failed trigger must not change state, got %s", m.Current())
	}
}

func TestMachine_HooksRunInOrder(t *testing.T) {
	m := NewMachine[phase, trigger](running)
	var order []string

	m.AddState(StateConfig[phase]{
		Name:   running,
		OnExit: func(ctx context.Context, s phase) error { order = append(order, "exit:"+string(s)); return nil },
	})
	m.AddState(StateConfig[phase]{
		Name:    draining,
		OnEnter: func(ctx context.Context, s phase) error { order = append(order, "enter:"+string(s)); return nil },
	})
	m.AddTransition(Transition[phase, trigger]{
		From: running, To: draining, Event: shutdown,
		Action: func(ctx context.Context, from, to phase, e trigger) error {
			order = append(order, "action")
			return nil
		},
	})
	m.OnTransition(func(ctx context.Context, from, to phase, e trigger) {
		order = append(order, "hook")
	})

	if err := m.Trigger(context.Background(), shutdown); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	want := []string{"exit:running", "action", "enter:draining", "hook"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("At %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestMachine_GuardReject(t *testing.T) {
	m := NewMachine[phase, trigger](stopped)
	m.AddTransition(Transition[phase, trigger]{
		From: stopped, To: running, Event: restart,
		Guard: func(ctx context.Context, from, to phase, e trigger) bool { return false },
	})

	if err := m.Trigger(context.Background(), restart); err == nil {
		t.Error("Expected guard rejection")
	}
	if m.Current() != stopped {
		t.Errorf("Expected %s, got %s", stopped, m.Current())
	}
}

func TestMachine_ActionErrorKeepsState(t *testing.T) {
	m := NewMachine[phase, trigger](running)
	boom := errors.New("boom")
	m.AddTransition(Transition[phase, trigger]{
		From: running, To: draining, Event: shutdown,
		Action: func(ctx context.Context, from, to phase, e trigger) error { return boom },
	})

	err := m.Trigger(context.Background(), shutdown)
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped action error, got %v", err)
	}
	if m.Current() != running {
		t.Errorf("Expected %s, got %s", running, m.Current())
	}
}

func TestMachine_OnEnterErrorStillTransitions(t *testing.T) {
	m := newPhases(t)
	boom := errors.New("boom")
	m.AddState(StateConfig[phase]{
		Name:    draining,
		OnEnter: func(ctx context.Context, s phase) error { return boom },
	})

	if err := m.Trigger(context.Background(), shutdown); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped OnEnter error, got %v", err)
	}
	if m.Current() != draining {
		t.Errorf("Expected %s, got %s", draining, m.Current())
	}
}

func TestMachine_CanAndAvailableEvents(t *testing.T) {
	m := newPhases(t)
	m.AddTransition(Transition[phase, trigger]{From: running, To: stopped, Event: drained})

	if !m.Can(shutdown) || m.Can(restart) {
		t.Error("Unexpected Can result from running")
	}

	events := m.AvailableEvents()
	if len(events) != 2 || events[0] != drained || events[1] != shutdown {
		t.Errorf("Expected sorted [drained shutdown], got %v", events)
	}
}

func TestMachine_ConcurrentTriggerOnlyOneWins(t *testing.T) {
	m := newPhases(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Trigger(context.Background(), shutdown) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one successful trigger, got %d", wins)
	}
}
