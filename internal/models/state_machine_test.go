package models

import (
	"testing"
)

func TestStateMachine_BasicTransitions(t *testing.T) {
	sm := NewStateMachine()

	if sm.GetCurrentState() != StateAwaitingEntry {
		t.Errorf("Initial state should be StateAwaitingEntry, got %s", sm.GetCurrentState())
	}

	if err := sm.Transition(StateOpen, ConditionEntryFilled); err != nil {
		t.Errorf("Valid transition failed: %v", err)
	}

	if sm.GetCurrentState() != StateOpen {
		t.Errorf("State should be StateOpen, got %s", sm.GetCurrentState())
	}
	if sm.GetPreviousState() != StateAwaitingEntry {
		t.Errorf("Previous state should be StateAwaitingEntry, got %s", sm.GetPreviousState())
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	sm := NewStateMachine()

	// Skipping Open is not allowed
	if err := sm.Transition(StateAwaitingExit, ConditionExitsPlaced); err == nil {
		t.Error("Invalid transition should fail")
	}
	if sm.GetCurrentState() != StateAwaitingEntry {
		t.Errorf("State should remain StateAwaitingEntry after failed transition, got %s", sm.GetCurrentState())
	}

	// Wrong condition for a defined edge
	if err := sm.Transition(StateOpen, ConditionWindowClosed); err == nil {
		t.Error("Transition with mismatched condition should fail")
	}
}

func TestStateMachine_LifecyclePaths(t *testing.T) {
	type step struct {
		to        PositionState
		condition string
	}
	tests := []struct {
		name  string
		steps []step
		final PositionState
	}{
		{
			name: "profit fill",
			steps: []step{
				{StateOpen, ConditionEntryFilled},
				{StateAwaitingExit, ConditionExitsPlaced},
				{StateClosed, ConditionProfitFilled},
			},
			final: StateClosed,
		},
		{
			name: "stop fill",
			steps: []step{
				{StateOpen, ConditionEntryFilled},
				{StateAwaitingExit, ConditionExitsPlaced},
				{StateClosed, ConditionStopFilled},
			},
			final: StateClosed,
		},
		{
			name: "both exits dead",
			steps: []step{
				{StateOpen, ConditionEntryFilled},
				{StateAwaitingExit, ConditionExitsPlaced},
				{StateClosed, ConditionExitsDead},
			},
			final: StateClosed,
		},
		{
			name: "exit placement failed",
			steps: []step{
				{StateOpen, ConditionEntryFilled},
				{StateClosed, ConditionExitPlacementFailed},
			},
			final: StateClosed,
		},
		{
			name:  "window closed",
			steps: []step{{StateAbandoned, ConditionWindowClosed}},
			final: StateAbandoned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, s := range tt.steps {
				if err := sm.Transition(s.to, s.condition); err != nil {
					t.Fatalf("transition to %s (%s) failed: %v", s.to, s.condition, err)
				}
			}
			if sm.GetCurrentState() != tt.final {
				t.Errorf("final state = %s, want %s", sm.GetCurrentState(), tt.final)
			}
			if !sm.IsFinal() {
				t.Error("expected machine to be final")
			}
			if err := sm.ValidateStateConsistency(); err != nil {
				t.Errorf("ValidateStateConsistency() = %v", err)
			}
			if got := len(sm.History()); got != len(tt.steps) {
				t.Errorf("history length = %d, want %d", got, len(tt.steps))
			}
		})
	}
}

func TestStateMachine_FinalStatesAreTerminal(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateAbandoned, ConditionWindowClosed); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := sm.Transition(StateOpen, ConditionEntryFilled); err == nil {
		t.Error("expected transition out of a final state to fail")
	}
	if sm.GetTransitionCount(StateAbandoned) != 1 {
		t.Errorf("abandoned count = %d, want 1", sm.GetTransitionCount(StateAbandoned))
	}
}

func TestStateMachine_CopyIsIndependent(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateOpen, ConditionEntryFilled); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	cp := sm.Copy()
	if err := sm.Transition(StateAwaitingExit, ConditionExitsPlaced); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if cp.GetCurrentState() != StateOpen {
		t.Errorf("copy state changed to %s", cp.GetCurrentState())
	}
	if cp.GetTransitionCount(StateAwaitingExit) != 0 {
		t.Error("copy transition counts should not be shared")
	}
	var nilSM *StateMachine
	if nilSM.Copy() != nil {
		t.Error("Copy of nil should be nil")
	}
}

func TestStateMachine_Reset(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Transition(StateOpen, ConditionEntryFilled)
	sm.Reset()
	if sm.GetCurrentState() != StateAwaitingEntry {
		t.Errorf("state after reset = %s", sm.GetCurrentState())
	}
	if len(sm.History()) != 0 {
		t.Error("history should be empty after reset")
	}
	if err := sm.ValidateStateConsistency(); err != nil {
		t.Errorf("fresh machine should be consistent: %v", err)
	}
}

func TestStateMachine_Descriptions(t *testing.T) {
	sm := NewStateMachine()
	if sm.GetStateDescription() == "Unknown state" {
		t.Error("AwaitingEntry should have a description")
	}
	for _, tr := range ValidTransitions {
		if tr.Description == "" {
			t.Errorf("transition %s->%s has no description", tr.From, tr.To)
		}
	}
}
