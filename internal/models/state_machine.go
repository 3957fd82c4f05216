// Package models provides data structures and state management for iron condor positions.
package models

import (
	"fmt"
	"time"
)

// PositionState represents the current state of a position
type PositionState string

const (
	StateAwaitingEntry PositionState = "awaiting_entry" // Entry attempts running inside the window
	StateOpen          PositionState = "open"           // Entry filled, exits not yet resting
	StateAwaitingExit  PositionState = "awaiting_exit"  // Profit and stop orders resting
	StateClosed        PositionState = "closed"         // Final: position resolved and recorded
	StateAbandoned     PositionState = "abandoned"      // Final: no entry fill before the window closed
)

// Transition conditions
const (
	ConditionEntryFilled         = "entry_filled"
	ConditionWindowClosed        = "window_closed"
	ConditionExitsPlaced         = "exits_placed"
	ConditionExitPlacementFailed = "exit_placement_failed"
	ConditionProfitFilled        = "profit_filled"
	ConditionStopFilled          = "stop_filled"
	ConditionExitsDead           = "exits_dead"
	ConditionShutdown            = "shutdown"
	ConditionCancelUnconfirmed   = "cancel_unconfirmed"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions is the full transition table of a position.
var ValidTransitions = []StateTransition{
	{StateAwaitingEntry, StateOpen, ConditionEntryFilled, "Entry combo filled"},
	{StateAwaitingEntry, StateAbandoned, ConditionWindowClosed, "Trading window closed without an entry fill"},
	{StateAwaitingEntry, StateAbandoned, ConditionShutdown, "Shutdown before an entry fill"},
	{StateAwaitingEntry, StateAbandoned, ConditionCancelUnconfirmed, "Entry order could not be pulled"},

	{StateOpen, StateAwaitingExit, ConditionExitsPlaced, "Profit and stop orders resting"},
	{StateOpen, StateClosed, ConditionExitPlacementFailed, "Exit pair could not be placed"},
	{StateOpen, StateClosed, ConditionShutdown, "Shutdown before exits were placed"},

	{StateAwaitingExit, StateClosed, ConditionProfitFilled, "Profit order filled, stop cancelled"},
	{StateAwaitingExit, StateClosed, ConditionStopFilled, "Stop order filled, profit cancelled"},
	{StateAwaitingExit, StateClosed, ConditionExitsDead, "Both exits ended without a fill"},
	{StateAwaitingExit, StateClosed, ConditionShutdown, "Shutdown while exits were resting"},
	{StateAwaitingExit, StateClosed, ConditionCancelUnconfirmed, "An exit order could not be pulled"},
}

// TransitionRecord is one applied transition.
type TransitionRecord struct {
	From      PositionState
	To        PositionState
	Condition string
	At        time.Time
}

// StateMachine manages position state transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionState]int
	history         []TransitionRecord
	currentState    PositionState
	previousState   PositionState
}

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateAwaitingEntry,
		previousState:   StateAwaitingEntry,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// GetTransitionTime returns when the last transition happened
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// IsFinal reports whether the machine reached Closed or Abandoned.
func (sm *StateMachine) IsFinal() bool {
	return sm.currentState == StateClosed || sm.currentState == StateAbandoned
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	if sm.IsFinal() {
		return fmt.Errorf("position already %s, no further transitions allowed", sm.currentState)
	}
	if !sm.isTransitionDefined(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
			sm.currentState, to, condition)
	}
	return nil
}

func (sm *StateMachine) isTransitionDefined(to PositionState, condition string) bool {
	for _, transition := range ValidTransitions {
		if sm.matchesTransition(transition, to, condition) {
			return true
		}
	}
	return false
}

func (sm *StateMachine) matchesTransition(transition StateTransition, to PositionState, condition string) bool {
	if transition.From != sm.currentState || transition.To != to {
		return false
	}
	return conditionMatches(transition.Condition, condition)
}

// conditionMatches checks if the condition requirements are satisfied
func conditionMatches(transitionCondition, providedCondition string) bool {
	if transitionCondition == "" {
		return true
	}
	return providedCondition == transitionCondition
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to PositionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	now := time.Now().UTC()
	sm.history = append(sm.history, TransitionRecord{
		From:      sm.currentState,
		To:        to,
		Condition: condition,
		At:        now,
	})
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = now
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times we've been in a state
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// History returns the applied transitions in order.
func (sm *StateMachine) History() []TransitionRecord {
	out := make([]TransitionRecord, len(sm.history))
	copy(out, sm.history)
	return out
}

// Reset returns the machine to AwaitingEntry
func (sm *StateMachine) Reset() {
	sm.currentState = StateAwaitingEntry
	sm.previousState = StateAwaitingEntry
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount = make(map[PositionState]int)
	sm.history = nil
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateAwaitingEntry:
		return "Working the entry combo inside the trading window"
	case StateOpen:
		return "Entry filled, placing profit and stop orders"
	case StateAwaitingExit:
		return "Monitoring profit and stop orders"
	case StateClosed:
		return "Position resolved and recorded"
	case StateAbandoned:
		return "Trading window closed without an entry fill"
	default:
		return "Unknown state"
	}
}

// ValidateStateConsistency ensures the state machine is in a valid state
func (sm *StateMachine) ValidateStateConsistency() error {
	total := len(sm.history)
	if total == 0 {
		if sm.currentState != StateAwaitingEntry {
			return fmt.Errorf("state %s reached without any recorded transition", sm.currentState)
		}
		return nil
	}
	if sm.transitionTime.IsZero() {
		return fmt.Errorf("missing transition time: transitionTime is zero")
	}
	last := sm.history[total-1]
	if last.To != sm.currentState || last.From != sm.previousState {
		return fmt.Errorf("history ends at %s->%s but machine is %s->%s",
			last.From, last.To, sm.previousState, sm.currentState)
	}
	if sm.transitionCount[StateClosed]+sm.transitionCount[StateAbandoned] > 1 {
		return fmt.Errorf("position reached a final state more than once")
	}
	return nil
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}

	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
		history:        sm.History(),
	}

	newSM.transitionCount = make(map[PositionState]int)
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}

	return newSM
}
