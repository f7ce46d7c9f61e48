package trigger_test

import (
	"errors"
	"testing"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/trigger"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from trigger.State
		ev   trigger.Event
		to   trigger.State
		ok   bool
	}{
		{trigger.StateWaiting, trigger.EventAcquire, trigger.StateAcquired, true},
		{trigger.StateAcquired, trigger.EventAcquire, "", false},
		{trigger.StateAcquired, trigger.EventFire, trigger.StateExecuting, true},
		{trigger.StateAcquired, trigger.EventFireBlocked, trigger.StateBlocked, true},
		{trigger.StateExecuting, trigger.EventComplete, trigger.StateWaiting, true},
		{trigger.StateExecuting, trigger.EventCompleteFinal, trigger.StateComplete, true},
		{trigger.StateExecuting, trigger.EventError, trigger.StateError, true},
		{trigger.StateBlocked, trigger.EventUnblock, trigger.StateWaiting, true},
		{trigger.StatePausedBlocked, trigger.EventUnblock, trigger.StatePaused, true},
		{trigger.StateWaiting, trigger.EventPause, trigger.StatePaused, true},
		{trigger.StateAcquired, trigger.EventPause, trigger.StatePaused, true},
		{trigger.StateBlocked, trigger.EventPause, trigger.StatePausedBlocked, true},
		{trigger.StateExecuting, trigger.EventPause, "", false},
		{trigger.StatePaused, trigger.EventResume, trigger.StateWaiting, true},
		{trigger.StatePausedBlocked, trigger.EventResume, trigger.StateBlocked, true},
		{trigger.StateComplete, trigger.EventDelete, trigger.StateDeleted, true},
		{trigger.StateDeleted, trigger.EventDelete, "", false},
		{trigger.StateComplete, trigger.EventAcquire, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			to, ok := trigger.CanTransition(tt.from, tt.ev)
			if ok != tt.ok || to != tt.to {
				t.Errorf("CanTransition(%s, %s) = (%s, %v), want (%s, %v)", tt.from, tt.ev, to, ok, tt.to, tt.ok)
			}
		})
	}
}

func TestMovesGroupByTarget(t *testing.T) {
	moves := trigger.Moves(trigger.EventPause)
	if len(moves) != 2 {
		t.Fatalf("expected 2 moves, got %d", len(moves))
	}
	if moves[0].To != trigger.StatePaused || len(moves[0].From) != 2 {
		t.Errorf("unexpected first move %+v", moves[0])
	}
	if moves[1].To != trigger.StatePausedBlocked || moves[1].From[0] != trigger.StateBlocked {
		t.Errorf("unexpected second move %+v", moves[1])
	}

	for _, mv := range trigger.Moves(trigger.EventResume) {
		for _, from := range mv.From {
			if to, ok := trigger.CanTransition(from, trigger.EventResume); !ok || to != mv.To {
				t.Errorf("move %s -> %s disagrees with CanTransition", from, mv.To)
			}
		}
	}
}

func TestTerminalStatesAreNotSources(t *testing.T) {
	for _, ev := range []trigger.Event{trigger.EventAcquire, trigger.EventPause, trigger.EventResume, trigger.EventFire} {
		for _, s := range trigger.Sources(ev) {
			if s.IsTerminal() {
				t.Errorf("event %s must not apply to terminal state %s", ev, s)
			}
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range trigger.States {
		got, err := trigger.ParseState(string(s))
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %q, %v", s, got, err)
		}
	}

	_, err := trigger.ParseState("SLEEPING")
	if !errors.Is(err, beacon.ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
}
