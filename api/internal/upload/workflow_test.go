package upload

import (
	"errors"
	"testing"
)

func TestChangeStateHappyPath(t *testing.T) {
	state := StateIdle
	var err error
	for _, next := range []string{StatePreviewing, StateAnalyzing, StateAnalysisReady, StateSaving, StateIdle} {
		state, err = changeState(state, next)
		if err != nil {
			t.Fatalf("unexpected error moving to %s: %v", next, err)
		}
	}
}

func TestChangeStateReselect(t *testing.T) {
	if _, err := changeState(StatePreviewing, StatePreviewing); err != nil {
		t.Fatalf("re-selecting from previewing should be allowed: %v", err)
	}
	if _, err := changeState(StateAnalysisReady, StatePreviewing); err != nil {
		t.Fatalf("re-selecting from analysis_ready should be allowed: %v", err)
	}
}

func TestChangeStateCloseAlwaysAllowed(t *testing.T) {
	for _, from := range []string{StateIdle, StatePreviewing, StateAnalyzing, StateAnalysisReady, StateSaving} {
		if _, err := changeState(from, StateIdle); err != nil {
			t.Fatalf("close from %s should be allowed: %v", from, err)
		}
	}
}

func TestChangeStateRejectsInvalid(t *testing.T) {
	cases := [][2]string{
		{StateIdle, StateAnalyzing},
		{StateIdle, StateSaving},
		{StatePreviewing, StateSaving},
		{StateAnalyzing, StateSaving},
		{StateSaving, StatePreviewing},
	}
	for _, tc := range cases {
		got, err := changeState(tc[0], tc[1])
		if !errors.Is(err, ErrInvalidStateChange) {
			t.Fatalf("%s -> %s: expected ErrInvalidStateChange, got %v", tc[0], tc[1], err)
		}
		if got != tc[0] {
			t.Fatalf("%s -> %s: state should not move on rejection, got %s", tc[0], tc[1], got)
		}
	}
}

func TestChangeStateSavingFailureReturnsToReady(t *testing.T) {
	if _, err := changeState(StateSaving, StateAnalysisReady); err != nil {
		t.Fatalf("saving -> analysis_ready should be allowed: %v", err)
	}
}
