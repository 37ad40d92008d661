package upload

import (
	"errors"
	"fmt"
)

// Session states. A session walks idle -> previewing -> analyzing ->
// analysis_ready -> saving and back to idle on success. Re-selecting an
// image from previewing or analysis_ready starts the preview over, and
// closing is allowed from anywhere.
const (
	StateIdle          = "idle"
	StatePreviewing    = "previewing"
	StateAnalyzing     = "analyzing"
	StateAnalysisReady = "analysis_ready"
	StateSaving        = "saving"
)

var ErrInvalidStateChange = errors.New("invalid upload state change")

var stateTransitions = map[string]map[string]bool{
	StateIdle: {
		StatePreviewing: true,
	},
	StatePreviewing: {
		StatePreviewing: true,
		StateAnalyzing:  true,
	},
	StateAnalyzing: {
		StateAnalysisReady: true,
		StatePreviewing:    true,
	},
	StateAnalysisReady: {
		StateSaving:     true,
		StatePreviewing: true,
	},
	StateSaving: {
		StateIdle:          true,
		StateAnalysisReady: true,
	},
}

func canChangeState(from string, to string) bool {
	if to == StateIdle {
		// Closing the session is always allowed.
		return true
	}
	return stateTransitions[from][to]
}

func changeState(from string, to string) (string, error) {
	if !canChangeState(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidStateChange, from, to)
	}
	return to, nil
}
