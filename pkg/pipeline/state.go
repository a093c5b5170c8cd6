package pipeline

import "fmt"

// State is a step of a single pipeline run. A run that fails moves to Failed;
// StageError.Stage then names the state that was being entered.
type State int

const (
	Loaded State = iota
	MaskReady
	MeanComputed
	Normalized
	Aggregated
	Inverted
	CleanedUp
	Done
	Failed
)

var stateNames = [...]string{
	Loaded:       "LOADED",
	MaskReady:    "MASK_READY",
	MeanComputed: "MEAN_COMPUTED",
	Normalized:   "NORMALIZED",
	Aggregated:   "AGGREGATED",
	Inverted:     "INVERTED",
	CleanedUp:    "CLEANED_UP",
	Done:         "DONE",
	Failed:       "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// StageError reports the stage and input of a failed run.
type StageError struct {
	Stage State
	Input string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: stage %s failed: %v", e.Input, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
