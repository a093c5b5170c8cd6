package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one input of a batch.
type Outcome struct {
	Input   string
	Output  string
	RunID   string
	Stage   State
	Err     error
	Elapsed time.Duration

	// Artifacts left on disk: everything written before a failure, or all
	// intermediates when they are kept.
	Artifacts []Artifact
}

// OK reports whether the input produced its final map.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// RunBatch processes every input and never stops at a failed one. Outcomes
// are returned in input order. With more than one worker distinct inputs run
// concurrently; each run only touches files named after its own input.
func (o *Orchestrator) RunBatch(inputs []string) []Outcome {
	outcomes := make([]Outcome, len(inputs))

	var g errgroup.Group
	g.SetLimit(o.params.Workers)
	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			outcomes[i] = o.runOutcome(input)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

func (o *Orchestrator) runOutcome(input string) Outcome {
	start := time.Now()
	runID := uuid.NewString()
	output, artifacts, err := o.run(input, runID)

	outcome := Outcome{
		Input:     input,
		Output:    output,
		RunID:     runID,
		Stage:     Done,
		Err:       err,
		Elapsed:   time.Since(start),
		Artifacts: artifacts,
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		outcome.Stage = stageErr.Stage
	}
	return outcome
}

// FailureCount counts the failed outcomes.
func FailureCount(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}
