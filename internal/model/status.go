package model

// Outcome classifies how far a task attempt progressed.
type Outcome string

const (
	OutcomeDone            Outcome = "done"
	OutcomeFailedOnManager Outcome = "failed_on_manager"
	OutcomeFailedOnWorker  Outcome = "failed_on_worker"
	OutcomeUnknown         Outcome = "unknown"
)

var terminalOutcomes = map[Outcome]bool{
	OutcomeDone:            true,
	OutcomeFailedOnManager: true,
	OutcomeFailedOnWorker:  true,
}

// IsTerminal reports whether the outcome is one of the classified end states.
func IsTerminal(o Outcome) bool {
	return terminalOutcomes[o]
}

// Outcome classifies the attempt:
//   - done: a DONE event was observed
//   - failed_on_manager: READY but never dispatched to a worker
//   - failed_on_worker: dispatched but never DONE
func (t *Task) Outcome() Outcome {
	switch {
	case t.WhenDone > 0:
		return OutcomeDone
	case t.WhenRunning == 0 && t.WhenReady > 0:
		return OutcomeFailedOnManager
	case t.WhenRunning > 0:
		return OutcomeFailedOnWorker
	default:
		return OutcomeUnknown
	}
}

// IsDone reports whether the attempt reached the done state.
func (t *Task) IsDone() bool {
	return t.Outcome() == OutcomeDone
}
