package workflow

import "github.com/songzhibin97/stepflow/types"

// Outcome classifies how an engine call ended.
type Outcome int

const (
	// OutcomeOK means the call finished normally.
	OutcomeOK Outcome = iota
	// OutcomeRecoverable means an action failed; it was logged and the state stays at Result.Step.
	OutcomeRecoverable
	// OutcomeSoftStop means advancing stopped early: the hop ceiling was reached or
	// the transitions were ambiguous.
	OutcomeSoftStop
	// OutcomeQueued means the remaining action processing runs on the action queue.
	OutcomeQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeSoftStop:
		return "soft_stop"
	case OutcomeQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Result is the return value of the step-moving operations.
type Result struct {
	// Step is the step the state object ended on.
	Step    *types.Step
	Outcome Outcome
	// Hops is the number of automatic advances made in the call chain so far.
	Hops int
}
