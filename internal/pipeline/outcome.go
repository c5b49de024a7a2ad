package pipeline

import "fmt"

// OutcomeKind tags the result of handling one job. Expected results
// like "rate limited" or "already picked up" are values here, not
// errors.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
)

// Outcome is the per-job result routed back into the queue.
type Outcome struct {
	Kind     OutcomeKind
	Action   string // completed: action recorded in the ledger
	Category string // completed: classifier category
	Reason   string // skipped: why nothing was done
	Err      error  // failed: what went wrong
	Terminal bool   // failed: no retries (e.g. message vanished)
}

// Completed builds a completion outcome.
func Completed(action, category string) Outcome {
	return Outcome{Kind: OutcomeCompleted, Action: action, Category: category}
}

// Skipped builds a no-op outcome.
func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

// Failed builds a failure outcome; terminal failures skip retries.
func Failed(err error, terminal bool) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err, Terminal: terminal}
}

// Summary is the human-readable result stored on the completed job.
func (o Outcome) Summary() string {
	switch o.Kind {
	case OutcomeCompleted:
		if o.Category != "" {
			return fmt.Sprintf("%s (category: %s)", o.Action, o.Category)
		}
		return o.Action
	case OutcomeSkipped:
		return "skipped: " + o.Reason
	default:
		if o.Err != nil {
			return o.Err.Error()
		}
		return "failed"
	}
}
