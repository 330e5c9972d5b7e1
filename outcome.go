package stagez

import "time"

// Status is the terminal state of a run.
type Status int

// Run states.
const (
	Pending Status = iota
	Succeeded
	Failed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the terminal value of a run.
type Outcome struct {
	Item     Item
	Failure  *StageFailure // set when Status is Failed
	Status   Status
	Stages   int           // number of stages reached, including a failed one
	Duration time.Duration // time from the start of the run to its terminal value
}

// Err returns the stage failure as an error, or nil unless the run failed.
func (o Outcome) Err() error {
	if o.Status != Failed || o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o.Status == Succeeded || o.Status == Failed
}
