package stagez

import (
	"fmt"
	"time"
)

// Stage names used by the presets.
const (
	ConfirmationStage Name = "confirmation"
	PreparationStage  Name = "preparation"
	PickupStage       Name = "pickup"
	DeliveryStage     Name = "delivery"
	FetchStage        Name = "fetch"
	FoundStage        Name = "found"
	TimerStage        Name = "timer"
	SettleStage       Name = "settle"
)

// DefaultFailureRate is the per-stage failure probability of DeliveryStages.
const DefaultFailureRate = 0.15

// Stage is one step of a pipeline. A run reaching the stage fails with probability
// FailureRate; otherwise it reports SuccessLabel and waits a latency drawn uniformly
// from [MinLatency, MaxLatency] before moving on.
type Stage struct {
	Name         Name
	SuccessLabel string
	FailureLabel string
	FailureRate  float64
	MinLatency   time.Duration
	MaxLatency   time.Duration
}

// Validate checks the stage against its contract.
func (s Stage) Validate() error {
	switch {
	case s.Name == "":
		return stageError("name", "name is required")
	case s.FailureRate < 0 || s.FailureRate > 1:
		return stageError("failure_rate", "failure rate %v outside [0,1]", s.FailureRate)
	case s.MinLatency < 0:
		return stageError("min_latency", "negative latency %v", s.MinLatency)
	case s.MinLatency > s.MaxLatency:
		return stageError("max_latency", "min latency %v exceeds max latency %v", s.MinLatency, s.MaxLatency)
	case s.SuccessLabel == "":
		return stageError("success_label", "success label is required")
	case s.FailureLabel == "":
		return stageError("failure_label", "failure label is required")
	}
	return nil
}

func stageError(field, format string, args ...any) error {
	return &ConfigError{
		Op:    "stage",
		Field: field,
		Err:   fmt.Errorf("%w: "+format, append([]any{ErrInvalidStage}, args...)...),
	}
}

// ValidateStages checks a whole stage table.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return &ConfigError{Op: "engine", Field: "stages", Err: ErrNoStages}
	}
	for i, s := range stages {
		if err := s.Validate(); err != nil {
			if cfgErr, ok := err.(*ConfigError); ok {
				cfgErr.Field = fmt.Sprintf("stages[%d].%s", i, cfgErr.Field)
			}
			return err
		}
	}
	return nil
}

// DeliveryStages returns the food delivery pipeline: the restaurant confirms, prepares,
// a courier picks up and delivers. Each step fails 15% of the time and takes 2-6s.
func DeliveryStages() []Stage {
	stage := func(name Name, success, failure string) Stage {
		return Stage{
			Name:         name,
			SuccessLabel: success,
			FailureLabel: failure,
			FailureRate:  DefaultFailureRate,
			MinLatency:   2 * time.Second,
			MaxLatency:   6 * time.Second,
		}
	}
	return []Stage{
		stage(ConfirmationStage, "Confirmed.", "Rejected."),
		stage(PreparationStage, "Preparing.", "Incomplete."),
		stage(PickupStage, "On way.", "No pickup."),
		stage(DeliveryStage, "Complete!", "Lost."),
	}
}

// FetchStages returns a lookup that never fails: the item is searched for 1-4s, then
// reported found.
func FetchStages() []Stage {
	return []Stage{
		{
			Name:         FetchStage,
			SuccessLabel: "Searching...",
			FailureLabel: "Not found.",
			MinLatency:   time.Second,
			MaxLatency:   4 * time.Second,
		},
		{
			Name:         FoundStage,
			SuccessLabel: "Found.",
			FailureLabel: "Not found.",
		},
	}
}

// TimerStages returns a timer that stays pending for exactly d, then settles.
func TimerStages(d time.Duration) []Stage {
	return []Stage{
		{
			Name:         TimerStage,
			SuccessLabel: "Pending",
			FailureLabel: "Rejected",
			MinLatency:   d,
			MaxLatency:   d,
		},
		{
			Name:         SettleStage,
			SuccessLabel: "Fulfilled",
			FailureLabel: "Rejected",
		},
	}
}
