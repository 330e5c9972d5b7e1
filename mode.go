package stagez

import (
	"fmt"
	"strings"
)

// Mode selects how a batch schedules its runs and when it is complete.
type Mode int

// Execution modes.
const (
	// Parallel launches every run at once and completes when all are terminal.
	Parallel Mode = iota
	// Sequential starts each run only after the previous one is terminal.
	Sequential
	// RaceFirst launches every run at once and completes at the first terminal outcome.
	// Losing runs are not canceled; their results are discarded.
	RaceFirst
)

// Modes lists every mode in display order.
var Modes = []Mode{Parallel, Sequential, RaceFirst}

// String returns the canonical mode name.
func (m Mode) String() string {
	switch m {
	case Parallel:
		return "parallel"
	case Sequential:
		return "sequential"
	case RaceFirst:
		return "race-first"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m >= Parallel && m <= RaceFirst
}

// Next cycles to the following mode.
func (m Mode) Next() Mode {
	return Modes[(int(m)+1)%len(Modes)]
}

// ParseMode resolves a mode name. It accepts the canonical names plus "linear",
// "race" and "first-found".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parallel", "all":
		return Parallel, nil
	case "sequential", "linear":
		return Sequential, nil
	case "race-first", "race", "first-found", "first":
		return RaceFirst, nil
	}
	return 0, &ConfigError{Op: "execute", Field: "mode", Err: fmt.Errorf("%w: %q", ErrUnknownMode, s)}
}
