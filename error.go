package stagez

import (
	"errors"
	"fmt"
	"time"
)

// Configuration and lifecycle errors.
var (
	ErrBusy         = errors.New("coordinator is busy")
	ErrNoStages     = errors.New("no stages provided")
	ErrInvalidStage = errors.New("invalid stage")
	ErrEmptyBatch   = errors.New("batch has no items")
	ErrNilFactory   = errors.New("pipeline factory is nil")
	ErrUnknownMode  = errors.New("unknown execution mode")
)

// StageFailure describes a run that stopped at a stage. It is produced by the engine
// as a normal outcome, never thrown.
type StageFailure struct {
	Item      Item
	Stage     Name
	Reason    string
	Index     int       // zero-based position of the failed stage
	Timestamp time.Time // when the failure was decided
	Canceled  bool      // the run's context ended during a latency wait
}

// Error implements the error interface.
func (f *StageFailure) Error() string {
	if f.Canceled {
		return fmt.Sprintf("%s: canceled during stage %q: %s", f.Item, f.Stage, f.Reason)
	}
	return fmt.Sprintf("%s: stage %q failed: %s", f.Item, f.Stage, f.Reason)
}

// BusyError is returned by Coordinator.Execute while another batch is running on the
// same coordinator. The running batch is unaffected.
type BusyError struct {
	Coordinator Name
	BatchID     string    // the batch in flight
	Since       time.Time // when the batch in flight started
}

// Error implements the error interface.
func (e *BusyError) Error() string {
	return fmt.Sprintf("coordinator %q is busy with batch %s", e.Coordinator, e.BatchID)
}

// Is reports whether target is ErrBusy.
func (*BusyError) Is(target error) bool {
	return target == ErrBusy
}

// ConfigError reports a contract violation detected before any run was launched.
type ConfigError struct {
	Op    string // "stage", "engine" or "execute"
	Field string
	Err   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Field, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *ConfigError) Unwrap() error {
	return e.Err
}
