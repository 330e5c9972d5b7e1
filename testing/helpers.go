// Package testing provides test utilities for stagez-based applications.
//
// It includes a step-driven clock for deterministic latency tests, a scripted random
// source for failure and latency draws, a recording status sink, a mock pipeline
// factory and assertion helpers for status sequences.
//
// Example usage:
//
//	func TestOrder(t *testing.T) {
//		clock := stageztest.NewStepClock()
//		sink := stageztest.NewRecordingSink()
//		engine, _ := stagez.NewEngine("orders", stagez.DeliveryStages()...)
//		engine.WithClock(clock).WithFailures(false)
//
//		done := make(chan stagez.Outcome, 1)
//		go func() { done <- engine.Run(context.Background(), "Burger", sink.Sink()) }()
//		for range 4 {
//			clock.Step(t, 1)
//		}
//
//		outcome := <-done
//		require.Equal(t, stagez.Succeeded, outcome.Status)
//	}
package testing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/stagez"
)

// DefaultStepTimeout bounds how long StepClock waits for runs to reach their next wait.
const DefaultStepTimeout = 5 * time.Second

type fakeClock interface {
	clockz.Clock
	Advance(time.Duration)
	BlockUntilReady()
}

var _ clockz.Clock = (*StepClock)(nil)

// StepClock is a fake clock that reports every After call, so a test can wait until
// all runs are parked on a latency before advancing time.
type StepClock struct {
	clockz.Clock
	fake    fakeClock
	waits   chan time.Duration
	timeout time.Duration
}

// NewStepClock creates a StepClock backed by a clockz fake clock.
func NewStepClock() *StepClock {
	fake := clockz.NewFakeClock()
	return &StepClock{
		Clock:   fake,
		fake:    fake,
		waits:   make(chan time.Duration, 4096),
		timeout: DefaultStepTimeout,
	}
}

// WithStepTimeout changes how long AwaitWaiters blocks before failing the test.
func (c *StepClock) WithStepTimeout(d time.Duration) *StepClock {
	c.timeout = d
	return c
}

// After registers a timer on the fake clock and records the wait.
func (c *StepClock) After(d time.Duration) <-chan time.Time {
	ch := c.fake.After(d)
	c.waits <- d
	return ch
}

// AwaitWaiters blocks until n further After calls have been made and returns their
// durations in call order.
func (c *StepClock) AwaitWaiters(t testing.TB, n int) []time.Duration {
	t.Helper()
	got := make([]time.Duration, 0, n)
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	for len(got) < n {
		select {
		case d := <-c.waits:
			got = append(got, d)
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d waiters, saw %d", n, len(got))
			return got
		}
	}
	return got
}

// Pending reports how many recorded waits have not been consumed by AwaitWaiters.
func (c *StepClock) Pending() int {
	return len(c.waits)
}

// Advance moves fake time forward and waits until fired timers are delivered.
func (c *StepClock) Advance(d time.Duration) {
	c.fake.Advance(d)
	c.fake.BlockUntilReady()
}

// Step waits for n waiters and advances time by the longest of their durations.
func (c *StepClock) Step(t testing.TB, n int) time.Duration {
	t.Helper()
	waits := c.AwaitWaiters(t, n)
	longest := slices.Max(waits)
	c.Advance(longest)
	return longest
}

// ScriptedRandom returns scripted values in order, then the fallback value forever.
// It is safe for concurrent use.
type ScriptedRandom struct {
	values   []float64
	fallback float64
	calls    int
	mu       sync.Mutex
}

// NewScriptedRandom creates a source that yields values, then fallback.
func NewScriptedRandom(fallback float64, values ...float64) *ScriptedRandom {
	return &ScriptedRandom{values: slices.Clone(values), fallback: fallback}
}

// Float64 returns the next scripted value.
func (r *ScriptedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.values) {
		return r.values[i]
	}
	return r.fallback
}

// Calls returns how many values have been drawn.
func (r *ScriptedRandom) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Always returns a source that yields v on every draw.
func Always(v float64) stagez.Random {
	return stagez.RandomFunc(func() float64 { return v })
}

// Update is one status update seen by a RecordingSink.
type Update struct {
	Item   stagez.Item
	Status string
	Seq    int
}

// RecordingSink records every status update in arrival order.
type RecordingSink struct {
	updates []Update
	mu      sync.Mutex
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Sink returns the StatusSink that feeds this recorder.
func (s *RecordingSink) Sink() stagez.StatusSink {
	return s.Record
}

// Record appends an update.
func (s *RecordingSink) Record(item stagez.Item, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, Update{Item: item, Status: status, Seq: len(s.updates)})
}

// Updates returns a copy of every update.
func (s *RecordingSink) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.updates)
}

// For returns the statuses reported for item, in order.
func (s *RecordingSink) For(item stagez.Item) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.updates {
		if u.Item == item {
			out = append(out, u.Status)
		}
	}
	return out
}

// Count returns the number of updates recorded.
func (s *RecordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// MockFactory builds pipelines with configured outcomes and tracks which items were run.
type MockFactory struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t         *testing.T
	clock     clockz.Clock
	failures  map[stagez.Item]string
	delays    map[stagez.Item]time.Duration
	panicMsg  string
	items     []stagez.Item
	callCount int64
	mu        sync.Mutex
}

// NewMockFactory creates a factory whose pipelines succeed immediately.
func NewMockFactory(t *testing.T) *MockFactory {
	return &MockFactory{
		t:        t,
		clock:    clockz.RealClock,
		failures: make(map[stagez.Item]string),
		delays:   make(map[stagez.Item]time.Duration),
	}
}

// WithFailure makes runs of item fail with reason.
func (m *MockFactory) WithFailure(item stagez.Item, reason string) *MockFactory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[item] = reason
	return m
}

// WithClock sets the clock that configured delays wait on.
func (m *MockFactory) WithClock(clock clockz.Clock) *MockFactory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// WithDelay makes runs of item wait d on the factory's clock before finishing.
func (m *MockFactory) WithDelay(item stagez.Item, d time.Duration) *MockFactory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[item] = d
	return m
}

// WithPanic makes every run panic with msg.
func (m *MockFactory) WithPanic(msg string) *MockFactory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
	return m
}

// Factory returns the PipelineFactory.
func (m *MockFactory) Factory() stagez.PipelineFactory {
	return func(item stagez.Item) stagez.Pipeline {
		return func(ctx context.Context) stagez.Outcome {
			atomic.AddInt64(&m.callCount, 1)

			m.mu.Lock()
			m.items = append(m.items, item)
			reason, fails := m.failures[item]
			delay := m.delays[item]
			clock := m.clock
			panicMsg := m.panicMsg
			m.mu.Unlock()

			if panicMsg != "" {
				panic(panicMsg)
			}

			if delay > 0 {
				select {
				case <-clock.After(delay):
				case <-ctx.Done():
					return stagez.Outcome{
						Item:    item,
						Status:  stagez.Failed,
						Failure: &stagez.StageFailure{Item: item, Reason: ctx.Err().Error(), Canceled: true},
					}
				}
			}

			if fails {
				return stagez.Outcome{
					Item:    item,
					Status:  stagez.Failed,
					Stages:  1,
					Failure: &stagez.StageFailure{Item: item, Stage: "mock", Reason: reason},
				}
			}
			return stagez.Outcome{Item: item, Status: stagez.Succeeded, Stages: 1}
		}
	}
}

// CallCount returns how many pipelines have started.
func (m *MockFactory) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// Items returns the items run so far, in start order.
func (m *MockFactory) Items() []stagez.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.items)
}

// Assertion Helpers

// AssertStatusSequence verifies that got is a valid report for a run over stages:
// a prefix of the success labels, optionally followed by exactly one failure label
// of the next stage.
func AssertStatusSequence(t testing.TB, stages []stagez.Stage, got []string) {
	t.Helper()
	if err := CheckStatusSequence(stages, got); err != nil {
		t.Errorf("invalid status sequence %q: %v", got, err)
	}
}

// CheckStatusSequence is the non-failing form of AssertStatusSequence.
func CheckStatusSequence(stages []stagez.Stage, got []string) error {
	if len(got) > len(stages) {
		return fmt.Errorf("%d updates for %d stages", len(got), len(stages))
	}
	for i, status := range got {
		stage := stages[i]
		switch status {
		case stage.SuccessLabel:
		case stage.FailureLabel:
			if i != len(got)-1 {
				return fmt.Errorf("update after failure at stage %d", i+1)
			}
		default:
			return fmt.Errorf("unexpected status %q at stage %d", status, i+1)
		}
	}
	return nil
}

// AssertOutcome verifies the status and reached stage count of an outcome.
func AssertOutcome(t testing.TB, outcome stagez.Outcome, status stagez.Status, stages int) {
	t.Helper()
	if outcome.Status != status {
		t.Errorf("expected %s outcome for %s, got %s", status, outcome.Item, outcome.Status)
	}
	if outcome.Stages != stages {
		t.Errorf("expected %s to reach %d stages, reached %d", outcome.Item, stages, outcome.Stages)
	}
}

// Helper Functions

// WaitForUpdates waits for a recording sink to hold at least n updates.
func WaitForUpdates(sink *RecordingSink, n int, timeout time.Duration) bool {
	start := time.Now()
	for time.Since(start) < timeout {
		if sink.Count() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ParallelTest runs testFunc on several goroutines and waits for all of them.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}
	wg.Wait()
}
