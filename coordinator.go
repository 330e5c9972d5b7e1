package stagez

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Coordinator.
const (
	// Metrics.
	CoordinatorBatchesTotal   = metricz.Key("coordinator.batches.total")
	CoordinatorRejectedTotal  = metricz.Key("coordinator.rejected.total")
	CoordinatorRunsTotal      = metricz.Key("coordinator.runs.total")
	CoordinatorSuccessesTotal = metricz.Key("coordinator.successes.total")
	CoordinatorFailuresTotal  = metricz.Key("coordinator.failures.total")
	CoordinatorDiscardedTotal = metricz.Key("coordinator.discarded.total")
	CoordinatorPanicsTotal    = metricz.Key("coordinator.panics.total")
	CoordinatorRunsActive     = metricz.Key("coordinator.runs.active")
	CoordinatorBatchSize      = metricz.Key("coordinator.batch.size")
	CoordinatorElapsedMs      = metricz.Key("coordinator.elapsed.ms")

	// Spans.
	CoordinatorExecuteSpan = tracez.Key("coordinator.execute")
	CoordinatorRunSpan     = tracez.Key("coordinator.run")

	// Tags.
	CoordinatorTagBatchID = tracez.Tag("coordinator.batch_id")
	CoordinatorTagMode    = tracez.Tag("coordinator.mode")
	CoordinatorTagItems   = tracez.Tag("coordinator.items")
	CoordinatorTagItem    = tracez.Tag("coordinator.item")
	CoordinatorTagWinner  = tracez.Tag("coordinator.winner")
	CoordinatorTagSuccess = tracez.Tag("coordinator.success")
	CoordinatorTagError   = tracez.Tag("coordinator.error")

	// Hook event keys.
	CoordinatorEventBatchStarted  = hookz.Key("coordinator.batch_started")
	CoordinatorEventBatchRejected = hookz.Key("coordinator.batch_rejected")
	CoordinatorEventRunComplete   = hookz.Key("coordinator.run_complete")
	CoordinatorEventRunDiscarded  = hookz.Key("coordinator.run_discarded")
	CoordinatorEventBatchComplete = hookz.Key("coordinator.batch_complete")
)

// State is the lifecycle state of a Coordinator.
type State int

// Coordinator states. A coordinator moves Idle -> Running -> Completed, and back to
// Idle on Reset. Execute is accepted from Idle and Completed.
const (
	Idle State = iota
	Running
	Completed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// BatchEvent is emitted via hookz across the batch lifecycle.
type BatchEvent struct {
	Coordinator Name          // Coordinator name
	BatchID     string        // Batch identifier
	Mode        Mode          // Execution mode
	Items       int           // Number of items in the batch
	Item        Item          // Item of a run event
	Outcome     *Outcome      // Outcome of a run event
	Result      *BatchResult  // Result (batch_complete only)
	Err         error         // Rejection reason (batch_rejected only)
	Elapsed     time.Duration // Time since the batch started
	Timestamp   time.Time     // When the event occurred
}

// BatchResult is the aggregate outcome of a batch.
type BatchResult struct {
	ID        string
	Items     []Item    // snapshot taken at submission
	Outcomes  []Outcome // launch order; RaceFirst holds only the first terminal outcome
	StartedAt time.Time
	Elapsed   time.Duration // start of Execute to the mode's completion condition
	Mode      Mode
}

// PerItem maps each reported item to its outcome. Duplicate items collapse to the
// last outcome.
func (r *BatchResult) PerItem() map[Item]Outcome {
	m := make(map[Item]Outcome, len(r.Outcomes))
	for _, o := range r.Outcomes {
		m[o.Item] = o
	}
	return m
}

// Succeeded counts successful outcomes.
func (r *BatchResult) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == Succeeded {
			n++
		}
	}
	return n
}

// Failed counts failed outcomes.
func (r *BatchResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == Failed {
			n++
		}
	}
	return n
}

// Err joins every stage failure in the result, or returns nil when all runs succeeded.
func (r *BatchResult) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if err := o.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Coordinator launches batches of pipelines under an execution mode.
//
// Only one batch runs at a time per coordinator; Execute returns a *BusyError while
// one is in flight. Independent coordinators share nothing and may run concurrently.
//
// Runs in a batch never share state except through their status sink. A failed run
// never aborts its siblings.
//
// Under RaceFirst the losing runs are detached rather than canceled. Their outcomes are
// received and discarded, status updates they produce after the race is decided are
// suppressed, and panics are recovered. Wait blocks until they have all finished.
//
// # Observability
//
// Metrics:
//   - coordinator.batches.total / rejected.total: accepted and busy-rejected batches
//   - coordinator.runs.total / successes.total / failures.total: run counters
//   - coordinator.discarded.total: RaceFirst outcomes discarded
//   - coordinator.panics.total: pipelines that panicked
//   - coordinator.runs.active: gauge of runs in flight, detached ones included
//   - coordinator.batch.size / elapsed.ms: gauges for the last batch
//
// Traces:
//   - coordinator.execute: parent span for a batch
//   - coordinator.run: child span for each run
//
// Events (via hooks):
//   - coordinator.batch_started, batch_rejected, run_complete, run_discarded,
//     batch_complete
type Coordinator struct {
	clock    clockz.Clock
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
	hooks    *hookz.Hooks[BatchEvent]
	last     *BatchResult
	since    time.Time
	name     Name
	batchID  string
	detached detachedRuns
	active   atomic.Int64
	workers  int
	state    State
	mu       sync.Mutex
}

// NewCoordinator creates an idle Coordinator with unbounded fan-out and the real clock.
func NewCoordinator(name Name) *Coordinator {
	metrics := metricz.New()
	metrics.Counter(CoordinatorBatchesTotal)
	metrics.Counter(CoordinatorRejectedTotal)
	metrics.Counter(CoordinatorRunsTotal)
	metrics.Counter(CoordinatorSuccessesTotal)
	metrics.Counter(CoordinatorFailuresTotal)
	metrics.Counter(CoordinatorDiscardedTotal)
	metrics.Counter(CoordinatorPanicsTotal)
	metrics.Gauge(CoordinatorRunsActive)
	metrics.Gauge(CoordinatorBatchSize)
	metrics.Gauge(CoordinatorElapsedMs)

	return &Coordinator{
		name:    name,
		clock:   clockz.RealClock,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[BatchEvent](),
	}
}

// Execute launches one pipeline per item under mode and waits for the mode's
// completion condition.
//
// The item slice is copied before anything starts, so later changes by the caller do
// not reach the batch. Duplicates are not removed. Execute returns a *ConfigError for
// empty items, a nil factory or an unknown mode, and a *BusyError while another batch
// is running. In both cases no run is launched.
//
// Stage failures are reported in the result, never as the returned error.
func (c *Coordinator) Execute(ctx context.Context, items []Item, mode Mode, factory PipelineFactory) (*BatchResult, error) {
	switch {
	case len(items) == 0:
		return nil, &ConfigError{Op: "execute", Field: "items", Err: ErrEmptyBatch}
	case factory == nil:
		return nil, &ConfigError{Op: "execute", Field: "factory", Err: ErrNilFactory}
	case !mode.Valid():
		return nil, &ConfigError{Op: "execute", Field: "mode", Err: fmt.Errorf("%w: %v", ErrUnknownMode, mode)}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	clock := c.getClock()
	if c.state == Running {
		busy := &BusyError{Coordinator: c.name, BatchID: c.batchID, Since: c.since}
		c.mu.Unlock()

		c.metrics.Counter(CoordinatorRejectedTotal).Inc()
		_ = c.hooks.Emit(ctx, CoordinatorEventBatchRejected, BatchEvent{ //nolint:errcheck
			Coordinator: c.name,
			BatchID:     busy.BatchID,
			Mode:        mode,
			Items:       len(items),
			Err:         busy,
			Timestamp:   clock.Now(),
		})
		return nil, busy
	}
	snapshot := slices.Clone(items)
	workers := c.workers
	id := uuid.NewString()
	start := clock.Now()
	c.state = Running
	c.batchID = id
	c.since = start
	c.mu.Unlock()

	result := &BatchResult{
		ID:        id,
		Mode:      mode,
		Items:     snapshot,
		StartedAt: start,
	}

	c.metrics.Counter(CoordinatorBatchesTotal).Inc()
	c.metrics.Gauge(CoordinatorBatchSize).Set(float64(len(snapshot)))

	ctx, span := c.tracer.StartSpan(ctx, CoordinatorExecuteSpan)
	span.SetTag(CoordinatorTagBatchID, id)
	span.SetTag(CoordinatorTagMode, mode.String())
	span.SetTag(CoordinatorTagItems, strconv.Itoa(len(snapshot)))
	defer func() {
		c.metrics.Gauge(CoordinatorElapsedMs).Set(float64(result.Elapsed.Milliseconds()))
		span.SetTag(CoordinatorTagSuccess, strconv.FormatBool(result.Failed() == 0))
		span.Finish()

		c.mu.Lock()
		c.state = Completed
		c.last = result
		c.mu.Unlock()

		_ = c.hooks.Emit(ctx, CoordinatorEventBatchComplete, BatchEvent{ //nolint:errcheck
			Coordinator: c.name,
			BatchID:     id,
			Mode:        mode,
			Items:       len(snapshot),
			Result:      result,
			Elapsed:     result.Elapsed,
			Timestamp:   clock.Now(),
		})
	}()

	_ = c.hooks.Emit(ctx, CoordinatorEventBatchStarted, BatchEvent{ //nolint:errcheck
		Coordinator: c.name,
		BatchID:     id,
		Mode:        mode,
		Items:       len(snapshot),
		Timestamp:   start,
	})

	var sem chan struct{}
	if workers > 0 {
		sem = make(chan struct{}, workers)
	}

	b := batch{
		coordinator: c,
		id:          id,
		mode:        mode,
		items:       snapshot,
		factory:     factory,
		clock:       clock,
		start:       start,
		sem:         sem,
	}

	switch mode {
	case Parallel:
		result.Outcomes = b.parallel(ctx)
	case Sequential:
		result.Outcomes = b.sequential(ctx)
	case RaceFirst:
		winner := b.race(ctx)
		span.SetTag(CoordinatorTagWinner, winner.Item)
		result.Outcomes = []Outcome{winner}
	}
	result.Elapsed = clock.Since(start)

	return result, nil
}

// batch carries the per-Execute state shared by the mode strategies.
type batch struct {
	coordinator *Coordinator
	factory     PipelineFactory
	clock       clockz.Clock
	start       time.Time
	sem         chan struct{}
	id          string
	items       []Item
	mode        Mode
}

// parallel launches every run and joins on all of them.
func (b batch) parallel(ctx context.Context) []Outcome {
	outcomes := make([]Outcome, len(b.items))

	var wg sync.WaitGroup
	wg.Add(len(b.items))
	for i, item := range b.items {
		go func(idx int, item Item) {
			defer wg.Done()
			release := b.acquire()
			defer release()

			outcomes[idx] = b.run(ctx, item)
			b.emit(ctx, CoordinatorEventRunComplete, item, outcomes[idx])
		}(i, item)
	}
	wg.Wait()

	return outcomes
}

// sequential drives runs one after another on the calling goroutine.
func (b batch) sequential(ctx context.Context) []Outcome {
	outcomes := make([]Outcome, 0, len(b.items))
	for _, item := range b.items {
		outcome := b.run(ctx, item)
		b.emit(ctx, CoordinatorEventRunComplete, item, outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// race launches every run detached and returns the first terminal outcome. The rest
// are drained in the background and discarded.
func (b batch) race(ctx context.Context) Outcome {
	c := b.coordinator

	// Losers outlive Execute, so the caller's cancellation must not reach them.
	gate := new(atomic.Bool)
	runCtx := withGate(context.WithoutCancel(ctx), gate)

	results := make(chan Outcome, len(b.items))
	c.detached.add(len(b.items) + 1)
	for _, item := range b.items {
		go func(item Item) {
			defer c.detached.done()
			release := b.acquire()
			defer release()

			results <- b.run(runCtx, item)
		}(item)
	}

	winner := <-results
	gate.Store(true)
	b.emit(ctx, CoordinatorEventRunComplete, winner.Item, winner)

	go func(remaining int) {
		defer c.detached.done()
		for range remaining {
			loser := <-results
			c.metrics.Counter(CoordinatorDiscardedTotal).Inc()
			b.emit(runCtx, CoordinatorEventRunDiscarded, loser.Item, loser)
		}
	}(len(b.items) - 1)

	return winner
}

// run drives a single pipeline, converting a panic into a failed outcome.
func (b batch) run(ctx context.Context, item Item) (outcome Outcome) {
	c := b.coordinator

	ctx, span := c.tracer.StartSpan(ctx, CoordinatorRunSpan)
	span.SetTag(CoordinatorTagBatchID, b.id)
	span.SetTag(CoordinatorTagItem, item)

	c.metrics.Counter(CoordinatorRunsTotal).Inc()
	c.metrics.Gauge(CoordinatorRunsActive).Set(float64(c.active.Add(1)))
	defer func() {
		if r := recover(); r != nil {
			c.metrics.Counter(CoordinatorPanicsTotal).Inc()
			outcome = Outcome{
				Item:   item,
				Status: Failed,
				Failure: &StageFailure{
					Item:      item,
					Reason:    fmt.Sprintf("panic: %v", r),
					Index:     -1,
					Timestamp: b.clock.Now(),
				},
			}
		}
		c.metrics.Gauge(CoordinatorRunsActive).Set(float64(c.active.Add(-1)))

		if outcome.Status == Succeeded {
			c.metrics.Counter(CoordinatorSuccessesTotal).Inc()
			span.SetTag(CoordinatorTagSuccess, "true")
		} else {
			c.metrics.Counter(CoordinatorFailuresTotal).Inc()
			span.SetTag(CoordinatorTagSuccess, "false")
			if err := outcome.Err(); err != nil {
				span.SetTag(CoordinatorTagError, err.Error())
			}
		}
		span.Finish()
	}()

	outcome = b.factory(item)(ctx)
	if outcome.Item == "" {
		outcome.Item = item
	}
	return outcome
}

// acquire takes a worker slot when fan-out is bounded.
func (b batch) acquire() func() {
	if b.sem == nil {
		return func() {}
	}
	b.sem <- struct{}{}
	return func() { <-b.sem }
}

func (b batch) emit(ctx context.Context, key hookz.Key, item Item, outcome Outcome) {
	_ = b.coordinator.hooks.Emit(ctx, key, BatchEvent{ //nolint:errcheck
		Coordinator: b.coordinator.name,
		BatchID:     b.id,
		Mode:        b.mode,
		Items:       len(b.items),
		Item:        item,
		Outcome:     &outcome,
		Elapsed:     b.clock.Since(b.start),
		Timestamp:   b.clock.Now(),
	})
}

// Wait blocks until every detached RaceFirst run has finished or ctx ends. A batch
// detached while earlier runs are still draining extends the wait.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.detached.drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detachedRuns counts runs that outlive Execute. The drain channel is closed when
// the count reaches zero and replaced on the next add.
type detachedRuns struct {
	ch chan struct{}
	n  int
	mu sync.Mutex
}

func (d *detachedRuns) add(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == 0 {
		d.ch = make(chan struct{})
	}
	d.n += n
}

func (d *detachedRuns) done() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n--
	if d.n == 0 {
		close(d.ch)
	}
}

// drained returns a channel closed once no detached runs remain.
func (d *detachedRuns) drained() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == 0 {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return d.ch
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the most recent completed batch, or nil.
func (c *Coordinator) Last() *BatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Reset returns a completed coordinator to Idle and forgets the last result.
// It returns a *BusyError while a batch is running.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running {
		return &BusyError{Coordinator: c.name, BatchID: c.batchID, Since: c.since}
	}
	c.state = Idle
	c.last = nil
	return nil
}

// Name returns the name of this coordinator.
func (c *Coordinator) Name() Name {
	return c.name
}

// WithWorkers bounds how many runs of a Parallel or RaceFirst batch are in flight at
// once. Zero or less means unbounded.
func (c *Coordinator) WithWorkers(workers int) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if workers < 0 {
		workers = 0
	}
	c.workers = workers
	return c
}

// WithClock sets a custom clock for testing.
func (c *Coordinator) WithClock(clock clockz.Clock) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

func (c *Coordinator) getClock() clockz.Clock {
	if c.clock == nil {
		return clockz.RealClock
	}
	return c.clock
}

// Metrics returns the metrics registry for this coordinator.
func (c *Coordinator) Metrics() *metricz.Registry {
	return c.metrics
}

// Tracer returns the tracer for this coordinator.
func (c *Coordinator) Tracer() *tracez.Tracer {
	return c.tracer
}

// Close releases the tracer and hook handlers. Detached runs keep going; call Wait
// first to let them finish.
func (c *Coordinator) Close() error {
	if c.tracer != nil {
		c.tracer.Close()
	}
	c.hooks.Close()
	return nil
}

// OnBatchStarted registers a handler called asynchronously when a batch is accepted.
func (c *Coordinator) OnBatchStarted(handler func(context.Context, BatchEvent) error) error {
	_, err := c.hooks.Hook(CoordinatorEventBatchStarted, handler)
	return err
}

// OnBatchRejected registers a handler called asynchronously when Execute is refused
// because a batch is already running.
func (c *Coordinator) OnBatchRejected(handler func(context.Context, BatchEvent) error) error {
	_, err := c.hooks.Hook(CoordinatorEventBatchRejected, handler)
	return err
}

// OnRunComplete registers a handler called asynchronously for every outcome that
// counts toward a batch.
func (c *Coordinator) OnRunComplete(handler func(context.Context, BatchEvent) error) error {
	_, err := c.hooks.Hook(CoordinatorEventRunComplete, handler)
	return err
}

// OnRunDiscarded registers a handler called asynchronously for every RaceFirst loser
// once it finishes.
func (c *Coordinator) OnRunDiscarded(handler func(context.Context, BatchEvent) error) error {
	_, err := c.hooks.Hook(CoordinatorEventRunDiscarded, handler)
	return err
}

// OnBatchComplete registers a handler called asynchronously when a batch completes.
func (c *Coordinator) OnBatchComplete(handler func(context.Context, BatchEvent) error) error {
	_, err := c.hooks.Hook(CoordinatorEventBatchComplete, handler)
	return err
}

type gateKey struct{}

// withGate marks ctx so the engine drops status updates once the gate closes.
func withGate(ctx context.Context, gate *atomic.Bool) context.Context {
	return context.WithValue(ctx, gateKey{}, gate)
}

func gateFrom(ctx context.Context) *atomic.Bool {
	gate, _ := ctx.Value(gateKey{}).(*atomic.Bool)
	return gate
}
