package stagez

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Engine.
const (
	// Metrics.
	EngineRunsTotal        = metricz.Key("engine.runs.total")
	EngineSuccessesTotal   = metricz.Key("engine.successes.total")
	EngineFailuresTotal    = metricz.Key("engine.failures.total")
	EngineStagesPassed     = metricz.Key("engine.stages.passed.total")
	EngineSinkPanicsTotal  = metricz.Key("engine.sink.panics.total")
	EngineUpdatesDiscarded = metricz.Key("engine.updates.discarded.total")
	EngineRunsActive       = metricz.Key("engine.runs.active")
	EngineDurationMs       = metricz.Key("engine.duration.ms")

	// Spans.
	EngineRunSpan   = tracez.Key("engine.run")
	EngineStageSpan = tracez.Key("engine.stage")

	// Tags.
	EngineTagItem        = tracez.Tag("engine.item")
	EngineTagStageCount  = tracez.Tag("engine.stage_count")
	EngineTagStageName   = tracez.Tag("engine.stage_name")
	EngineTagStageNumber = tracez.Tag("engine.stage_number")
	EngineTagLatency     = tracez.Tag("engine.latency")
	EngineTagSuccess     = tracez.Tag("engine.success")
	EngineTagReason      = tracez.Tag("engine.reason")

	// Hook event keys.
	EngineEventStagePassed = hookz.Key("engine.stage_passed")
	EngineEventStageFailed = hookz.Key("engine.stage_failed")
	EngineEventRunComplete = hookz.Key("engine.run_complete")
)

// StageEvent is emitted via hookz as a run passes or fails a stage and when it
// reaches its terminal outcome.
type StageEvent struct {
	Engine      Name          // Engine name
	Item        Item          // Item being driven
	Stage       Name          // Stage name (empty for run_complete)
	Label       string        // Label sent to the status sink
	StageNumber int           // 1-based stage number
	TotalStages int           // Number of stages in the table
	Latency     time.Duration // Latency waited after a passed stage
	Outcome     *Outcome      // Terminal outcome (run_complete only)
	Timestamp   time.Time     // When the event occurred
}

// Engine drives items through a fixed stage table.
//
// The table is validated once at construction and never reordered. Every run draws a
// failure check per stage (when failures are enabled and the stage can fail) and a
// latency per passed stage (when the stage has a latency range). Both draws come from
// the injected Random, and waits go through the injected clock.
//
// # Observability
//
// Metrics:
//   - engine.runs.total / successes.total / failures.total: run counters
//   - engine.stages.passed.total: stages passed across all runs
//   - engine.sink.panics.total: status sink panics recovered
//   - engine.updates.discarded.total: status updates suppressed for abandoned runs
//   - engine.runs.active: gauge of runs in flight
//   - engine.duration.ms: gauge of the last run's duration
//
// Traces:
//   - engine.run: parent span for a run
//   - engine.stage: child span for each stage reached
//
// Events (via hooks):
//   - engine.stage_passed, engine.stage_failed, engine.run_complete
type Engine struct {
	clock    clockz.Clock
	random   Random
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
	hooks    *hookz.Hooks[StageEvent]
	name     Name
	stages   []Stage
	active   atomic.Int64
	mu       sync.RWMutex
	failures bool
}

// NewEngine validates the stage table and creates an Engine with failures enabled,
// the real clock and DefaultRandom.
func NewEngine(name Name, stages ...Stage) (*Engine, error) {
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}

	metrics := metricz.New()
	metrics.Counter(EngineRunsTotal)
	metrics.Counter(EngineSuccessesTotal)
	metrics.Counter(EngineFailuresTotal)
	metrics.Counter(EngineStagesPassed)
	metrics.Counter(EngineSinkPanicsTotal)
	metrics.Counter(EngineUpdatesDiscarded)
	metrics.Gauge(EngineRunsActive)
	metrics.Gauge(EngineDurationMs)

	return &Engine{
		name:     name,
		stages:   slices.Clone(stages),
		failures: true,
		clock:    clockz.RealClock,
		random:   DefaultRandom,
		metrics:  metrics,
		tracer:   tracez.New(),
		hooks:    hookz.New[StageEvent](),
	}, nil
}

// Run drives item through every stage and returns its terminal outcome.
//
// For each stage: when the failure check hits, the failure label is reported and the
// run ends as Failed at that stage. Otherwise the success label is reported and the run
// waits the stage latency before moving on. The sink is never called after the outcome
// is decided. If ctx ends during a wait, the run ends as Failed at the current stage
// with Canceled set.
func (e *Engine) Run(ctx context.Context, item Item, sink StatusSink) (outcome Outcome) {
	e.mu.RLock()
	stages := e.stages
	failures := e.failures
	clock := e.getClock()
	random := e.getRandom()
	e.mu.RUnlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if sink == nil {
		sink = Discard
	}

	e.metrics.Counter(EngineRunsTotal).Inc()
	e.metrics.Gauge(EngineRunsActive).Set(float64(e.active.Add(1)))
	start := clock.Now()

	ctx, span := e.tracer.StartSpan(ctx, EngineRunSpan)
	span.SetTag(EngineTagItem, item)
	span.SetTag(EngineTagStageCount, strconv.Itoa(len(stages)))

	outcome = Outcome{Item: item, Status: Pending}
	defer func() {
		outcome.Duration = clock.Since(start)
		e.metrics.Gauge(EngineRunsActive).Set(float64(e.active.Add(-1)))
		e.metrics.Gauge(EngineDurationMs).Set(float64(outcome.Duration.Milliseconds()))

		if outcome.Status == Succeeded {
			span.SetTag(EngineTagSuccess, "true")
			e.metrics.Counter(EngineSuccessesTotal).Inc()
		} else {
			span.SetTag(EngineTagSuccess, "false")
			e.metrics.Counter(EngineFailuresTotal).Inc()
			if outcome.Failure != nil {
				span.SetTag(EngineTagReason, outcome.Failure.Reason)
			}
		}
		span.Finish()

		final := outcome
		_ = e.hooks.Emit(ctx, EngineEventRunComplete, StageEvent{ //nolint:errcheck
			Engine:      e.name,
			Item:        item,
			StageNumber: final.Stages,
			TotalStages: len(stages),
			Outcome:     &final,
			Timestamp:   clock.Now(),
		})
	}()

	for i, stage := range stages {
		outcome.Stages = i + 1

		stageCtx, stageSpan := e.tracer.StartSpan(ctx, EngineStageSpan)
		stageSpan.SetTag(EngineTagStageName, stage.Name)
		stageSpan.SetTag(EngineTagStageNumber, strconv.Itoa(i+1))

		event := StageEvent{
			Engine:      e.name,
			Item:        item,
			Stage:       stage.Name,
			StageNumber: i + 1,
			TotalStages: len(stages),
		}

		if failures && stage.FailureRate > 0 && random.Float64() < stage.FailureRate {
			e.notify(ctx, item, stage.FailureLabel, sink)
			outcome.Status = Failed
			outcome.Failure = &StageFailure{
				Item:      item,
				Stage:     stage.Name,
				Reason:    stage.FailureLabel,
				Index:     i,
				Timestamp: clock.Now(),
			}
			stageSpan.SetTag(EngineTagSuccess, "false")
			stageSpan.SetTag(EngineTagReason, stage.FailureLabel)
			stageSpan.Finish()

			event.Label = stage.FailureLabel
			event.Timestamp = clock.Now()
			_ = e.hooks.Emit(ctx, EngineEventStageFailed, event) //nolint:errcheck
			return outcome
		}

		e.notify(ctx, item, stage.SuccessLabel, sink)

		latency := stage.MinLatency
		if stage.MaxLatency > stage.MinLatency {
			latency = drawLatency(random.Float64(), stage.MinLatency, stage.MaxLatency)
		}
		stageSpan.SetTag(EngineTagLatency, latency.String())

		if err := wait(stageCtx, clock, latency); err != nil {
			outcome.Status = Failed
			outcome.Failure = &StageFailure{
				Item:      item,
				Stage:     stage.Name,
				Reason:    err.Error(),
				Index:     i,
				Timestamp: clock.Now(),
				Canceled:  true,
			}
			stageSpan.SetTag(EngineTagSuccess, "false")
			stageSpan.SetTag(EngineTagReason, err.Error())
			stageSpan.Finish()

			event.Label = stage.SuccessLabel
			event.Timestamp = clock.Now()
			_ = e.hooks.Emit(ctx, EngineEventStageFailed, event) //nolint:errcheck
			return outcome
		}

		stageSpan.SetTag(EngineTagSuccess, "true")
		stageSpan.Finish()
		e.metrics.Counter(EngineStagesPassed).Inc()

		event.Label = stage.SuccessLabel
		event.Latency = latency
		event.Timestamp = clock.Now()
		_ = e.hooks.Emit(ctx, EngineEventStagePassed, event) //nolint:errcheck
	}

	outcome.Status = Succeeded
	return outcome
}

// notify hands a label to the sink unless the coordinator has abandoned the run.
// A panicking sink is contained here.
func (e *Engine) notify(ctx context.Context, item Item, label string, sink StatusSink) {
	if gate := gateFrom(ctx); gate != nil && gate.Load() {
		e.metrics.Counter(EngineUpdatesDiscarded).Inc()
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.metrics.Counter(EngineSinkPanicsTotal).Inc()
		}
	}()
	sink(item, label)
}

func wait(ctx context.Context, clock clockz.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Factory returns a PipelineFactory whose pipelines run through this engine and report
// to sink.
func (e *Engine) Factory(sink StatusSink) PipelineFactory {
	return func(item Item) Pipeline {
		return func(ctx context.Context) Outcome {
			return e.Run(ctx, item, sink)
		}
	}
}

// Name returns the name of this engine.
func (e *Engine) Name() Name {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

// Stages returns a copy of the stage table.
func (e *Engine) Stages() []Stage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.stages)
}

// Failures reports whether stages can fail.
func (e *Engine) Failures() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failures
}

// WithFailures enables or disables failure checks. With failures disabled every run
// reports only success labels and always succeeds.
func (e *Engine) WithFailures(enabled bool) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = enabled
	return e
}

// WithClock sets a custom clock for testing.
func (e *Engine) WithClock(clock clockz.Clock) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
	return e
}

// WithRandom sets the source for failure and latency draws.
func (e *Engine) WithRandom(random Random) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.random = random
	return e
}

func (e *Engine) getClock() clockz.Clock {
	if e.clock == nil {
		return clockz.RealClock
	}
	return e.clock
}

func (e *Engine) getRandom() Random {
	if e.random == nil {
		return DefaultRandom
	}
	return e.random
}

// Metrics returns the metrics registry for this engine.
func (e *Engine) Metrics() *metricz.Registry {
	return e.metrics
}

// Tracer returns the tracer for this engine.
func (e *Engine) Tracer() *tracez.Tracer {
	return e.tracer
}

// Close releases the tracer and hook handlers.
func (e *Engine) Close() error {
	if e.tracer != nil {
		e.tracer.Close()
	}
	e.hooks.Close()
	return nil
}

// OnStagePassed registers a handler called asynchronously after a run passes a stage
// and finishes its latency wait.
func (e *Engine) OnStagePassed(handler func(context.Context, StageEvent) error) error {
	_, err := e.hooks.Hook(EngineEventStagePassed, handler)
	return err
}

// OnStageFailed registers a handler called asynchronously when a run fails a stage.
func (e *Engine) OnStageFailed(handler func(context.Context, StageEvent) error) error {
	_, err := e.hooks.Hook(EngineEventStageFailed, handler)
	return err
}

// OnRunComplete registers a handler called asynchronously with every terminal outcome.
func (e *Engine) OnRunComplete(handler func(context.Context, StageEvent) error) error {
	_, err := e.hooks.Hook(EngineEventRunComplete, handler)
	return err
}
