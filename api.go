package stagez

import "context"

// Name is a type alias for engine, coordinator and stage names.
type Name = string

// Item is the opaque label of a unit of work, such as a dish name.
// Items are immutable once submitted.
type Item = string

// StatusSink receives every stage transition of every run.
//
// Sinks are called from the goroutine driving the run, so under Parallel and
// RaceFirst calls for different items arrive concurrently. A sink must serialize its own
// side effects; see Serialize and StatusBoard. A sink must not panic. If one does, the
// engine recovers and counts it, and the run continues.
type StatusSink func(item Item, status string)

// Pipeline drives a single run to its terminal Outcome.
type Pipeline func(ctx context.Context) Outcome

// PipelineFactory produces a fresh Pipeline for an item. Factories typically bind a
// shared StatusSink, as Engine.Factory does.
type PipelineFactory func(item Item) Pipeline
