package main

import (
	"context"
	"log/slog"

	"github.com/zoobzio/stagez"
)

// observe logs engine and coordinator lifecycle events.
func observe(log *slog.Logger, engine *stagez.Engine, coordinator *stagez.Coordinator) {
	if engine != nil {
		_ = engine.OnStagePassed(func(ctx context.Context, e stagez.StageEvent) error {
			log.DebugContext(ctx, "stage passed",
				"engine", e.Engine,
				"item", e.Item,
				"stage", e.Stage,
				"number", e.StageNumber,
				"latency", e.Latency)
			return nil
		})
		_ = engine.OnStageFailed(func(ctx context.Context, e stagez.StageEvent) error {
			log.InfoContext(ctx, "stage failed",
				"engine", e.Engine,
				"item", e.Item,
				"stage", e.Stage,
				"label", e.Label)
			return nil
		})
	}

	if coordinator == nil {
		return
	}
	_ = coordinator.OnBatchStarted(func(ctx context.Context, e stagez.BatchEvent) error {
		log.InfoContext(ctx, "batch started",
			"batch", e.BatchID,
			"mode", e.Mode.String(),
			"items", e.Items)
		return nil
	})
	_ = coordinator.OnBatchRejected(func(ctx context.Context, e stagez.BatchEvent) error {
		log.WarnContext(ctx, "batch rejected", "running", e.BatchID, "error", e.Err)
		return nil
	})
	_ = coordinator.OnRunComplete(func(ctx context.Context, e stagez.BatchEvent) error {
		attrs := []any{"batch", e.BatchID, "item", e.Item, "elapsed", e.Elapsed}
		if e.Outcome != nil {
			attrs = append(attrs, "status", e.Outcome.Status.String())
			if err := e.Outcome.Err(); err != nil {
				attrs = append(attrs, "error", err)
			}
		}
		log.InfoContext(ctx, "run complete", attrs...)
		return nil
	})
	_ = coordinator.OnRunDiscarded(func(ctx context.Context, e stagez.BatchEvent) error {
		log.DebugContext(ctx, "run discarded", "batch", e.BatchID, "item", e.Item)
		return nil
	})
	_ = coordinator.OnBatchComplete(func(ctx context.Context, e stagez.BatchEvent) error {
		attrs := []any{"batch", e.BatchID, "mode", e.Mode.String(), "elapsed", e.Elapsed}
		if e.Result != nil {
			attrs = append(attrs, "succeeded", e.Result.Succeeded(), "failed", e.Result.Failed())
		}
		log.InfoContext(ctx, "batch complete", attrs...)
		return nil
	})
}
