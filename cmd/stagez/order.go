package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"

	"github.com/spf13/cobra"
	"github.com/zoobzio/stagez"
)

var orderFlags struct {
	mode       string
	stages     string
	noFailures bool
	redraw     bool
	workers    int
}

var orderCmd = &cobra.Command{
	Use:   "order [items...]",
	Short: "Place one order and watch it through every stage",
	Long: `Place a single order. Each item is confirmed, prepared, picked up and
delivered, and any step can fail. Items run in parallel by default.

Without arguments the first three menu items are ordered.`,
	Example: `  stagez order Pizza Sushi
  stagez order --mode sequential --no-failures
  stagez order --stages stages.yaml --workers 2 Steak Salad Tacos`,
	RunE: runOrder,
}

func init() {
	orderCmd.Flags().StringVar(&orderFlags.mode, "mode", "parallel", "execution mode: parallel, sequential, race-first")
	orderCmd.Flags().StringVar(&orderFlags.stages, "stages", "", "YAML stage file (default: built-in delivery stages)")
	orderCmd.Flags().BoolVar(&orderFlags.noFailures, "no-failures", false, "disable stage failures")
	orderCmd.Flags().BoolVar(&orderFlags.redraw, "redraw", false, "redraw the whole board on every update")
	orderCmd.Flags().IntVar(&orderFlags.workers, "workers", 0, "maximum concurrent runs (0 = unbounded)")
}

func runOrder(cmd *cobra.Command, args []string) error {
	mode, err := stagez.ParseMode(orderFlags.mode)
	if err != nil {
		return err
	}
	cfg, err := loadStageConfig(orderFlags.stages, stagez.DeliveryStages())
	if err != nil {
		return err
	}

	items := make([]stagez.Item, 0, len(args))
	for _, arg := range args {
		items = append(items, stagez.Item(arg))
	}
	if len(items) == 0 {
		items = slices.Clone(menu[:3])
	}

	engine, err := newEngine("order", cfg, orderFlags.noFailures)
	if err != nil {
		return err
	}
	defer engine.Close()

	coordinator := stagez.NewCoordinator("order").WithWorkers(orderFlags.workers)
	defer coordinator.Close()
	observe(logger, engine, coordinator)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	d := newDisplay(out, fmt.Sprintf("Order (%s)", mode), orderFlags.redraw)
	d.reset(items, "")

	result, err := coordinator.Execute(ctx, items, mode, engine.Factory(d.sink(nil)))
	if err != nil {
		return err
	}
	d.summary(result)
	for _, o := range result.Outcomes {
		if err := o.Err(); err != nil {
			fmt.Fprintf(out, "  %v\n", err)
		}
	}

	if mode == stagez.RaceFirst {
		logger.Info("waiting for detached runs", "batch", result.ID)
		if err := coordinator.Wait(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	return nil
}
