package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/zoobzio/stagez"
)

var timersFlags struct {
	count  int
	step   time.Duration
	redraw bool
}

var timersCmd = &cobra.Command{
	Use:   "timers",
	Short: "Start timers of increasing length and watch them settle",
	Long: `Start N timers at once, where timer i waits i steps. All timers run in
parallel, so the batch takes as long as the last one.`,
	RunE: runTimers,
}

func init() {
	timersCmd.Flags().IntVar(&timersFlags.count, "count", 10, "number of timers")
	timersCmd.Flags().DurationVar(&timersFlags.step, "step", time.Second, "extra wait per timer")
	timersCmd.Flags().BoolVar(&timersFlags.redraw, "redraw", false, "redraw the whole board on every update")
}

func runTimers(cmd *cobra.Command, _ []string) error {
	if timersFlags.count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", timersFlags.count)
	}

	items, factory, closeAll, err := timerFactory(timersFlags.count, timersFlags.step)
	if err != nil {
		return err
	}
	defer closeAll()

	coordinator := stagez.NewCoordinator("timers")
	defer coordinator.Close()
	observe(logger, nil, coordinator)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	d := newDisplay(cmd.OutOrStdout(), "Timers", timersFlags.redraw)
	d.reset(items, "")

	result, err := coordinator.Execute(ctx, items, stagez.Parallel, factory(d.sink(nil)))
	if err != nil {
		return err
	}
	d.summary(result)
	return nil
}

// timerFactory builds one engine per timer, since each waits a different time.
func timerFactory(n int, step time.Duration) ([]stagez.Item, func(stagez.StatusSink) stagez.PipelineFactory, func(), error) {
	items := make([]stagez.Item, n)
	engines := make(map[stagez.Item]*stagez.Engine, n)
	closeAll := func() {
		for _, e := range engines {
			_ = e.Close()
		}
	}
	for i := range items {
		item := stagez.Item(fmt.Sprintf("Timer %d", i+1))
		engine, err := stagez.NewEngine(item, stagez.TimerStages(time.Duration(i+1)*step)...)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		items[i] = item
		engines[item] = engine
	}

	factory := func(sink stagez.StatusSink) stagez.PipelineFactory {
		return func(item stagez.Item) stagez.Pipeline {
			return engines[item].Factory(sink)(item)
		}
	}
	return items, factory, closeAll, nil
}
