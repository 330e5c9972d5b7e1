package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zoobzio/stagez"
)

// animal is a fetchable item and where it lives.
type animal struct {
	name     stagez.Item
	location string
}

var animals = []animal{
	{"Cat", "land"}, {"Dog", "land"}, {"Elephant", "land"},
	{"Giraffe", "land"}, {"Lion", "land"}, {"Tiger", "land"},
	{"Zebra", "land"}, {"Bear", "land"}, {"Wolf", "land"},
	{"Fox", "land"}, {"Rabbit", "land"}, {"Deer", "land"},
	{"Duck", "water"}, {"Goose", "water"}, {"Pigeon", "sky"},
	{"Parrot", "sky"}, {"Eagle", "sky"}, {"Owl", "sky"},
	{"Penguin", "land"}, {"Flamingo", "water"}, {"Swan", "water"},
	{"Crocodile", "water"}, {"Turtle", "water"}, {"Whale", "water"},
	{"Dolphin", "water"}, {"Octopus", "water"}, {"Kangaroo", "land"},
	{"Koala", "land"}, {"Panda", "land"}, {"Bat", "sky"},
}

var modesFlags struct {
	mode   string
	count  int
	redraw bool
}

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "Fetch animals under an execution mode and compare elapsed time",
	Long: `Fetch a number of animals, each taking one to four seconds. Parallel takes
as long as the slowest fetch, sequential takes the sum, and race-first
returns as soon as the first animal is found.`,
	Example: `  stagez modes --mode race-first
  stagez modes --mode sequential --count 3`,
	RunE: runModes,
}

func init() {
	modesCmd.Flags().StringVar(&modesFlags.mode, "mode", "parallel", "execution mode: parallel, sequential, race-first")
	modesCmd.Flags().IntVar(&modesFlags.count, "count", 9, "number of animals to fetch")
	modesCmd.Flags().BoolVar(&modesFlags.redraw, "redraw", false, "redraw the whole board on every update")
}

func runModes(cmd *cobra.Command, _ []string) error {
	mode, err := stagez.ParseMode(modesFlags.mode)
	if err != nil {
		return err
	}
	items, err := pickAnimals(modesFlags.count)
	if err != nil {
		return err
	}

	engine, err := stagez.NewEngine("fetch", stagez.FetchStages()...)
	if err != nil {
		return err
	}
	defer engine.Close()

	coordinator := stagez.NewCoordinator("fetch")
	defer coordinator.Close()
	observe(logger, engine, coordinator)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	d := newDisplay(out, fmt.Sprintf("Animals of the World - Mode: %s", mode), modesFlags.redraw)
	d.reset(items, "Waiting")

	result, err := coordinator.Execute(ctx, items, mode, engine.Factory(d.sink(withLocation)))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Total time for fetch: %.1fs - Mode: %s\n", result.Elapsed.Seconds(), mode)
	if mode == stagez.RaceFirst {
		fmt.Fprintf(out, "First found: %s\n", result.Outcomes[0].Item)
		return coordinator.Wait(context.WithoutCancel(ctx))
	}
	return nil
}

// pickAnimals returns the first n animals, cycling through the table.
func pickAnimals(n int) ([]stagez.Item, error) {
	if n < 1 {
		return nil, fmt.Errorf("count must be at least 1, got %d", n)
	}
	items := make([]stagez.Item, n)
	for i := range items {
		a := animals[i%len(animals)]
		items[i] = a.name
		if i >= len(animals) {
			items[i] = fmt.Sprintf("%s #%d", a.name, i/len(animals)+1)
		}
	}
	return items, nil
}

// withLocation adds an animal's habitat to its found status.
func withLocation(item stagez.Item, status string) string {
	if status != "Found." {
		return status
	}
	for _, a := range animals {
		if a.name == item || strings.HasPrefix(item, a.name+" #") {
			return fmt.Sprintf("%s (%s)", status, a.location)
		}
	}
	return status
}
