package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"github.com/zoobzio/stagez"
)

const msgBusy = "An order is already being processed."

var shopFlags struct {
	mode       string
	stages     string
	noFailures bool
	redraw     bool
	watch      bool
}

var shopCmd = &cobra.Command{
	Use:   "shop",
	Short: "Interactive food delivery shop",
	Long: `Pick dishes from the menu and place orders. One order is processed at a
time; ordering again while one is in flight is refused.

Commands:
  1-9  add a dish to the basket
  o    place the order
  b    show the basket
  c    clear the basket
  m    show the menu
  q    quit (waits for the current order)`,
	RunE: runShop,
}

func init() {
	shopCmd.Flags().StringVar(&shopFlags.mode, "mode", "parallel", "execution mode: parallel, sequential, race-first")
	shopCmd.Flags().StringVar(&shopFlags.stages, "stages", "", "YAML stage file (default: built-in delivery stages)")
	shopCmd.Flags().BoolVar(&shopFlags.noFailures, "no-failures", false, "disable stage failures")
	shopCmd.Flags().BoolVar(&shopFlags.redraw, "redraw", false, "redraw the whole board on every update")
	shopCmd.Flags().BoolVar(&shopFlags.watch, "watch", false, "reload the stage file when it changes")
}

func runShop(cmd *cobra.Command, _ []string) error {
	mode, err := stagez.ParseMode(shopFlags.mode)
	if err != nil {
		return err
	}
	cfg, err := loadStageConfig(shopFlags.stages, stagez.DeliveryStages())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := newShop(cmd.InOrStdin(), cmd.OutOrStdout(), mode, cfg, shopFlags.noFailures, shopFlags.redraw)
	if err != nil {
		return err
	}
	defer s.close()

	if shopFlags.watch && shopFlags.stages != "" {
		closeWatch, err := watchStageFile(ctx, shopFlags.stages, func() {
			next, err := loadStageConfig(shopFlags.stages, nil)
			if err != nil {
				logger.Warn("stage file reload failed", "path", shopFlags.stages, "error", err)
				return
			}
			if err := s.reload(next); err != nil {
				logger.Warn("stage file rejected", "path", shopFlags.stages, "error", err)
			}
		})
		if err != nil {
			return err
		}
		defer closeWatch() //nolint:errcheck
	}

	return s.run(ctx)
}

// shop is the interactive ordering loop.
type shop struct {
	out         io.Writer
	in          io.Reader
	coordinator *stagez.Coordinator
	engine      *stagez.Engine
	display     *display
	basket      *basket
	retired     []*stagez.Engine
	orders      sync.WaitGroup
	busy        atomic.Bool
	mu          sync.Mutex
	mode        stagez.Mode
	noFailures  bool
}

func newShop(in io.Reader, out io.Writer, mode stagez.Mode, cfg stageConfig, noFailures, redraw bool) (*shop, error) {
	engine, err := newEngine("shop", cfg, noFailures)
	if err != nil {
		return nil, err
	}
	out = &syncWriter{w: out}
	coordinator := stagez.NewCoordinator("shop")
	observe(logger, engine, coordinator)

	return &shop{
		in:          in,
		out:         out,
		mode:        mode,
		engine:      engine,
		coordinator: coordinator,
		display:     newDisplay(out, "The Zippiest Food Delivery App", redraw),
		basket:      newBasket(len(menu)),
		noFailures:  noFailures,
	}, nil
}

func (s *shop) run(ctx context.Context) error {
	s.printMenu()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !s.handle(ctx, strings.TrimSpace(line)) {
				break loop
			}
		}
	}

	s.orders.Wait()
	if err := s.coordinator.Wait(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	select {
	case err := <-scanErr:
		return err
	default:
		return nil
	}
}

// handle processes one command and reports whether the loop should continue.
func (s *shop) handle(ctx context.Context, input string) bool {
	switch strings.ToLower(input) {
	case "q", "quit":
		return false
	case "o", "order":
		s.order(ctx)
	case "b", "basket":
		s.printBasket()
	case "c", "clear":
		s.basket.clear()
		fmt.Fprintln(s.out, "Basket cleared.")
	case "m", "menu", "":
		s.printMenu()
	default:
		n, err := strconv.Atoi(input)
		if err != nil || n < 1 || n > len(menu) {
			fmt.Fprintf(s.out, "Unknown command %q.\n", input)
			return true
		}
		item := menu[n-1]
		switch err := s.basket.add(item); {
		case errors.Is(err, errDuplicateItem):
			fmt.Fprintf(s.out, "%s is already in the basket.\n", item)
		case errors.Is(err, errBasketFull):
			fmt.Fprintln(s.out, "The basket is full.")
		default:
			fmt.Fprintf(s.out, "Added %s.\n", item)
		}
	}
	return true
}

// order submits the basket unless an order is in flight. The busy flag is a UI-side
// claim that keeps a refused order from touching the basket or the board. The
// coordinator is still the authority: an ErrBusy from Execute puts the items back.
func (s *shop) order(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		fmt.Fprintln(s.out, msgBusy)
		return
	}
	items, err := s.basket.take()
	if err != nil {
		s.busy.Store(false)
		fmt.Fprintln(s.out, "Add something to the basket first.")
		return
	}

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()

	s.display.reset(items, "")
	fmt.Fprintf(s.out, "Ordering %s.\n", strings.Join(items, ", "))

	s.orders.Add(1)
	go func() {
		defer s.orders.Done()
		defer s.busy.Store(false)

		result, err := s.coordinator.Execute(ctx, items, s.mode, engine.Factory(s.display.sink(nil)))
		switch {
		case errors.Is(err, stagez.ErrBusy):
			for _, item := range items {
				_ = s.basket.add(item)
			}
			fmt.Fprintln(s.out, msgBusy)
		case err != nil:
			fmt.Fprintf(s.out, "Order rejected: %v\n", err)
		default:
			s.display.summary(result)
		}
	}()
}

// reload swaps in a new stage table for the next order. The running order keeps the
// engine it started with.
func (s *shop) reload(cfg stageConfig) error {
	engine, err := newEngine("shop", cfg, s.noFailures)
	if err != nil {
		return err
	}
	observe(logger, engine, nil)

	s.mu.Lock()
	s.retired = append(s.retired, s.engine)
	s.engine = engine
	s.mu.Unlock()

	logger.Info("stage table reloaded", "source", cfg.Source, "stages", len(cfg.Stages))
	fmt.Fprintf(s.out, "Stage table reloaded from %s.\n", cfg.Source)
	return nil
}

func (s *shop) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.retired {
		_ = e.Close()
	}
	_ = s.engine.Close()
	_ = s.coordinator.Close()
}

func (s *shop) printMenu() {
	var b strings.Builder
	b.WriteString("Menu:\n")
	for i, item := range menu {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, item)
	}
	b.WriteString("Pick 1-9, o to order, q to quit.\n")
	fmt.Fprint(s.out, b.String())
}

func (s *shop) printBasket() {
	items := s.basket.contents()
	if len(items) == 0 {
		fmt.Fprintln(s.out, "Basket is empty.")
		return
	}
	fmt.Fprintf(s.out, "Basket: %s\n", strings.Join(items, ", "))
}

// syncWriter serializes writes from the input loop and order goroutines.
type syncWriter struct {
	w  io.Writer
	mu sync.Mutex
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
