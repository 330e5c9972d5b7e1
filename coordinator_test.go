package stagez

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// gatedFactory builds pipelines that block until their item's release channel closes.
type gatedFactory struct {
	release map[Item]chan struct{}
	started chan Item
	fail    map[Item]bool
}

func newGatedFactory(items ...Item) *gatedFactory {
	g := &gatedFactory{
		release: make(map[Item]chan struct{}),
		started: make(chan Item, len(items)),
		fail:    make(map[Item]bool),
	}
	for _, item := range items {
		g.release[item] = make(chan struct{})
	}
	return g
}

func (g *gatedFactory) factory(item Item) Pipeline {
	return func(context.Context) Outcome {
		g.started <- item
		<-g.release[item]
		if g.fail[item] {
			return Outcome{Item: item, Status: Failed, Stages: 1, Failure: &StageFailure{Item: item, Stage: "gate", Reason: "closed"}}
		}
		return Outcome{Item: item, Status: Succeeded, Stages: 1}
	}
}

func (g *gatedFactory) awaitStarted(t *testing.T, n int) []Item {
	t.Helper()
	var got []Item
	for len(got) < n {
		select {
		case item := <-g.started:
			got = append(got, item)
		case <-time.After(time.Second):
			t.Fatalf("expected %d runs to start, saw %d", n, len(got))
		}
	}
	return got
}

func instantFactory(item Item) Pipeline {
	return func(context.Context) Outcome {
		return Outcome{Item: item, Status: Succeeded, Stages: 1}
	}
}

func TestCoordinatorValidation(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator("validation")
	defer c.Close()

	var calls atomic.Int32
	factory := func(item Item) Pipeline {
		calls.Add(1)
		return instantFactory(item)
	}

	tests := []struct {
		name    string
		items   []Item
		mode    Mode
		factory PipelineFactory
		want    error
		field   string
	}{
		{"Empty Items", nil, Parallel, factory, ErrEmptyBatch, "items"},
		{"Nil Factory", []Item{"a"}, Parallel, nil, ErrNilFactory, "factory"},
		{"Unknown Mode", []Item{"a"}, Mode(42), factory, ErrUnknownMode, "mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := c.Execute(ctx, tt.items, tt.mode, tt.factory)
			if result != nil {
				t.Error("expected no result")
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var cfg *ConfigError
			if !errors.As(err, &cfg) || cfg.Op != "execute" || cfg.Field != tt.field {
				t.Errorf("expected execute config error on %s, got %v", tt.field, err)
			}
		})
	}

	if calls.Load() != 0 {
		t.Errorf("expected no pipeline to be built, got %d", calls.Load())
	}
	if c.State() != Idle {
		t.Errorf("expected idle after rejected batches, got %s", c.State())
	}
}

func TestCoordinatorParallel(t *testing.T) {
	t.Run("Waits For Every Run", func(t *testing.T) {
		c := NewCoordinator("parallel")
		defer c.Close()

		g := newGatedFactory("a", "b", "c")
		g.fail["b"] = true
		done := make(chan *BatchResult, 1)
		go func() {
			result, _ := c.Execute(context.Background(), []Item{"a", "b", "c"}, Parallel, g.factory)
			done <- result
		}()

		// All three start before any finishes.
		g.awaitStarted(t, 3)
		close(g.release["c"])
		close(g.release["a"])

		select {
		case <-done:
			t.Fatal("batch completed with a run outstanding")
		case <-time.After(20 * time.Millisecond):
		}

		close(g.release["b"])
		result := <-done

		if len(result.Outcomes) != 3 {
			t.Fatalf("expected 3 outcomes, got %d", len(result.Outcomes))
		}
		for i, item := range []Item{"a", "b", "c"} {
			if result.Outcomes[i].Item != item {
				t.Errorf("outcome %d: expected %s, got %s", i, item, result.Outcomes[i].Item)
			}
		}
		if result.Succeeded() != 2 || result.Failed() != 1 {
			t.Errorf("expected 2 successes and 1 failure, got %d/%d", result.Succeeded(), result.Failed())
		}
		if result.PerItem()["b"].Status != Failed {
			t.Error("expected b to fail without aborting siblings")
		}
		if result.Mode != Parallel || result.ID == "" {
			t.Errorf("unexpected result header: %+v", result)
		}
	})

	t.Run("Bounded Workers", func(t *testing.T) {
		c := NewCoordinator("bounded").WithWorkers(2)
		defer c.Close()

		var active, peak atomic.Int32
		factory := func(item Item) Pipeline {
			return func(context.Context) Outcome {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				active.Add(-1)
				return Outcome{Item: item, Status: Succeeded}
			}
		}

		result, err := c.Execute(context.Background(), []Item{"a", "b", "c", "d", "e"}, Parallel, factory)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Succeeded() != 5 {
			t.Errorf("expected 5 successes, got %d", result.Succeeded())
		}
		if peak.Load() > 2 {
			t.Errorf("expected at most 2 concurrent runs, saw %d", peak.Load())
		}
	})
}

func TestCoordinatorSequential(t *testing.T) {
	c := NewCoordinator("sequential")
	defer c.Close()

	g := newGatedFactory("a", "b", "c")
	done := make(chan *BatchResult, 1)
	go func() {
		result, _ := c.Execute(context.Background(), []Item{"a", "b", "c"}, Sequential, g.factory)
		done <- result
	}()

	for _, item := range []Item{"a", "b", "c"} {
		started := g.awaitStarted(t, 1)
		if started[0] != item {
			t.Fatalf("expected %s to start, got %s", item, started[0])
		}
		select {
		case next := <-g.started:
			t.Fatalf("%s started before %s finished", next, item)
		case <-time.After(10 * time.Millisecond):
		}
		close(g.release[item])
	}

	result := <-done
	for i, item := range []Item{"a", "b", "c"} {
		if result.Outcomes[i].Item != item {
			t.Errorf("outcome %d: expected %s, got %s", i, item, result.Outcomes[i].Item)
		}
	}
}

func TestCoordinatorRaceFirst(t *testing.T) {
	t.Run("First Terminal Outcome Wins Even On Failure", func(t *testing.T) {
		c := NewCoordinator("race")
		defer c.Close()

		g := newGatedFactory("a", "b", "c")
		g.fail["b"] = true
		done := make(chan *BatchResult, 1)
		go func() {
			result, _ := c.Execute(context.Background(), []Item{"a", "b", "c"}, RaceFirst, g.factory)
			done <- result
		}()

		g.awaitStarted(t, 3)
		close(g.release["b"])
		result := <-done

		if len(result.Outcomes) != 1 || result.Outcomes[0].Item != "b" || result.Outcomes[0].Status != Failed {
			t.Fatalf("expected failed b to win, got %+v", result.Outcomes)
		}
		if result.Err() == nil {
			t.Error("expected the winning failure in Err")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected Wait to block on losers, got %v", err)
		}

		close(g.release["a"])
		close(g.release["c"])
		if err := c.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
		if got := c.Metrics().Counter(CoordinatorDiscardedTotal).Value(); got != 2 {
			t.Errorf("expected 2 discarded, got %v", got)
		}
	})

	t.Run("Losers Survive Caller Cancellation", func(t *testing.T) {
		c := NewCoordinator("race")
		defer c.Close()

		var canceled atomic.Int32
		release := make(chan struct{})
		factory := func(item Item) Pipeline {
			return func(ctx context.Context) Outcome {
				if item == "slow" {
					<-release
					if ctx.Err() != nil {
						canceled.Add(1)
					}
				}
				return Outcome{Item: item, Status: Succeeded}
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		result, err := c.Execute(ctx, []Item{"slow", "fast"}, RaceFirst, factory)
		cancel()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Outcomes[0].Item != "fast" {
			t.Errorf("expected fast to win, got %s", result.Outcomes[0].Item)
		}

		close(release)
		if err := c.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
		if canceled.Load() != 0 {
			t.Error("loser observed the caller's cancellation")
		}
	})
}

func TestCoordinatorBusy(t *testing.T) {
	c := NewCoordinator("busy")
	defer c.Close()

	rejected := make(chan BatchEvent, 1)
	_ = c.OnBatchRejected(func(_ context.Context, e BatchEvent) error {
		rejected <- e
		return nil
	})

	g := newGatedFactory("a")
	done := make(chan *BatchResult, 1)
	go func() {
		result, _ := c.Execute(context.Background(), []Item{"a"}, Parallel, g.factory)
		done <- result
	}()
	g.awaitStarted(t, 1)

	if c.State() != Running {
		t.Fatalf("expected running, got %s", c.State())
	}
	if err := c.Reset(); !errors.Is(err, ErrBusy) {
		t.Errorf("expected Reset to refuse while running, got %v", err)
	}

	_, err := c.Execute(context.Background(), []Item{"b"}, Parallel, instantFactory)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !strings.Contains(err.Error(), "busy") {
		t.Errorf("unexpected message: %v", err)
	}

	close(g.release["a"])
	result := <-done
	if result.Succeeded() != 1 {
		t.Errorf("running batch was disturbed: %+v", result.Outcomes)
	}

	// Completed accepts the next batch.
	if c.State() != Completed || c.Last() != result {
		t.Errorf("expected completed with last result, got %s", c.State())
	}
	if _, err := c.Execute(context.Background(), []Item{"b"}, Parallel, instantFactory); err != nil {
		t.Errorf("expected next batch to be accepted, got %v", err)
	}

	if got := c.Metrics().Counter(CoordinatorRejectedTotal).Value(); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
	select {
	case e := <-rejected:
		if !errors.Is(e.Err, ErrBusy) {
			t.Errorf("unexpected rejection event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("batch_rejected not emitted")
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if c.State() != Idle || c.Last() != nil {
		t.Errorf("expected idle with no result, got %s", c.State())
	}
}

func TestCoordinatorItemsSnapshot(t *testing.T) {
	c := NewCoordinator("snapshot")
	defer c.Close()

	items := []Item{"a", "a", "b"}
	var mu sync.Mutex
	var seen []Item
	factory := func(item Item) Pipeline {
		mu.Lock()
		seen = append(seen, item)
		mu.Unlock()
		return instantFactory(item)
	}

	result, err := c.Execute(context.Background(), items, Sequential, factory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items[0] = "mutated"

	if len(seen) != 3 {
		t.Errorf("expected duplicates to run, got %q", seen)
	}
	if result.Items[0] != "a" {
		t.Error("result items share the caller's slice")
	}
	if len(result.PerItem()) != 2 {
		t.Errorf("expected duplicates to collapse in PerItem, got %d", len(result.PerItem()))
	}
}

func TestCoordinatorPanicRecovery(t *testing.T) {
	c := NewCoordinator("panic")
	defer c.Close()

	factory := func(item Item) Pipeline {
		return func(context.Context) Outcome {
			if item == "bad" {
				panic("pipeline exploded")
			}
			return Outcome{Item: item, Status: Succeeded}
		}
	}

	for _, mode := range Modes {
		t.Run(mode.String(), func(t *testing.T) {
			result, err := c.Execute(context.Background(), []Item{"bad"}, mode, factory)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			o := result.Outcomes[0]
			if o.Status != Failed || o.Failure == nil || !strings.Contains(o.Failure.Reason, "pipeline exploded") {
				t.Errorf("expected recovered failure, got %+v", o)
			}
		})
	}
	_ = c.Wait(context.Background())

	if got := c.Metrics().Counter(CoordinatorPanicsTotal).Value(); got != 3 {
		t.Errorf("expected 3 panics, got %v", got)
	}
}

func TestCoordinatorHooks(t *testing.T) {
	c := NewCoordinator("hooks")
	defer c.Close()

	started := make(chan BatchEvent, 1)
	runs := make(chan BatchEvent, 2)
	completed := make(chan BatchEvent, 1)
	_ = c.OnBatchStarted(func(_ context.Context, e BatchEvent) error { started <- e; return nil })
	_ = c.OnRunComplete(func(_ context.Context, e BatchEvent) error { runs <- e; return nil })
	_ = c.OnBatchComplete(func(_ context.Context, e BatchEvent) error { completed <- e; return nil })

	result, err := c.Execute(context.Background(), []Item{"a", "b"}, Parallel, instantFactory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	timeout := time.After(time.Second)
	select {
	case e := <-started:
		if e.BatchID != result.ID || e.Items != 2 || e.Mode != Parallel {
			t.Errorf("unexpected batch_started: %+v", e)
		}
	case <-timeout:
		t.Fatal("batch_started not emitted")
	}
	for range 2 {
		select {
		case e := <-runs:
			if e.Outcome == nil || e.Outcome.Status != Succeeded {
				t.Errorf("unexpected run_complete: %+v", e)
			}
		case <-timeout:
			t.Fatal("run_complete not emitted")
		}
	}
	select {
	case e := <-completed:
		if e.Result != result {
			t.Error("batch_complete carries a different result")
		}
	case <-timeout:
		t.Fatal("batch_complete not emitted")
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{Idle: "idle", Running: "running", Completed: "completed", State(9): "unknown"} {
		if got := state.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestBatchResultErr(t *testing.T) {
	result := &BatchResult{Outcomes: []Outcome{
		{Item: "a", Status: Succeeded},
		{Item: "b", Status: Failed, Failure: &StageFailure{Item: "b", Stage: "s", Reason: "r1"}},
		{Item: "c", Status: Failed, Failure: &StageFailure{Item: "c", Stage: "s", Reason: "r2"}},
	}}
	err := result.Err()
	if err == nil || !strings.Contains(err.Error(), "r1") || !strings.Contains(err.Error(), "r2") {
		t.Errorf("expected both failures joined, got %v", err)
	}

	ok := &BatchResult{Outcomes: []Outcome{{Item: "a", Status: Succeeded}}}
	if ok.Err() != nil {
		t.Errorf("expected nil, got %v", ok.Err())
	}
}

func TestCoordinatorClock(t *testing.T) {
	const latency = 2 * time.Second

	// clockedFactory registers its timer before announcing the start.
	clockedFactory := func(clock clockz.Clock, started chan<- Item) PipelineFactory {
		return func(item Item) Pipeline {
			return func(_ context.Context) Outcome {
				timer := clock.After(latency)
				started <- item
				<-timer
				return Outcome{Item: item, Status: Succeeded, Stages: 1}
			}
		}
	}

	tests := []struct {
		name    string
		mode    Mode
		rounds  int // timer rounds the batch needs
		perStep int // runs parked on the clock each round
		want    time.Duration
	}{
		{"Parallel Elapsed Is One Latency", Parallel, 1, 3, latency},
		{"Sequential Elapsed Is The Sum", Sequential, 3, 1, 3 * latency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockz.NewFakeClock()
			c := NewCoordinator("clocked").WithClock(clock)
			defer c.Close()

			started := make(chan Item, 3)
			done := make(chan *BatchResult, 1)
			go func() {
				result, err := c.Execute(context.Background(), []Item{"a", "b", "c"}, tt.mode, clockedFactory(clock, started))
				if err != nil {
					t.Errorf("execute: %v", err)
				}
				done <- result
			}()

			begin := clock.Now()
			for range tt.rounds {
				for range tt.perStep {
					select {
					case <-started:
					case <-time.After(5 * time.Second):
						t.Fatal("run did not start")
					}
				}
				clock.Advance(latency)
				clock.BlockUntilReady()
			}

			result := <-done
			if result == nil {
				t.FailNow()
			}
			if result.Elapsed != tt.want {
				t.Errorf("expected elapsed %v, got %v", tt.want, result.Elapsed)
			}
			if !result.StartedAt.Equal(begin) {
				t.Errorf("expected start %v, got %v", begin, result.StartedAt)
			}
			if result.Succeeded() != 3 {
				t.Errorf("expected 3 successes, got %d", result.Succeeded())
			}
		})
	}
}

func TestCoordinatorWait(t *testing.T) {
	t.Run("Returns Immediately With Nothing Detached", func(t *testing.T) {
		c := NewCoordinator("wait")
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.Wait(ctx); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})

	t.Run("Covers Races Started While Waiting", func(t *testing.T) {
		c := NewCoordinator("wait")
		defer c.Close()

		first := newGatedFactory("a", "b")
		close(first.release["a"])
		if _, err := c.Execute(context.Background(), []Item{"a", "b"}, RaceFirst, first.factory); err != nil {
			t.Fatal(err)
		}

		waited := make(chan error, 1)
		go func() { waited <- c.Wait(context.Background()) }()

		second := newGatedFactory("c", "d")
		close(second.release["c"])
		if _, err := c.Execute(context.Background(), []Item{"c", "d"}, RaceFirst, second.factory); err != nil {
			t.Fatal(err)
		}

		close(first.release["b"])
		select {
		case err := <-waited:
			t.Fatalf("wait returned with a loser still running: %v", err)
		case <-time.After(20 * time.Millisecond):
		}

		close(second.release["d"])
		select {
		case err := <-waited:
			if err != nil {
				t.Fatalf("wait: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("wait did not return after every loser finished")
		}
		if got := c.Metrics().Counter(CoordinatorDiscardedTotal).Value(); got != 2 {
			t.Errorf("expected 2 discarded, got %v", got)
		}
	})
}
