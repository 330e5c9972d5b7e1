package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/stagez"
)

func instantConfig(t *testing.T) stageConfig {
	t.Helper()
	cfg, err := parseStageConfig([]byte(instantStageFile))
	require.NoError(t, err)
	return cfg
}

func runShopScript(t *testing.T, script string) string {
	t.Helper()
	var out bytes.Buffer
	s, err := newShop(strings.NewReader(script), &out, stagez.Parallel, instantConfig(t), true, false)
	require.NoError(t, err)
	defer s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.run(ctx))
	return out.String()
}

func TestShop(t *testing.T) {
	t.Run("Places An Order", func(t *testing.T) {
		out := runShopScript(t, "1\n2\no\nq\n")

		assert.Contains(t, out, "Added Pizza.")
		assert.Contains(t, out, "Added Burger.")
		assert.Contains(t, out, "Ordering Pizza, Burger.")
		assert.Contains(t, out, stagez.FormatStatus("Pizza", "Complete!"))
		assert.Contains(t, out, stagez.FormatStatus("Burger", "Complete!"))
		assert.Contains(t, out, "parallel: 2 succeeded, 0 failed")
	})

	t.Run("Rejects Duplicates", func(t *testing.T) {
		out := runShopScript(t, "3\n3\nb\nq\n")
		assert.Contains(t, out, "Sushi is already in the basket.")
		assert.Contains(t, out, "Basket: Sushi")
	})

	t.Run("Empty Order", func(t *testing.T) {
		out := runShopScript(t, "o\nq\n")
		assert.Contains(t, out, "Add something to the basket first.")
	})

	t.Run("Unknown Commands", func(t *testing.T) {
		out := runShopScript(t, "42\nfoo\nq\n")
		assert.Contains(t, out, `Unknown command "42".`)
		assert.Contains(t, out, `Unknown command "foo".`)
	})

	t.Run("Clear Basket", func(t *testing.T) {
		out := runShopScript(t, "1\nc\nb\nq\n")
		assert.Contains(t, out, "Basket cleared.")
		assert.Contains(t, out, "Basket is empty.")
	})

	t.Run("End Of Input Quits", func(t *testing.T) {
		out := runShopScript(t, "5\n")
		assert.Contains(t, out, "Added Pasta.")
	})

	t.Run("Busy Shop Refuses Second Order", func(t *testing.T) {
		var out bytes.Buffer
		s, err := newShop(strings.NewReader(""), &out, stagez.Parallel, instantConfig(t), true, false)
		require.NoError(t, err)
		defer s.close()

		s.busy.Store(true)
		require.NoError(t, s.basket.add("Steak"))
		s.order(context.Background())

		assert.Contains(t, out.String(), "An order is already being processed.")
		assert.Equal(t, []string{"Steak"}, s.basket.contents(), "basket must survive a refused order")
	})

	t.Run("Coordinator Busy Returns Items To Basket", func(t *testing.T) {
		var out bytes.Buffer
		s, err := newShop(strings.NewReader(""), &out, stagez.Parallel, instantConfig(t), true, false)
		require.NoError(t, err)
		defer s.close()

		release := make(chan struct{})
		started := make(chan struct{})
		running := make(chan error, 1)
		go func() {
			_, err := s.coordinator.Execute(context.Background(), []stagez.Item{"elsewhere"}, stagez.Parallel,
				func(item stagez.Item) stagez.Pipeline {
					return func(context.Context) stagez.Outcome {
						close(started)
						<-release
						return stagez.Outcome{Item: item, Status: stagez.Succeeded}
					}
				})
			running <- err
		}()
		<-started

		require.NoError(t, s.basket.add("Sushi"))
		s.order(context.Background())
		s.orders.Wait()

		assert.Contains(t, out.String(), "An order is already being processed.")
		assert.NotContains(t, out.String(), "Order rejected")
		assert.Equal(t, []string{"Sushi"}, s.basket.contents(), "refused items go back in the basket")
		assert.False(t, s.busy.Load())

		close(release)
		require.NoError(t, <-running)
	})

	t.Run("Reload Swaps Engine For Next Order", func(t *testing.T) {
		var out bytes.Buffer
		s, err := newShop(strings.NewReader(""), &out, stagez.Parallel, instantConfig(t), true, false)
		require.NoError(t, err)
		defer s.close()

		before := s.engine
		next := instantConfig(t)
		next.Source = "reloaded.yaml"
		require.NoError(t, s.reload(next))

		assert.NotSame(t, before, s.engine)
		assert.Contains(t, out.String(), "Stage table reloaded from reloaded.yaml.")
		assert.Error(t, s.reload(stageConfig{}))
	})
}
