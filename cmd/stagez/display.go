package main

import (
	"fmt"
	"io"
	"time"

	"github.com/zoobzio/stagez"
)

const clearScreen = "\033[H\033[2J"

// display prints status updates, either one line per update or by redrawing the
// whole board.
type display struct {
	out    io.Writer
	board  *stagez.StatusBoard
	title  string
	redraw bool
}

func newDisplay(out io.Writer, title string, redraw bool) *display {
	d := &display{out: out, title: title, redraw: redraw, board: stagez.NewStatusBoard()}
	if redraw {
		d.board.OnRender(func(lines []string) {
			fmt.Fprint(out, clearScreen)
			fmt.Fprintln(out, d.title)
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
		})
	}
	return d
}

// sink returns the status sink for runs shown on this display. decorate may rewrite
// a status before it is shown.
func (d *display) sink(decorate func(stagez.Item, string) string) stagez.StatusSink {
	update := func(item stagez.Item, status string) {
		if decorate != nil {
			status = decorate(item, status)
		}
		d.board.Update(item, status)
	}
	if d.redraw {
		return update
	}
	return stagez.Serialize(func(item stagez.Item, status string) {
		update(item, status)
		fmt.Fprintln(d.out, d.board.Line(item))
	})
}

// reset clears the board and seeds a row per item.
func (d *display) reset(items []stagez.Item, status string) {
	d.board.Reset(items...)
	if status == "" {
		return
	}
	for _, item := range items {
		d.board.Update(item, status)
	}
}

func (d *display) summary(result *stagez.BatchResult) {
	fmt.Fprintf(d.out, "%s: %d succeeded, %d failed in %s\n",
		result.Mode, result.Succeeded(), result.Failed(), result.Elapsed.Round(time.Millisecond))
}
