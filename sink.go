package stagez

import (
	"fmt"
	"maps"
	"strings"
	"sync"
)

// ItemWidth is the column an item name is right-aligned to on a StatusBoard.
const ItemWidth = 12

// Discard is a StatusSink that drops every update.
func Discard(Item, string) {}

// Serialize wraps sink so that concurrent runs never call it at the same time.
func Serialize(sink StatusSink) StatusSink {
	if sink == nil {
		return Discard
	}
	var mu sync.Mutex
	return func(item Item, status string) {
		mu.Lock()
		defer mu.Unlock()
		sink(item, status)
	}
}

// StatusBoard keeps the latest status per item, in the order items were first seen,
// and is safe for concurrent updates. Its Update method is a StatusSink.
type StatusBoard struct {
	status map[Item]string
	render func(lines []string)
	order  []Item
	mu     sync.Mutex
}

// NewStatusBoard creates a board with a blank row for each item.
func NewStatusBoard(items ...Item) *StatusBoard {
	b := &StatusBoard{status: make(map[Item]string)}
	b.seed(items)
	return b
}

// OnRender sets a callback invoked after every update with the full set of lines.
// The callback runs under the board lock, so renders never interleave.
func (b *StatusBoard) OnRender(render func(lines []string)) *StatusBoard {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.render = render
	return b
}

// Update records status for item.
func (b *StatusBoard) Update(item Item, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.status[item]; !ok {
		b.order = append(b.order, item)
	}
	b.status[item] = status
	if b.render != nil {
		b.render(b.lines())
	}
}

// Status returns the latest status of item.
func (b *StatusBoard) Status(item Item) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.status[item]
	return s, ok
}

// Snapshot returns a copy of the latest status per item.
func (b *StatusBoard) Snapshot() map[Item]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.status)
}

// Lines returns one formatted line per item.
func (b *StatusBoard) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines()
}

// Line returns the formatted line for item.
func (b *StatusBoard) Line(item Item) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return FormatStatus(item, b.status[item])
}

func (b *StatusBoard) String() string {
	return strings.Join(b.Lines(), "\n")
}

// Reset clears every row and seeds blank rows for items.
func (b *StatusBoard) Reset(items ...Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = make(map[Item]string)
	b.order = nil
	b.seed(items)
}

func (b *StatusBoard) seed(items []Item) {
	for _, item := range items {
		if _, ok := b.status[item]; ok {
			continue
		}
		b.order = append(b.order, item)
		b.status[item] = ""
	}
}

func (b *StatusBoard) lines() []string {
	lines := make([]string, len(b.order))
	for i, item := range b.order {
		lines[i] = FormatStatus(item, b.status[item])
	}
	return lines
}

// FormatStatus renders one board line with the item right-aligned to ItemWidth.
func FormatStatus(item Item, status string) string {
	return fmt.Sprintf("%*s: %s", ItemWidth, item, status)
}
