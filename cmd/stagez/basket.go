package main

import (
	"errors"
	"slices"
	"sync"

	"github.com/zoobzio/stagez"
)

// menu is the shop's fixed list of dishes.
var menu = []stagez.Item{
	"Pizza",
	"Burger",
	"Sushi",
	"Ginger Beef",
	"Pasta",
	"Salad",
	"Tacos",
	"Fried Rice",
	"Steak",
}

var (
	errDuplicateItem = errors.New("item already in basket")
	errBasketFull    = errors.New("basket is full")
	errEmptyBasket   = errors.New("basket is empty")
)

// basket collects distinct items for the next order.
type basket struct {
	items []stagez.Item
	max   int
	mu    sync.Mutex
}

func newBasket(maxItems int) *basket {
	return &basket{max: maxItems}
}

func (b *basket) add(item stagez.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.items, item) {
		return errDuplicateItem
	}
	if len(b.items) >= b.max {
		return errBasketFull
	}
	b.items = append(b.items, item)
	return nil
}

// take empties the basket and returns its contents.
func (b *basket) take() ([]stagez.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, errEmptyBasket
	}
	items := b.items
	b.items = nil
	return items, nil
}

func (b *basket) contents() []stagez.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.items)
}

func (b *basket) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
}
