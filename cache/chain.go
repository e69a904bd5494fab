package cache

import (
	"fmt"

	"github.com/skipor/mcache/internal/tag"
)

// Invariants for chain methods:
// * chain owns items between fakeHead and fakeTail.
// * {fakeHead, all owned items, fakeTail} are correct doubly linked list.
// * count equals number of owned non cursor items.
// * at most one cursor is linked at a time.
// All methods require the class chain lock be held.
type chain struct {
	count int

	// Fake items. Real items are between them.
	// nil <- fakeHead <-> item_0 <-> ... <-> item_(n-1) <-> fakeTail -> nil
	// Such structure prevent nil checks in code.

	// fakeHead.next is the most recently linked item.
	fakeHead *Item

	// fakeTail.prev is the least recently linked item.
	fakeTail *Item
}

// For debug output.
const fakeHeadKey = " !HEAD! "
const fakeTailKey = " !TAIL! "

func newChain() *chain {
	c := &chain{}
	c.fakeHead, c.fakeTail = &Item{}, &Item{}
	c.fakeHead.Key = fakeHeadKey
	c.fakeTail.Key = fakeTailKey
	link(c.fakeHead, c.fakeTail)
	return c
}

func link(a, b *Item) { a.next, b.prev = b, a }

// pushHead links it as the most recent item.
func (c *chain) pushHead(it *Item) {
	first := c.fakeHead.next
	link(c.fakeHead, it)
	link(it, first)
	c.count++
}

func (c *chain) remove(it *Item) {
	if tag.Debug {
		c.assertOwned(it)
	}
	link(it.prev, it.next)
	it.prev, it.next = nil, nil
	c.count--
}

// tailItem returns the least recent real item, skipping a linked cursor.
func (c *chain) tailItem() *Item {
	for it := c.fakeTail.prev; it != c.fakeHead; it = it.prev {
		if !it.cursor {
			return it
		}
	}
	return nil
}

// linkTail links a crawler cursor at the cold end of the chain.
func (c *chain) linkTail(cur *Cursor) {
	cur.Item.cursor = true
	last := c.fakeTail.prev
	link(last, &cur.Item)
	link(&cur.Item, c.fakeTail)
}

func (c *chain) unlinkCursor(cur *Cursor) {
	link(cur.prev, cur.next)
	cur.prev, cur.next = nil, nil
}

// crawl advances cur one position toward the head and returns the item
// it displaced. Nil means the cursor reached the head and the class
// scan is over.
func (c *chain) crawl(cur *Cursor) *Item {
	n := &cur.Item
	it := n.prev
	if it == c.fakeHead {
		return nil
	}
	// it.prev <-> it <-> cur <-> after  becomes
	// it.prev <-> cur <-> it <-> after
	after := n.next
	link(it.prev, n)
	link(n, it)
	link(it, after)
	return it
}

func (c *chain) head() *Item      { return c.fakeHead.next }
func (c *chain) end(it *Item) bool { return it == c.fakeTail }
func (c *chain) empty() bool      { return c.count == 0 }

func (c *chain) assertOwned(it *Item) {
	for n := c.head(); !c.end(n); n = n.next {
		if n == it {
			return
		}
	}
	panic(fmt.Sprintf("item %q is not owned by chain", it.Key))
}
