package crawler

import (
	"github.com/skipor/mcache/cache"
)

// Store is the cache surface the crawler drives. Hash table internals
// stay behind the Iter contract, chain internals behind the cursor ops.
type Store interface {
	Now() cache.Rel
	StartedUnix() int64
	IsFlushed(it *cache.Item) bool

	Hash(key string) uint64
	TryLockBucket(hv uint64) bool
	UnlockBucket(hv uint64)

	LockClass(i int)
	UnlockClass(i int)
	// ClassSize requires the class lock be held.
	ClassSize(i int) int

	LinkTailCursor(i int, cur *cache.Cursor)
	UnlinkCursor(i int, cur *cache.Cursor)
	// CrawlStep advances the cursor one position toward the chain head
	// and returns the displaced item, nil at the head.
	CrawlStep(i int, cur *cache.Cursor) *cache.Item

	// DoUnlinkNolock removes the item from hash and chain and drops the
	// link reference. Class and bucket locks must be held.
	DoUnlinkNolock(it *cache.Item, hv uint64)

	// Iterator returns nil when the hash table is unavailable
	// (expansion in progress).
	Iterator() cache.Iter
}

var _ Store = (*cache.Store)(nil)

// Storage is the optional external storage tier hooks. Items carrying
// the Hdr bit hold a descriptor instead of the value; the tier decides
// whether the descriptor still points at live data.
type Storage interface {
	ValidateItem(it *cache.Item) bool
	DeleteItem(it *cache.Item)
}
