package cache

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Iter walks the hash table, returning each item with its bucket lock
// held. A nil item with ok == true means the walk is between buckets
// and no lock is held. Final is mandatory: an unfinished Iter keeps
// the table pinned against expansion.
type Iter interface {
	Next() (it *Item, ok bool)
	Final()
}

const defaultHashPower = 12

// expandFactor: grow when items exceed buckets this many times.
const expandFactor = 2

type bucket struct {
	mu    sync.Mutex
	head  *Item
	moved bool // items migrated to a newer bucket array
}

type bucketArray struct {
	buckets []bucket
	mask    uint64
}

// hashTable is the key index. Per bucket locking; the array is replaced
// wholesale on expansion, with a moved mark left in every old bucket so
// lockers that raced the swap retry on the new array.
type hashTable struct {
	mu        sync.Mutex // guards expanding, iterators
	expanding bool
	iterators int
	n         int64        // Atomic. Total linked items.
	arr       atomic.Value // *bucketArray
}

func newHashTable(power int) *hashTable {
	if power <= 0 {
		power = defaultHashPower
	}
	h := &hashTable{}
	h.arr.Store(newBucketArray(power))
	return h
}

func newBucketArray(power int) *bucketArray {
	size := 1 << power
	return &bucketArray{
		buckets: make([]bucket, size),
		mask:    uint64(size - 1),
	}
}

func (h *hashTable) hv(key string) uint64 { return xxhash.Sum64String(key) }

func (h *hashTable) array() *bucketArray { return h.arr.Load().(*bucketArray) }

// lockBucket locks the bucket hv maps to and returns it.
// Spins past buckets orphaned by a concurrent expansion.
func (h *hashTable) lockBucket(hv uint64) *bucket {
	for {
		a := h.array()
		b := &a.buckets[hv&a.mask]
		b.mu.Lock()
		if !b.moved {
			return b
		}
		b.mu.Unlock()
	}
}

// tryLockBucket is the crawler's non blocking bucket acquisition.
// A bucket mid-migration counts as contended.
func (h *hashTable) tryLockBucket(hv uint64) bool {
	a := h.array()
	b := &a.buckets[hv&a.mask]
	if !b.mu.TryLock() {
		return false
	}
	if b.moved {
		b.mu.Unlock()
		return false
	}
	return true
}

// unlockBucket releases a bucket locked by lockBucket or tryLockBucket.
// While any bucket lock is held the array can not be swapped, so the
// lookup is stable.
func (h *hashTable) unlockBucket(hv uint64) {
	a := h.array()
	a.buckets[hv&a.mask].mu.Unlock()
}

// find walks the locked bucket hv maps to.
func (h *hashTable) find(hv uint64, key string) *Item {
	a := h.array()
	for it := a.buckets[hv&a.mask].head; it != nil; it = it.hnext {
		if it.Key == key {
			return it
		}
	}
	return nil
}

// insert requires the bucket lock be held.
func (h *hashTable) insert(hv uint64, it *Item) {
	a := h.array()
	b := &a.buckets[hv&a.mask]
	it.hnext = b.head
	b.head = it
	atomic.AddInt64(&h.n, 1)
}

// remove requires the bucket lock be held.
func (h *hashTable) remove(hv uint64, it *Item) {
	a := h.array()
	b := &a.buckets[hv&a.mask]
	for p := &b.head; *p != nil; p = &(*p).hnext {
		if *p == it {
			*p = it.hnext
			it.hnext = nil
			atomic.AddInt64(&h.n, -1)
			return
		}
	}
}

func (h *hashTable) items() int64 { return atomic.LoadInt64(&h.n) }

// maybeExpand doubles the bucket array when it is overloaded.
// A live iterator defers expansion to keep its walk stable.
func (h *hashTable) maybeExpand() {
	old := h.array()
	if h.items() <= expandFactor*int64(len(old.buckets)) {
		return
	}
	h.mu.Lock()
	if h.expanding || h.iterators > 0 {
		h.mu.Unlock()
		return
	}
	h.expanding = true
	h.mu.Unlock()

	old = h.array()
	next := &bucketArray{
		buckets: make([]bucket, 2*len(old.buckets)),
		mask:    uint64(2*len(old.buckets) - 1),
	}
	for i := range old.buckets {
		b := &old.buckets[i]
		b.mu.Lock()
		for it := b.head; it != nil; {
			hnext := it.hnext
			// next is unpublished, no locks needed there.
			nb := &next.buckets[h.hv(it.Key)&next.mask]
			it.hnext = nb.head
			nb.head = it
			it = hnext
		}
		b.head = nil
		b.moved = true
		b.mu.Unlock()
	}
	h.arr.Store(next)

	h.mu.Lock()
	h.expanding = false
	h.mu.Unlock()
}

// iterator returns nil while the table is expanding.
func (h *hashTable) iterator() *hashIterator {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.expanding {
		return nil
	}
	h.iterators++
	return &hashIterator{h: h, a: h.array(), idx: -1}
}

type hashIterator struct {
	h      *hashTable
	a      *bucketArray
	idx    int
	it     *Item
	locked bool
}

var _ Iter = (*hashIterator)(nil)

func (i *hashIterator) Next() (*Item, bool) {
	if i.it != nil {
		i.it = i.it.hnext
		if i.it != nil {
			return i.it, true
		}
		i.a.buckets[i.idx].mu.Unlock()
		i.locked = false
		return nil, true // between buckets
	}
	i.idx++
	if i.idx >= len(i.a.buckets) {
		return nil, false
	}
	b := &i.a.buckets[i.idx]
	b.mu.Lock()
	i.locked = true
	i.it = b.head
	if i.it == nil {
		b.mu.Unlock()
		i.locked = false
		return nil, true
	}
	return i.it, true
}

func (i *hashIterator) Final() {
	if i.locked {
		i.a.buckets[i.idx].mu.Unlock()
		i.locked = false
	}
	i.h.mu.Lock()
	i.h.iterators--
	i.h.mu.Unlock()
}
