package cache

import (
	"sync"
	"sync/atomic"

	"github.com/skipor/mcache/log"
	"github.com/skipor/mcache/recycle"
)

type Config struct {
	// HashPower is log2 of initial hash bucket count.
	HashPower int
	// MaxItemsPerClass caps a class chain. 0 means unlimited.
	// On overflow the oldest item of the class is evicted.
	MaxItemsPerClass int
}

// ItemMeta is the store facing description of a value to set.
type ItemMeta struct {
	Key   string
	Flags uint32
	// Exptime is absolute unix time. 0 means never.
	Exptime int64
	Bytes   int
	// Bits are optional item flag bits (KeyBinary for non text callers,
	// Hdr for the external storage tier).
	Bits uint8
	// Clsid forces a chain id. 0 means derive slab class from size.
	Clsid uint8
}

type ItemView struct {
	Key    string
	Flags  uint32
	Bytes  int
	Reader *recycle.DataReader
}

// Store is the item index: PowerLargest class chains, each with its own
// lock, over one shared hash table.
type Store struct {
	log   log.Logger
	clock *Clock
	pool  *recycle.Pool
	hash  *hashTable
	conf  Config

	cas     uint64 // Atomic.
	flushAt int32  // Atomic Rel. Items older than it are dead. 0 means never flushed.

	locks  [PowerLargest]sync.Mutex
	chains [PowerLargest]*chain
}

func NewStore(l log.Logger, clock *Clock, pool *recycle.Pool, conf Config) *Store {
	s := &Store{
		log:   l,
		clock: clock,
		pool:  pool,
		hash:  newHashTable(conf.HashPower),
		conf:  conf,
	}
	for i := range s.chains {
		s.chains[i] = newChain()
	}
	return s
}

func (s *Store) Clock() *Clock { return s.clock }
func (s *Store) Pool() *recycle.Pool { return s.pool }

// slabSizes[i] is the max Ntotal served by slab class i.
var slabSizes = func() (sizes [MaxSlabClasses]int) {
	size := 96
	for i := 1; i < MaxSlabClasses; i++ {
		sizes[i] = size
		size = size * 5 / 4
	}
	return
}()

func clsidFor(ntotal int) uint8 {
	for i := 1; i < MaxSlabClasses-1; i++ {
		if ntotal <= slabSizes[i] {
			return uint8(i)
		}
	}
	return MaxSlabClasses - 1
}

// Set stores the value, replacing any previous item under the key.
// Takes ownership of data even on failure.
func (s *Store) Set(m ItemMeta, data *recycle.Data) {
	now := s.clock.Current()
	var relExp Rel
	if m.Exptime != 0 {
		if m.Exptime <= s.clock.Abs(now) {
			s.log.Warn("Skip set of expired item.")
			data.Recycle()
			return
		}
		relExp = Rel(m.Exptime - s.clock.StartedUnix())
	}
	clsid := m.Clsid
	if clsid == 0 {
		clsid = clsidFor(itemOverhead + len(m.Key) + m.Bytes)
	}
	it := &Item{
		Key:      m.Key,
		Flags:    m.Flags,
		Bits:     m.Bits,
		Clsid:    clsid,
		Exptime:  relExp,
		Time:     now,
		CAS:      atomic.AddUint64(&s.cas, 1),
		Bytes:    m.Bytes,
		Data:     data,
		refcount: 1,
	}
	hv := s.hash.hv(m.Key)

	for {
		oldCls, _ := s.peekClass(hv, m.Key)
		s.lockClasses(int(clsid), oldCls)
		s.hash.lockBucket(hv)
		old := s.hash.find(hv, m.Key)
		if old != nil && int(old.Clsid) != oldCls && old.Clsid != clsid {
			// Raced with another writer, the held class locks do not
			// cover the current item. Retry with a fresh peek.
			s.hash.unlockBucket(hv)
			s.unlockClasses(int(clsid), oldCls)
			continue
		}
		if old != nil {
			s.log.Debugf("Remove old item %s value.", m.Key)
			s.unlinkNolock(old, hv)
		}
		s.hash.insert(hv, it)
		s.chains[clsid].pushHead(it)
		s.evictOverflowNolock(int(clsid), hv, it)
		s.checkChain(int(clsid))
		s.hash.unlockBucket(hv)
		s.unlockClasses(int(clsid), oldCls)
		break
	}
	s.hash.maybeExpand()
}

// peekClass looks the key up just to learn which class lock a mutation
// of it needs. The answer can go stale; callers revalidate under locks.
func (s *Store) peekClass(hv uint64, key string) (cls int, ok bool) {
	s.hash.lockBucket(hv)
	defer s.hash.unlockBucket(hv)
	it := s.hash.find(hv, key)
	if it == nil {
		return -1, false
	}
	return int(it.Clsid), true
}

func (s *Store) lockClasses(a, b int) {
	if b < 0 || a == b {
		s.locks[a].Lock()
		return
	}
	if b < a {
		a, b = b, a
	}
	s.locks[a].Lock()
	s.locks[b].Lock()
}

func (s *Store) unlockClasses(a, b int) {
	if b < 0 || a == b {
		s.locks[a].Unlock()
		return
	}
	s.locks[a].Unlock()
	s.locks[b].Unlock()
}

// evictOverflowNolock evicts the class tail when the chain outgrew its
// cap. Requires the class lock and the bucket lock of hv be held; the
// victim bucket is trylocked, contention just skips the eviction.
func (s *Store) evictOverflowNolock(cls int, heldHV uint64, keep *Item) {
	max := s.conf.MaxItemsPerClass
	if max == 0 || s.chains[cls].count <= max {
		return
	}
	victim := s.chains[cls].tailItem()
	if victim == nil || victim == keep {
		return
	}
	vhv := s.hash.hv(victim.Key)
	sameBucket := s.sameBucket(vhv, heldHV)
	if !sameBucket && !s.hash.tryLockBucket(vhv) {
		return
	}
	s.log.Debugf("Item %s evicted.", victim.Key)
	s.unlinkNolock(victim, vhv)
	if !sameBucket {
		s.hash.unlockBucket(vhv)
	}
}

func (s *Store) sameBucket(a, b uint64) bool {
	arr := s.hash.array()
	return a&arr.mask == b&arr.mask
}

// Get returns views for found live keys and marks the items fetched.
func (s *Store) Get(keys ...[]byte) (views []ItemView) {
	now := s.clock.Current()
	for _, key := range keys {
		hv := s.hash.hv(string(key))
		s.hash.lockBucket(hv)
		it := s.hash.find(hv, string(key)) // No allocation.
		if it != nil && !it.Expired(now) && !s.IsFlushed(it) {
			it.RefIncr()
			it.Bits |= Fetched
			it.Time = now
			views = append(views, ItemView{
				Key:    it.Key,
				Flags:  it.Flags,
				Bytes:  it.Bytes,
				Reader: it.Data.NewReader(),
			})
			it.RefDecr()
		}
		s.hash.unlockBucket(hv)
	}
	return
}

func (s *Store) Delete(key []byte) (deleted bool) {
	hv := s.hash.hv(string(key))
	for {
		cls, ok := s.peekClass(hv, string(key))
		if !ok {
			return false
		}
		s.locks[cls].Lock()
		s.hash.lockBucket(hv)
		it := s.hash.find(hv, string(key))
		if it == nil {
			s.hash.unlockBucket(hv)
			s.locks[cls].Unlock()
			return false
		}
		if int(it.Clsid) != cls {
			// Replaced into another class between peek and lock.
			s.hash.unlockBucket(hv)
			s.locks[cls].Unlock()
			continue
		}
		s.unlinkNolock(it, hv)
		s.checkChain(cls)
		s.hash.unlockBucket(hv)
		s.locks[cls].Unlock()
		return true
	}
}

// unlinkNolock removes the item from hash and chain and drops the link
// reference. Requires the item's class and bucket locks be held.
func (s *Store) unlinkNolock(it *Item, hv uint64) {
	s.hash.remove(hv, it)
	s.chains[it.Clsid].remove(it)
	it.RefDecr()
}

// DoUnlinkNolock is unlinkNolock for the crawler's reap path.
func (s *Store) DoUnlinkNolock(it *Item, hv uint64) {
	s.unlinkNolock(it, hv)
}

// Flush retroactively invalidates all currently stored items.
// Items stored during the current second survive.
func (s *Store) Flush() {
	atomic.StoreInt32(&s.flushAt, int32(s.clock.Current()))
}

func (s *Store) IsFlushed(it *Item) bool {
	at := atomic.LoadInt32(&s.flushAt)
	return at != 0 && it.Time < Rel(at)
}

// ItemCount returns total linked items. Approximate under concurrency.
func (s *Store) ItemCount() int { return int(s.hash.items()) }

// Crawler facing surface.

func (s *Store) Now() Rel            { return s.clock.Current() }
func (s *Store) StartedUnix() int64  { return s.clock.StartedUnix() }
func (s *Store) Hash(key string) uint64 { return s.hash.hv(key) }

func (s *Store) TryLockBucket(hv uint64) bool { return s.hash.tryLockBucket(hv) }
func (s *Store) UnlockBucket(hv uint64)       { s.hash.unlockBucket(hv) }

func (s *Store) LockClass(i int)   { s.locks[i].Lock() }
func (s *Store) UnlockClass(i int) { s.locks[i].Unlock() }

// ClassSize requires the class lock be held.
func (s *Store) ClassSize(i int) int { return s.chains[i].count }

func (s *Store) LinkTailCursor(i int, cur *Cursor) { s.chains[i].linkTail(cur) }
func (s *Store) UnlinkCursor(i int, cur *Cursor)   { s.chains[i].unlinkCursor(cur) }

// CrawlStep advances the cursor one position toward the chain head and
// returns the displaced item. Requires the class lock be held.
func (s *Store) CrawlStep(i int, cur *Cursor) *Item { return s.chains[i].crawl(cur) }

// Iterator returns a pinned hash walk, or nil while the table is
// expanding.
func (s *Store) Iterator() Iter {
	iter := s.hash.iterator()
	if iter == nil {
		return nil
	}
	return iter
}
