package crawler

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/mcache/cache"
	"github.com/skipor/mcache/log"
)

const (
	// MinItemsPerWrite batches hash walk output between flushes to cut
	// down on poll and write syscalls.
	MinItemsPerWrite = 16

	// CapRemaining makes a class use its current size as the visit cap,
	// so a maintainer pass scrubs the whole chain exactly once.
	CapRemaining = ^uint32(0)

	// autoexpireBlockSecs suppresses autoexpire starts after a busy
	// reject, giving the user initiated crawl room to finish.
	autoexpireBlockSecs cache.Rel = 60

	// hashWalk marks the active class count during a hash table walk.
	hashWalk = -1

	statusLocked = 1
)

var (
	ErrStarted    = errors.New("crawler worker already started")
	ErrNotRunning = errors.New("crawler worker is not running")
	ErrRunning    = errors.New("crawler is busy")
	ErrBadType    = errors.New("hash walk requires a dump mode")
	ErrNoClient   = errors.New("crawl mode requires a client")
)

type Settings struct {
	// Sleep between item batches. 0 means yield only.
	Sleep time.Duration
	// CrawlsPerSleep is items visited between sleeps.
	CrawlsPerSleep int
}

func DefaultSettings() Settings {
	return Settings{Sleep: 100 * time.Microsecond, CrawlsPerSleep: 1000}
}

type Config struct {
	Settings Settings
	// Storage is the optional external storage tier.
	Storage Storage
	// Stats defaults to NopStats.
	Stats StatsSink
}

type activeMod struct {
	mode   mode
	reg    *modeReg
	typ    RunType
	client client
	status int
}

// Crawler owns the worker goroutine and the active crawl state. The
// state is mutated by the worker once a crawl has started; controller
// methods mutate it only while no crawl is running. Everything is
// guarded by mu.
type Crawler struct {
	mu   sync.Mutex
	cond *sync.Cond

	store   Store
	storage Storage
	stats   StatsSink
	log     log.Logger

	settings Settings

	doRun        bool
	running      bool
	active       activeMod
	crawlers     [cache.PowerLargest]cache.Cursor
	count        int // active classes, or hashWalk
	crawlsLeft   int
	blockAEUntil cache.Rel
	done         chan struct{}
}

func New(l log.Logger, store Store, conf Config) *Crawler {
	settings := conf.Settings
	if settings.CrawlsPerSleep <= 0 {
		settings.CrawlsPerSleep = DefaultSettings().CrawlsPerSleep
	}
	stats := conf.Stats
	if stats == nil {
		stats = NopStats{}
	}
	c := &Crawler{
		store:    store,
		storage:  conf.Storage,
		stats:    stats,
		log:      l,
		settings: settings,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start spawns the worker goroutine and returns only after it is
// parked on its condition, so a following crawl start can not miss the
// wakeup. Lock dance: we hold mu across the spawn, so the worker's
// first signal can not fire before our Wait releases mu.
func (c *Crawler) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doRun {
		return ErrStarted
	}
	c.doRun = true
	c.done = make(chan struct{})
	go c.work()
	c.cond.Wait()
	return nil
}

// Stop signals the worker to exit and, with wait, joins it. A crawl in
// flight is wound down: the flag is checked at the top of each outer
// batch, then finalize runs and the client is released.
func (c *Crawler) Stop(wait bool) {
	c.mu.Lock()
	if !c.doRun {
		c.mu.Unlock()
		return
	}
	c.doRun = false
	c.cond.Signal()
	done := c.done
	c.mu.Unlock()
	if wait {
		<-done
	}
}

// Pause freezes the crawler; while paused it can not wake or move.
func (c *Crawler) Pause() { c.mu.Lock() }

func (c *Crawler) Resume() { c.mu.Unlock() }

func (c *Crawler) SetSleep(d time.Duration) {
	c.mu.Lock()
	c.settings.Sleep = d
	c.mu.Unlock()
}

func (c *Crawler) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Crawl is the command surface: slabs is "all", "hash" or a comma
// separated list of numeric slab classes, each expanded to its four
// LRU chains.
func (c *Crawler) Crawl(slabs string, typ RunType, conn ClientConn, remaining uint32) Result {
	var ids []bool
	switch slabs {
	case "hash":
		// nil ids request a hash table walk.
	case "all":
		ids = make([]bool, cache.PowerLargest)
		for i := range ids {
			ids[i] = true
		}
	default:
		ids = make([]bool, cache.PowerLargest)
		for _, f := range strings.Split(slabs, ",") {
			sid, err := strconv.ParseUint(f, 10, 32)
			if err != nil || sid < 1 || sid >= cache.MaxSlabClasses {
				return BadClass
			}
			ids[sid|cache.TempLRU] = true
			ids[sid|cache.HotLRU] = true
			ids[sid|cache.WarmLRU] = true
			ids[sid|cache.ColdLRU] = true
		}
	}
	starts, err := c.StartCrawl(ids, remaining, typ, nil, conn)
	switch {
	case err == ErrRunning:
		return Running
	case err == ErrNotRunning:
		return NotStarted
	case err != nil:
		return Error
	case starts == 0:
		return NotStarted
	}
	return OK
}

// StartCrawl begins a crawl over the set classes, or over the hash
// table when ids is nil. data is optional mode state (an ExpiredData
// block to adopt), conn the client for dump modes. Returns the number
// of classes started.
func (c *Crawler) StartCrawl(ids []bool, remaining uint32, typ RunType, data interface{}, conn ClientConn) (starts int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.store.Now()
	if !c.doRun {
		return 0, ErrNotRunning
	}
	if typ < 0 || typ >= runTypes {
		return 0, errors.Errorf("unknown crawl type %v", int(typ))
	}
	if c.running && !(typ == Autoexpire && c.active.typ == Autoexpire) {
		// Arm the autoexpire gate: whatever runs now gets room to
		// finish before the maintainer tries again.
		c.blockAEUntil = now + autoexpireBlockSecs
		return 0, ErrRunning
	}
	if typ == Autoexpire && c.blockAEUntil > now {
		return 0, ErrRunning
	}
	if ids == nil && typ != Metadump && typ != MgDump {
		// The hash walk passes hv=0, class=0 to eval; expired mode
		// bookkeeping relies on both, so it never walks the hash.
		return 0, ErrBadType
	}
	wasRunning := c.running
	if !c.running {
		reg := &modeRegs[typ]
		c.active = activeMod{reg: reg, typ: typ}
		c.active.client.log = c.log
		c.active.mode = reg.newMode(c)
		if err := c.active.mode.init(data); err != nil {
			c.active = activeMod{}
			return 0, err
		}
		if reg.needsClient {
			if conn == nil {
				c.active = activeMod{}
				return 0, ErrNoClient
			}
			if err := c.active.client.attach(conn); err != nil {
				c.active = activeMod{}
				return 0, err
			}
		}
	}
	if ids == nil {
		starts = 1
		c.count = hashWalk
	} else {
		// An autoexpire restart may re-enable finished classes while
		// others of the same crawl are still being swept.
		for sid := 1; sid < cache.PowerLargest && sid < len(ids); sid++ {
			if ids[sid] {
				starts += c.startClass(sid, remaining)
			}
		}
	}
	if starts > 0 {
		c.running = true
		c.stats.SetRunning(true)
		c.stats.Starts()
		c.cond.Signal()
	} else if !wasRunning {
		// Nothing matched: undo the installed mode.
		if c.active.client.attached() {
			c.active.client.release()
		}
		c.active = activeMod{}
	}
	return starts, nil
}

// startClass links the class cursor at the chain tail.
func (c *Crawler) startClass(sid int, remaining uint32) int {
	c.store.LockClass(sid)
	defer c.store.UnlockClass(sid)
	cur := &c.crawlers[sid]
	if cur.Enabled {
		return 0
	}
	c.log.Debugf("Kicking LRU crawler off for class %v.", sid)
	*cur = cache.Cursor{Enabled: true}
	cur.Clsid = uint8(sid)
	if remaining == CapRemaining {
		remaining = uint32(c.store.ClassSize(sid))
	}
	// Values for remaining:
	// 0 scans all elements, until the chain head is reached.
	// n+1 visits the first n elements: the decrement that takes it
	// from 1 to 0 terminates the class.
	if remaining != 0 {
		remaining++
	}
	cur.Remaining = remaining
	c.store.LinkTailCursor(sid, cur)
	c.count++
	return 1
}

// work is the crawler worker goroutine.
func (c *Crawler) work() {
	c.mu.Lock()
	c.cond.Signal()
	c.log.Debug("Starting LRU crawler background goroutine.")
	for c.doRun {
		c.cond.Wait()
		c.crawlsLeft = c.settings.CrawlsPerSleep

		if c.count == hashWalk {
			c.crawlHash()
			c.count = 0
		} else {
			for c.count > 0 && c.doRun {
				c.crawlClasses()
			}
			if c.count > 0 {
				// Stop request mid crawl: close out linked cursors so
				// no sentinel outlives its crawl.
				for i := range c.crawlers {
					if c.crawlers[i].Enabled {
						c.store.LockClass(i)
						c.classDone(i)
					}
				}
			}
		}

		if c.active.reg != nil {
			c.active.mode.finalize()
			for c.active.client.attached() && c.active.client.used != 0 {
				if c.active.client.flush() != nil {
					break
				}
			}
			// Double check: the client may have closed during the drain.
			if c.active.client.attached() {
				c.active.client.release()
			}
			c.active = activeMod{}
		}

		c.log.Debug("LRU crawler goroutine sleeping.")
		c.running = false
		c.stats.SetRunning(false)
	}
	c.mu.Unlock()
	c.log.Debug("LRU crawler goroutine stopping.")
	close(c.done)
}

// crawlClasses sweeps one batch: a single step of every enabled class.
func (c *Crawler) crawlClasses() {
	for i := 1; i < cache.PowerLargest; i++ {
		cur := &c.crawlers[i]
		if !cur.Enabled {
			continue
		}
		cl := &c.active.client
		if cl.attached() {
			if cl.headroom() < MinBufspace {
				if err := cl.flush(); err != nil {
					c.store.LockClass(i)
					c.classDone(i)
					continue
				}
			}
		} else if c.active.reg.needsClient {
			c.store.LockClass(i)
			c.classDone(i)
			continue
		}
		c.store.LockClass(i)
		it := c.store.CrawlStep(i, cur)
		stop := it == nil
		if !stop && cur.Remaining != 0 {
			cur.Remaining--
			if cur.Remaining < 1 {
				stop = true
			}
		}
		if stop {
			c.log.Debugf("Nothing left to crawl for class %v.", i)
			c.classDone(i)
			continue
		}
		hv := c.store.Hash(it.Key)
		// A contended bucket means a request handler owns the item's
		// bucket right now. Leave the cursor where it is; the next
		// batch retries this class.
		if !c.store.TryLockBucket(hv) {
			c.store.UnlockClass(i)
			continue
		}
		if it.RefIncr() != 2 {
			// Transitional item: some other actor holds a reference.
			it.RefDecr()
			c.store.UnlockBucket(hv)
			c.store.UnlockClass(i)
			continue
		}
		cur.Checked++
		needsLock := c.active.reg.needsLock
		if !needsLock {
			c.store.UnlockClass(i)
		}
		// eval owns the item reference from here: it frees the item or
		// drops the reference.
		c.active.mode.eval(it, hv, i)
		c.store.UnlockBucket(hv)
		if needsLock {
			c.store.UnlockClass(i)
		}
		c.yield()
	}
}

// classDone finishes one class scan. Requires the class lock be held
// and releases it.
func (c *Crawler) classDone(i int) {
	cur := &c.crawlers[i]
	cur.Enabled = false
	c.count--
	c.store.UnlinkCursor(i, cur)
	c.stats.AddCrawl(i, cur.Reclaimed, cur.Unfetched, cur.Checked)
	c.store.UnlockClass(i)
	c.active.mode.doneClass(i)
}

// crawlHash walks the whole hash table through the pinned iterator.
func (c *Crawler) crawlHash() {
	iter := c.store.Iterator()
	if iter == nil {
		// Could not get the iterator: probably locked due to hash
		// expansion. Finalize tells the client to retry.
		c.active.status = statusLocked
		return
	}
	// Mandatory, or the hash table stays pinned against expansion.
	defer iter.Final()

	items := 0
	for {
		it, ok := iter.Next()
		if !ok {
			break
		}
		// Between buckets no lock is held: flush, stop checks and
		// sleeps happen here.
		if it == nil {
			cl := &c.active.client
			if cl.attached() {
				if items >= MinItemsPerWrite {
					if cl.flush() != nil {
						break
					}
					items = 0
				}
			} else if c.active.reg.needsClient {
				break
			}
			if !c.doRun {
				break
			}
			c.yield()
			continue
		}
		// Double check that the item is not in a transitional state.
		if it.RefIncr() < 2 {
			it.RefDecr()
			continue
		}
		// The bucket lock is held here, so the buffer must grow instead
		// of a flush that could hang on the socket with the bucket
		// pinned.
		if cl := &c.active.client; cl.attached() && cl.headroom() < MinBufspace {
			if cl.expand() != nil {
				it.RefDecr()
				break
			}
		}
		c.active.mode.eval(it, 0, 0)
		c.crawlsLeft--
		items++
	}
}

// yield applies the sleep policy. With a sleep configured, it releases
// the crawler mutex and sleeps each time the CrawlsPerSleep budget runs
// out, giving request handlers breathing room. With no sleep, it cycles
// the mutex on every call so start and stop requests can get in.
func (c *Crawler) yield() {
	c.crawlsLeft--
	if c.crawlsLeft <= 0 && c.settings.Sleep > 0 {
		sleep := c.settings.Sleep
		c.mu.Unlock()
		time.Sleep(sleep)
		c.mu.Lock()
		c.crawlsLeft = c.settings.CrawlsPerSleep
	} else if c.settings.Sleep == 0 {
		c.mu.Unlock()
		runtime.Gosched()
		c.mu.Lock()
	}
}
