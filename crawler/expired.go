package crawler

import (
	"sync"

	"github.com/skipor/mcache/cache"
)

// ClassStats is one class's record of an expired crawl.
type ClassStats struct {
	StartTime   cache.Rel
	EndTime     cache.Rel
	RunComplete bool
	Seen        uint64
	Reclaimed   uint64
	Noexp       uint64
	TTLHourplus uint64
	// Histo buckets remaining TTL per minute, up to an hour.
	Histo [61]uint64
}

// ExpiredData aggregates an expired crawl. Callers may pass their own
// block to a crawl start to watch progress under its lock; otherwise
// the mode owns a private one.
type ExpiredData struct {
	sync.Mutex
	Classes       [cache.PowerLargest]ClassStats
	StartTime     cache.Rel
	EndTime       cache.Rel
	CrawlComplete bool

	external bool
}

type expired struct {
	c *Crawler
	d *ExpiredData
}

func newExpired(c *Crawler) mode { return &expired{c: c} }

func (m *expired) init(data interface{}) error {
	if d, ok := data.(*ExpiredData); ok && d != nil {
		d.external = true
		m.d = d
	} else {
		m.d = &ExpiredData{StartTime: m.c.store.Now()}
	}
	d := m.d
	d.Lock()
	defer d.Unlock()
	now := m.c.store.Now()
	d.CrawlComplete = false
	for i := range d.Classes {
		d.Classes[i] = ClassStats{StartTime: now}
	}
	return nil
}

func (m *expired) eval(it *cache.Item, hv uint64, class int) {
	d := m.d
	d.Lock()
	defer d.Unlock()
	s := &d.Classes[class]
	now := m.c.store.Now()
	isFlushed := m.c.store.IsFlushed(it)
	isValid := true
	if m.c.storage != nil && it.Has(cache.Hdr) {
		isValid = m.c.storage.ValidateItem(it)
	}
	if it.Expired(now) || isFlushed || !isValid {
		cur := &m.c.crawlers[class]
		cur.Reclaimed++
		s.Reclaimed++
		m.c.log.Debugf("Crawler found an expired item (bits: %v, cls: %v): %s",
			it.Bits, it.Clsid, it.Key)
		if !it.Has(cache.Fetched) && !isFlushed {
			cur.Unfetched++
		}
		if m.c.storage != nil && it.Has(cache.Hdr) {
			m.c.storage.DeleteItem(it)
		}
		m.c.store.DoUnlinkNolock(it, hv)
		it.RefDecr()
		return
	}
	s.Seen++
	it.RefDecr()
	switch {
	case it.Exptime == 0:
		s.Noexp++
	case it.Exptime-now > 3599:
		s.TTLHourplus++
	default:
		bucket := int(it.Exptime-now) / 60
		if bucket <= 60 {
			s.Histo[bucket]++
		}
	}
}

func (m *expired) doneClass(class int) {
	d := m.d
	d.Lock()
	defer d.Unlock()
	d.Classes[class].EndTime = m.c.store.Now()
	d.Classes[class].RunComplete = true
}

func (m *expired) finalize() {
	d := m.d
	d.Lock()
	defer d.Unlock()
	d.EndTime = m.c.store.Now()
	d.CrawlComplete = true
}
