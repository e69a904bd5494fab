package crawler

import (
	"time"

	"github.com/skipor/mcache/log"
)

// MaxMaintcrawlWait bounds the autoexpire period: every class gets
// crawled at least once per hour.
const MaxMaintcrawlWait = time.Hour

// Maintainer periodically starts an autoexpire crawl over all classes,
// capped at the current class sizes so one pass scrubs each chain once.
type Maintainer struct {
	c        *Crawler
	log      log.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewMaintainer(l log.Logger, c *Crawler, interval time.Duration) *Maintainer {
	if interval <= 0 || interval > MaxMaintcrawlWait {
		interval = MaxMaintcrawlWait
	}
	return &Maintainer{c: c, log: l, interval: interval}
}

func (m *Maintainer) Start() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop()
}

func (m *Maintainer) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Maintainer) loop() {
	defer close(m.done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
		// Rejects are fine: a user crawl is running or has armed the
		// suppression window.
		res := m.c.Crawl("all", Autoexpire, nil, CapRemaining)
		if res != OK {
			m.log.Debugf("Autoexpire crawl skipped: %v.", res)
		}
	}
}
