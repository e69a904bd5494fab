package crawler

// StatsSink receives crawler counters. Implementations must be safe
// for concurrent use; everything is called from the crawler goroutine
// except Starts and SetRunning(true), which start requests report from
// their own goroutine.
type StatsSink interface {
	// AddCrawl reports one class's counters on scan completion.
	AddCrawl(class int, reclaimed, unfetched, checked uint64)
	SetRunning(running bool)
	Starts()
}

// NopStats discards all reports.
type NopStats struct{}

var _ StatsSink = NopStats{}

func (NopStats) AddCrawl(int, uint64, uint64, uint64) {}
func (NopStats) SetRunning(bool)                      {}
func (NopStats) Starts()                              {}
