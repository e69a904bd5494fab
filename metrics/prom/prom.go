// Package prom exports crawler statistics as Prometheus metrics.
package prom

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skipor/mcache/crawler"
)

// Adapter implements crawler.StatsSink over Prometheus collectors.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	reclaimed *prometheus.CounterVec
	unfetched *prometheus.CounterVec
	checked   *prometheus.CounterVec
	starts    prometheus.Counter
	running   prometheus.Gauge
}

var _ crawler.StatsSink = (*Adapter)(nil)

// New constructs a Prometheus stats adapter.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:     Prometheus namespace and subsystem
//   - constLabels: static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        name,
				Help:        help,
				ConstLabels: constLabels,
			},
			[]string{"class"},
		)
	}
	a := &Adapter{
		reclaimed: counter("reclaimed_total", "Expired items reaped by the crawler"),
		unfetched: counter("unfetched_total", "Reaped items that were never fetched"),
		checked:   counter("checked_total", "Items examined by the crawler"),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "starts_total",
			Help:        "Crawls started",
			ConstLabels: constLabels,
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "running",
			Help:        "Whether a crawl is in flight",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.reclaimed, a.unfetched, a.checked, a.starts, a.running)
	return a
}

func (a *Adapter) AddCrawl(class int, reclaimed, unfetched, checked uint64) {
	label := strconv.Itoa(class)
	a.reclaimed.WithLabelValues(label).Add(float64(reclaimed))
	a.unfetched.WithLabelValues(label).Add(float64(unfetched))
	a.checked.WithLabelValues(label).Add(float64(checked))
}

func (a *Adapter) SetRunning(running bool) {
	if running {
		a.running.Set(1)
	} else {
		a.running.Set(0)
	}
}

func (a *Adapter) Starts() { a.starts.Inc() }
