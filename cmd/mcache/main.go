package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/skipor/mcache"
	"github.com/skipor/mcache/cache"
	"github.com/skipor/mcache/cmd/mcache/config"
	"github.com/skipor/mcache/crawler"
	"github.com/skipor/mcache/internal/tag"
	"github.com/skipor/mcache/log"
	promstats "github.com/skipor/mcache/metrics/prom"
	"github.com/skipor/mcache/recycle"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

func main() {
	conf := parseConfig()
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large perfomance overhead.")
	}

	pool := recycle.NewPool()
	store := cache.NewStore(l, cache.NewClock(), pool, conf.Store)

	var stats crawler.StatsSink = crawler.NopStats{}
	if conf.MetricsAddr != "" {
		stats = promstats.New(nil, "mcache", "lru_crawler", nil)
	}
	cr := crawler.New(l, store, crawler.Config{
		Settings: conf.Crawler,
		Stats:    stats,
	})

	s := &mcache.Server{
		Addr: conf.Addr,
		Log:  l,
		ConnMeta: mcache.ConnMeta{
			Cache:       store,
			Crawler:     cr,
			Pool:        pool,
			MaxItemSize: int(conf.MaxItemSize),
		},
	}

	if conf.MaintainerInterval > 0 {
		m := crawler.NewMaintainer(l, cr, conf.MaintainerInterval)
		m.Start()
		defer m.Stop()
	}

	var g errgroup.Group
	g.Go(func() error {
		l.Infof("Serve on %s.", s.Addr)
		return s.ListenAndServe()
	})
	if conf.MetricsAddr != "" {
		g.Go(func() error {
			l.Infof("Metrics on %s.", conf.MetricsAddr)
			return http.ListenAndServe(conf.MetricsAddr, promhttp.Handler())
		})
	}
	l.Fatal("Serve error: ", g.Wait())
}

// parseConfig parses command flags, reads config file if any, returns
// merged parsed config.
func parseConfig() config.Parsed {
	l := log.NewLogger(log.DebugLevel, os.Stderr)
	flg := parseFlags()
	fileConf := config.Default()
	if flg.ConfigPath != "" {
		data, err := ioutil.ReadFile(flg.ConfigPath)
		if err != nil {
			l.Fatal("Config file read error: ", err)
		}
		err = json.Unmarshal(data, fileConf)
		if err != nil {
			l.Fatal("Config parse error: ", err)
		}
	}
	config.Merge(fileConf, &flg.Config)
	parsed, err := config.Parse(*fileConf)
	if err != nil {
		l.Fatal("Config error: ", err)
	}
	return parsed
}

type Flags struct {
	ConfigPath string
	config.Config
}

// NOTE: without "only stdlib" constraint I would use
// github.com/spf13/viper with custom github.com/mitchellh/mapstructure
// decode hooks for configuration and github.com/spf13/cobra for CLI.
func parseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to json config")

	def := config.Default()
	usage := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			usage += fmt.Sprintf(" (default %q)", defVal)
		} else {
			usage += fmt.Sprintf(" (default %v)", defVal)
		}
		return usage
	}
	flag.StringVar(&f.Host, "host", "", usage("host address to bind", def.Host))
	flag.IntVar(&f.Port, "port", 0, usage("port num", def.Port))
	flag.StringVar(&f.LogDestination, "log-destination", "", usage("log destination: stederr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usage("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.StringVar(&f.MaxItemSize, "max-item-size", "", usage("max item size: 10m, 1024k", def.MaxItemSize))
	flag.IntVar(&f.MaxItemsPerClass, "max-items-per-class", 0, usage("class chain cap, 0 is unlimited", def.MaxItemsPerClass))
	flag.IntVar(&f.Crawler.SleepUsec, "lru-crawler-sleep", 0, usage("crawler sleep between batches, usec", def.Crawler.SleepUsec))
	flag.IntVar(&f.Crawler.CrawlsPerSleep, "crawls-per-sleep", 0, usage("items crawled between sleeps", def.Crawler.CrawlsPerSleep))
	flag.StringVar(&f.Crawler.MaintainerInterval, "maintainer-interval", "", usage("autoexpire period, e.g. 30m, off to disable", def.Crawler.MaintainerInterval))
	flag.StringVar(&f.MetricsAddr, "metrics-addr", "", usage("prometheus listen address, empty to disable", def.MetricsAddr))
	flag.Parse()
	return f
}
