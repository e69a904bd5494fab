package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/mcache"
	"github.com/skipor/mcache/cache"
	"github.com/skipor/mcache/crawler"
	"github.com/skipor/mcache/internal/util"
	"github.com/skipor/mcache/log"
)

// Config is the merged file and flag input.
type Config struct {
	Port           int    `json:"port,omitempty"`
	Host           string `json:"host,omitempty"`
	LogDestination string `json:"log-destination,omitempty"` // Stdout, stderr, or filepath.
	LogLevel       string `json:"log-level,omitempty"`
	// Size values 10g, 128m, 1024k, 1000000b
	MaxItemSize      string        `json:"max-item-size,omitempty"`
	MaxItemsPerClass int           `json:"max-items-per-class,omitempty"`
	Crawler          CrawlerConfig `json:"crawler,omitempty"`
	MetricsAddr      string        `json:"metrics-addr,omitempty"`
}

type CrawlerConfig struct {
	// SleepUsec is microseconds slept between item batches. 0 yields only.
	SleepUsec int `json:"sleep-usec,omitempty"`
	// CrawlsPerSleep is items visited between sleeps.
	CrawlsPerSleep int `json:"crawls-per-sleep,omitempty"`
	// MaintainerInterval is the autoexpire period ("30m"). "off" disables.
	MaintainerInterval string `json:"maintainer-interval,omitempty"`
}

func Default() *Config {
	return &Config{
		Port:           11211,
		Host:           "",
		LogDestination: "stderr",
		LogLevel:       "info",
		MaxItemSize:    "1m",
		Crawler: CrawlerConfig{
			SleepUsec:          100,
			CrawlsPerSleep:     1000,
			MaintainerInterval: "1h",
		},
	}
}

// Parsed is ready to wire server configuration.
type Parsed struct {
	Addr               string
	LogDestination     io.Writer
	LogLevel           log.Level
	MaxItemSize        int64
	Store              cache.Config
	Crawler            crawler.Settings
	MaintainerInterval time.Duration // 0 means disabled
	MetricsAddr        string
}

func Parse(conf Config) (p Parsed, err error) {
	p.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	p.MaxItemSize, err = parseSize(conf.MaxItemSize)
	if err != nil {
		err = stackerr.Newf("Max item size parse error: %v", err)
		return
	}
	if p.MaxItemSize > mcache.MaxItemSize {
		err = stackerr.Newf("Too large max item size.")
		return
	}
	p.LogLevel, err = log.LevelFromString(strings.ToUpper(conf.LogLevel))
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}
	p.Store = cache.Config{MaxItemsPerClass: conf.MaxItemsPerClass}
	p.Crawler = crawler.Settings{
		Sleep:          time.Duration(conf.Crawler.SleepUsec) * time.Microsecond,
		CrawlsPerSleep: conf.Crawler.CrawlsPerSleep,
	}
	if iv := conf.Crawler.MaintainerInterval; iv != "" && iv != "off" {
		p.MaintainerInterval, err = time.ParseDuration(iv)
		if err != nil {
			err = stackerr.Newf("Maintainer interval parse error: %v", err)
			return
		}
	}
	p.MetricsAddr = conf.MetricsAddr
	p.Addr = net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	return
}

func Merge(def, override *Config) {
	defCrawler := def.Crawler
	merge(def, override)

	// HACK: manual recursion. Some third party high level reflection package should be used here.
	merge(&defCrawler, &override.Crawler)
	def.Crawler = defCrawler
}

func merge(def, override interface{}) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		overrideVal := overrideVal.Field(i)
		if !util.IsZeroVal(overrideVal) {
			defVal.Field(i).Set(overrideVal)
		}
	}
}

func Marshal(conf *Config) []byte {
	data, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("Invalid size format.")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("Invalid exponent. Only 'b', 'k', 'm', 'g' allowed.")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = fmt.Errorf("Size parse error: %s", err)
		return
	}
	size <<= exponent
	return
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	}
	return
}
