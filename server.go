package mcache

import (
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/skipor/mcache/cache"
	"github.com/skipor/mcache/crawler"
	"github.com/skipor/mcache/log"
	"github.com/skipor/mcache/recycle"
)

// Cache is the store surface connections drive.
// Handler implementation must not retain key slices.
type Cache interface {
	Set(m cache.ItemMeta, data *recycle.Data)
	// Get returns views for keys that was found in cache.
	Get(keys ...[]byte) (views []cache.ItemView)
	Delete(key []byte) (deleted bool)
	// Flush retroactively invalidates all stored items.
	Flush()
}

var _ Cache = (*cache.Store)(nil)

type Server struct {
	Addr string
	ConnMeta
	Log         log.Logger
	connCounter int64
}

// ConnMeta is data shared between connections.
type ConnMeta struct {
	Cache       Cache
	Crawler     *crawler.Crawler
	Pool        *recycle.Pool
	MaxItemSize int

	tocrawl uint32 // Atomic. Default crawl cap set by lru_crawler tocrawl.
}

func (m *ConnMeta) Tocrawl() uint32     { return atomic.LoadUint32(&m.tocrawl) }
func (m *ConnMeta) SetTocrawl(n uint32) { atomic.StoreUint32(&m.tocrawl, n) }

func (s *Server) ListenAndServe() error {
	if s.Addr == "" {
		s.Addr = ":11211"
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(l net.Listener) error {
	s.init()
	var tempDelay time.Duration // How long to sleep on accept failure.
	for {
		c, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); !(ok && ne.Temporary()) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			s.Log.Errorf("mcache: Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		go s.newConn(c).serve()
	}
}

func (s *Server) newConn(c net.Conn) *conn {
	conn := newConn(s.Log.WithFields(log.Fields{"conn": s.connCounter}), &s.ConnMeta, c)
	s.connCounter++
	return conn
}

func (s *Server) init() {
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	s.ConnMeta.init(s.Log)
	maxChunkSize := s.Pool.MaxChunkSize()
	if maxChunkSize < InBufferSize || maxChunkSize < OutBufferSize {
		s.Log.Panic("Too small max chunk size. It should be larger than buffers size, to zero copy send of large items.")
	}
	// The crawl worker must be parked before commands can start crawls.
	if err := s.Crawler.Start(); err != nil && err != crawler.ErrStarted {
		s.Log.Panic("Crawler start failed: ", err)
	}
}

func (m *ConnMeta) init(l log.Logger) {
	if m.Pool == nil {
		m.Pool = recycle.NewPool()
	}
	if m.MaxItemSize == 0 {
		m.MaxItemSize = DefaultMaxItemSize
	}
	if m.Cache == nil {
		store := cache.NewStore(l, cache.NewClock(), m.Pool, cache.Config{})
		m.Cache = store
		if m.Crawler == nil {
			m.Crawler = crawler.New(l, store, crawler.Config{
				Settings: crawler.DefaultSettings(),
			})
		}
	}
	if m.Crawler == nil {
		l.Panic("ConnMeta has external Cache but no Crawler.")
	}
}
