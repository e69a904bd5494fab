package mcache

import (
	"fmt"
	"io"
	"io/ioutil"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gbytes"
	"github.com/stretchr/testify/mock"

	"github.com/skipor/mcache/cache"
	"github.com/skipor/mcache/crawler"
	"github.com/skipor/mcache/log"
	"github.com/skipor/mcache/recycle"
	. "github.com/skipor/mcache/testutil"
)

const ReadTimeout = "1s"

const (
	StoredPattern      = StoredResponse + Separator
	DeletedPattern     = DeletedResponse + Separator
	NotFoundPattern    = NotFoundResponse + Separator
	OkPattern          = OkResponse + Separator
	EndPattern         = EndResponse + Separator
	ErrorPattern       = ErrorResponse + Separator
	ClientErrorPattern = ClientErrorResponse + " "
	ServerErrorPattern = ServerErrorResponse + " "
)

var _ = Describe("Conn", func() {
	var (
		connMeta      *ConnMeta
		mcache        *mockCache
		cr            *crawler.Crawler
		c             *conn
		out           *Buffer
		in            *io.PipeWriter
		serveFinished chan struct{}
	)
	BeforeEach(func() {
		serveFinished = make(chan struct{})
		out = NewBuffer()
		mcache = &mockCache{}
		l := log.NewLogger(log.DebugLevel, GinkgoWriter)
		pool := recycle.NewPool()
		store := cache.NewStore(l, cache.NewClock(), pool, cache.Config{HashPower: 4})
		cr = crawler.New(l, store, crawler.Config{})
		Expect(cr.Start()).To(Succeed())
		var connReader *io.PipeReader
		connReader, in = io.Pipe()
		connMeta = &ConnMeta{
			Cache:   mcache,
			Crawler: cr,
			Pool:    pool,
		}
		connMeta.MaxItemSize = DefaultMaxItemSize
		rwc := struct {
			io.ReadCloser
			io.Writer
		}{connReader, out}
		c = newConn(l, connMeta, rwc)
		go func() {
			defer GinkgoRecover()
			c.serve()
			close(serveFinished)
		}()
	})

	AfterEach(func() {
		in.Close()
		Eventually(serveFinished).Should(BeClosed())
		cr.Stop(true)
		mcache.AssertExpectations(GinkgoT())
	})

	AssertSay := func(pattern string) {
		It("expected response", func() {
			Eventually(out, ReadTimeout).Should(Say(pattern))
		})
	}

	var input string
	JustBeforeEach(func() { io.WriteString(in, input) })
	AfterEach(func() { input = "" })
	Input := func(s string) {
		BeforeEach(func() { input = s })
	}

	Context("client error", func() {
		Input("get " + Separator)
		AssertSay(ClientErrorPattern)
	})

	Context("unknown command", func() {
		Input("frobnicate" + Separator)
		AssertSay(ErrorPattern)
	})

	Context("delete", func() {
		var deleted bool
		AfterEach(func() { deleted = false })
		JustBeforeEach(func() {
			mcache.On("Delete", []byte("test_key")).Return(deleted)
			io.WriteString(in, "delete test_key"+Separator)
		})
		Context("not found", func() {
			AssertSay(NotFoundPattern)
		})
		Context("deleted", func() {
			BeforeEach(func() { deleted = true })
			AssertSay(DeletedPattern)
		})
	})

	Context("set", func() {
		var data []byte
		JustBeforeEach(func() {
			data = make([]byte, 10)
			io.ReadFull(Rand, data)
			mcache.On("Set", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
				meta := args.Get(0).(cache.ItemMeta)
				Expect(meta.Key).To(Equal("test_key"))
				Expect(meta.Flags).To(BeEquivalentTo(9))
				Expect(meta.Bytes).To(Equal(len(data)))
				stored := args.Get(1).(*recycle.Data)
				r := stored.NewReader()
				actual, _ := ioutil.ReadAll(r)
				r.Close()
				ExpectBytesEqual(actual, data)
				stored.Recycle()
			})
			input = fmt.Sprintf("set test_key 9 0 %v%s%s%s",
				len(data), Separator, data, Separator)
			io.WriteString(in, input)
		})
		Context("stored", func() {
			AssertSay(StoredPattern)
		})
	})

	Context("get", func() {
		JustBeforeEach(func() {
			mcache.On("Get", mock.Anything).Return(nil)
			io.WriteString(in, "get test_key"+Separator)
		})
		Context("not found", func() {
			AssertSay(EndPattern)
		})
	})

	Context("flush_all", func() {
		JustBeforeEach(func() {
			mcache.On("Flush").Return()
			io.WriteString(in, "flush_all"+Separator)
		})
		Context("flushed", func() {
			AssertSay(OkPattern)
		})
	})

	Context("lru_crawler", func() {
		Context("sleep", func() {
			Input("lru_crawler sleep 500" + Separator)
			AssertSay(OkPattern)
		})
		Context("sleep out of range", func() {
			Input("lru_crawler sleep 9999999" + Separator)
			AssertSay(ClientErrorPattern)
		})
		Context("tocrawl", func() {
			Input("lru_crawler tocrawl 50" + Separator)
			AssertSay(OkPattern)
		})
		Context("crawl bad class", func() {
			Input("lru_crawler crawl 0" + Separator)
			AssertSay(CrawlerBadclassResponse + Separator)
		})
		Context("crawl junk", func() {
			Input("lru_crawler crawl junk" + Separator)
			AssertSay(CrawlerBadclassResponse + Separator)
		})
		Context("crawl ok", func() {
			Input("lru_crawler crawl 1" + Separator)
			AssertSay(CrawlerOkResponse + Separator)
		})
		Context("hash walk needs a dump mode", func() {
			Input("lru_crawler crawl hash" + Separator)
			AssertSay(CrawlerErrorResponse + Separator)
		})
		Context("dump over transport without deadlines", func() {
			Input("lru_crawler metadump all" + Separator)
			AssertSay(CrawlerErrorResponse + Separator)
		})
		Context("missing subcommand", func() {
			Input("lru_crawler" + Separator)
			AssertSay(ClientErrorPattern)
		})
		Context("unknown subcommand", func() {
			Input("lru_crawler frobnicate" + Separator)
			AssertSay(ErrorPattern)
		})
	})
})
