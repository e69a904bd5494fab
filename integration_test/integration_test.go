package integration_test

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// dumpConn drives the text protocol over a raw TCP connection, the way
// a dump consumer would.
type dumpConn struct {
	net.Conn
	r *bufio.Reader
}

func dialDump() *dumpConn {
	c, err := net.DialTimeout("tcp", serverAddr, time.Second)
	Expect(err).To(BeNil())
	return &dumpConn{Conn: c, r: bufio.NewReader(c)}
}

func (c *dumpConn) command(line string) {
	_, err := fmt.Fprintf(c, "%s\r\n", line)
	Expect(err).To(BeNil())
}

func (c *dumpConn) line() string {
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	Expect(err).To(BeNil())
	return line
}

// readUntil collects lines until one of terminators comes.
func (c *dumpConn) readUntil(terminators ...string) (lines []string) {
	for {
		line := c.line()
		for _, t := range terminators {
			if line == t {
				return
			}
		}
		lines = append(lines, line)
	}
}

var _ = Describe("server", func() {
	var mc *memcache.Client
	BeforeEach(func() {
		mc = memcache.New(serverAddr)
	})

	It("set get delete roundtrip", func() {
		err := mc.Set(&memcache.Item{Key: "int_key", Value: []byte("int_value"), Flags: 3})
		Expect(err).To(BeNil())

		it, err := mc.Get("int_key")
		Expect(err).To(BeNil())
		Expect(it.Value).To(Equal([]byte("int_value")))
		Expect(it.Flags).To(BeEquivalentTo(3))

		Expect(mc.Delete("int_key")).To(BeNil())
		_, err = mc.Get("int_key")
		Expect(err).To(Equal(memcache.ErrCacheMiss))
	})

	waitCrawlerIdle := func() {
		EventuallyWithOffset(1, testCrawler.IsRunning, "10s").Should(BeFalse())
	}

	It("lru_crawler crawl responds OK", func() {
		c := dialDump()
		defer c.Close()
		c.command("lru_crawler crawl all")
		Expect(c.line()).To(Equal("OK\r\n"))
		waitCrawlerIdle()
	})

	It("metadump hash streams every stored key", func() {
		const k = 25
		keys := map[string]bool{}
		for i := 0; i < k; i++ {
			key := fmt.Sprintf("dump_key_%v", i)
			keys[key] = true
			Expect(mc.Set(&memcache.Item{Key: key, Value: []byte("v")})).To(BeNil())
		}

		waitCrawlerIdle()
		c := dialDump()
		defer c.Close()
		c.command("lru_crawler metadump hash")
		lines := c.readUntil("END\r\n", "ERROR locked try again later\r\n")
		dumped := map[string]bool{}
		for _, line := range lines {
			Expect(line).To(HavePrefix("key="))
			key := strings.SplitN(strings.TrimPrefix(line, "key="), " ", 2)[0]
			dumped[key] = true
		}
		for key := range keys {
			Expect(dumped).To(HaveKey(key))
		}

		By("connection is redispatched and serves further commands")
		c.command("lru_crawler crawl all")
		Expect(c.line()).NotTo(BeEmpty())
		waitCrawlerIdle()
	})

	It("mgdump streams mg lines", func() {
		Expect(mc.Set(&memcache.Item{Key: "mg_key", Value: []byte("v")})).To(BeNil())
		waitCrawlerIdle()
		c := dialDump()
		defer c.Close()
		c.command("lru_crawler mgdump hash")
		lines := c.readUntil("EN\r\n", "ERROR locked try again later\r\n")
		found := false
		for _, line := range lines {
			Expect(line).To(HavePrefix("mg "))
			if line == "mg mg_key\r\n" {
				found = true
			}
		}
		Expect(found).To(BeTrue())
	})

	It("flush_all hides previous values", func() {
		Expect(mc.Set(&memcache.Item{Key: "flushed_key", Value: []byte("v")})).To(BeNil())
		c := dialDump()
		defer c.Close()
		// Let a second pass so the flush epoch covers the set.
		time.Sleep(1100 * time.Millisecond)
		c.command("flush_all")
		Expect(c.line()).To(Equal("OK\r\n"))
		_, err := mc.Get("flushed_key")
		Expect(err).To(Equal(memcache.ErrCacheMiss))
	})
})
