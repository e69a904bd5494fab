package integration_test

import (
	"fmt"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rcrowley/go-metrics"
)

// Dump throughput smoke: fill the cache, metadump it over the wire and
// meter line rate the way the load tests of the get path do.
var _ = Describe("dump load", func() {
	It("metadump keeps up with a full cache", func() {
		const k = 1000
		mc := memcache.New(serverAddr)
		value := []byte(strings.Repeat("x", 64))
		for i := 0; i < k; i++ {
			Expect(mc.Set(&memcache.Item{
				Key:   fmt.Sprintf("load_key_%v", i),
				Value: value,
			})).To(BeNil())
		}
		waitIdle := func() {
			Eventually(testCrawler.IsRunning, "30s").Should(BeFalse())
		}
		waitIdle()

		meter := metrics.NewMeter()
		defer meter.Stop()
		c := dialDump()
		defer c.Close()
		c.command("lru_crawler metadump hash")
		var dumped int
		for {
			line := c.line()
			if line == "END\r\n" {
				break
			}
			Expect(line).To(HavePrefix("key="))
			if strings.HasPrefix(line, "key=load_key_") {
				dumped++
			}
			meter.Mark(1)
		}
		Expect(dumped).To(Equal(k))
		fmt.Fprintf(GinkgoWriter, "dump rate: %.0f lines/s (%v lines)\n",
			meter.RateMean(), meter.Count())
		waitIdle()
	})
})
