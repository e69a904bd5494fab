package crawler

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Maintainer", func() {
	It("periodically reaps expired items", func() {
		e := newTestEnv()
		cr := New(testLogger(), e.store, Config{})
		Expect(cr.Start()).To(Succeed())
		defer cr.Stop(true)

		e.set("dead", 1, 5, 0, []byte("v"))
		e.set("live", 1, 0, 0, []byte("v"))
		e.clock.Advance(10 * time.Second)

		m := NewMaintainer(testLogger(), cr, 20*time.Millisecond)
		m.Start()
		defer m.Stop()

		Eventually(func() int { return e.store.ItemCount() }, "5s").Should(Equal(1))
		Expect(e.found("live")).To(BeTrue())
	})
})
