package crawler

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/stretchr/testify/mock"

	"github.com/skipor/mcache/cache"
)

type mockStorage struct {
	mock.Mock
}

var _ Storage = (*mockStorage)(nil)

func (m *mockStorage) ValidateItem(it *cache.Item) bool {
	return m.Called(it).Bool(0)
}

func (m *mockStorage) DeleteItem(it *cache.Item) {
	m.Called(it)
}

var _ = Describe("External storage tier", func() {
	var (
		e       *testEnv
		storage *mockStorage
		cr      *Crawler
	)
	// Little endian page 3, offset 77.
	extPayload := []byte{3, 0, 0, 0, 77, 0, 0, 0}

	BeforeEach(func() {
		e = newTestEnv()
		storage = &mockStorage{}
		cr = New(testLogger(), e.store, Config{Storage: storage})
		Expect(cr.Start()).To(Succeed())
	})
	AfterEach(func() {
		cr.Stop(true)
		storage.AssertExpectations(GinkgoT())
	})

	It("metadump emits the header descriptor of valid items", func() {
		e.set("ext", 1, 0, cache.Hdr, extPayload)
		storage.On("ValidateItem", mock.Anything).Return(true)
		tc := newTestClient()
		Expect(cr.Crawl("hash", Metadump, tc, 0)).To(Equal(OK))
		Eventually(tc.redispatched, "5s").Should(BeClosed())
		Eventually(tc.out, "5s").Should(gbytes.Say(`key=ext .*ext_page=3 ext_offset=77 \n`))
	})

	It("metadump skips items the tier invalidated", func() {
		e.set("gone", 1, 0, cache.Hdr, extPayload)
		storage.On("ValidateItem", mock.Anything).Return(false)
		tc := newTestClient()
		Expect(cr.Crawl("hash", Metadump, tc, 0)).To(Equal(OK))
		Eventually(tc.redispatched, "5s").Should(BeClosed())
		Eventually(tc.out.Contents, "5s").Should(Equal([]byte("END\r\n")))
	})

	It("expired crawl reaps invalid items through the delete hook", func() {
		e.set("gone", 1, 0, cache.Hdr, extPayload)
		storage.On("ValidateItem", mock.Anything).Return(false)
		storage.On("DeleteItem", mock.Anything)
		d := &ExpiredData{}
		_, err := cr.StartCrawl(classIDs(1), 0, Expired, d, nil)
		Expect(err).To(BeNil())
		Eventually(expiredDataComplete(d), "5s").Should(BeTrue())
		Eventually(cr.IsRunning, "5s").Should(BeFalse())
		d.Lock()
		defer d.Unlock()
		Expect(d.Classes[1].Reclaimed).To(BeEquivalentTo(1))
		Expect(e.store.ItemCount()).To(BeZero())
	})
})
