package cache

import (
	"io/ioutil"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/skipor/mcache/testutil"
)

var _ = Describe("Store", func() {
	var (
		p     testPool
		clock *Clock
		s     *Store
		conf  Config
	)
	BeforeEach(func() {
		resetTestKeys()
		p = newTestPool()
		clock = NewClock()
		conf = Config{HashPower: 4}
	})
	JustBeforeEach(func() {
		s = NewStore(testLogger(), clock, p.Pool, conf)
	})

	set := func(key string, exptime int64, value []byte) {
		s.Set(ItemMeta{Key: key, Exptime: exptime, Bytes: len(value)}, p.FromBytes(value))
	}
	get := func(key string) []ItemView {
		return s.Get([]byte(key))
	}
	readView := func(v ItemView) []byte {
		defer v.Reader.Close()
		data, err := ioutil.ReadAll(v.Reader)
		Expect(err).To(BeNil())
		return data
	}

	It("set get roundtrip", func() {
		value := []byte("some value")
		set("k", 0, value)
		views := get("k")
		Expect(views).To(HaveLen(1))
		Expect(views[0].Bytes).To(Equal(len(value)))
		ExpectBytesEqual(readView(views[0]), value)
		Expect(s.ItemCount()).To(Equal(1))
	})

	It("get marks item fetched", func() {
		set("k", 0, []byte("v"))
		hv := s.Hash("k")
		it := func() *Item {
			s.hash.lockBucket(hv)
			defer s.hash.unlockBucket(hv)
			return s.hash.find(hv, "k")
		}
		Expect(it().Has(Fetched)).To(BeFalse())
		readView(get("k")[0])
		Expect(it().Has(Fetched)).To(BeTrue())
		Expect(it().Refcount()).To(BeEquivalentTo(1))
	})

	It("replace keeps one item", func() {
		set("k", 0, []byte("old"))
		set("k", 0, []byte("new"))
		views := get("k")
		Expect(views).To(HaveLen(1))
		ExpectBytesEqual(readView(views[0]), []byte("new"))
		Expect(s.ItemCount()).To(Equal(1))
	})

	It("delete", func() {
		set("k", 0, []byte("v"))
		Expect(s.Delete([]byte("k"))).To(BeTrue())
		Expect(get("k")).To(BeEmpty())
		Expect(s.Delete([]byte("k"))).To(BeFalse())
		Expect(s.ItemCount()).To(BeZero())
	})

	It("expired item is not returned", func() {
		set("k", clock.Abs(clock.Current())+5, []byte("v"))
		Expect(get("k")).To(HaveLen(1))
		clock.Advance(10 * time.Second)
		Expect(get("k")).To(BeEmpty())
	})

	It("set of already expired item is skipped", func() {
		clock.Advance(10 * time.Second)
		set("k", clock.StartedUnix()+5, []byte("v"))
		Expect(s.ItemCount()).To(BeZero())
	})

	It("flush epoch hides old items", func() {
		set("old", 0, []byte("v"))
		clock.Advance(2 * time.Second)
		s.Flush()
		Expect(get("old")).To(BeEmpty())
		set("new", 0, []byte("v"))
		Expect(get("new")).To(HaveLen(1))
	})

	Context("class cap", func() {
		BeforeEach(func() {
			conf.MaxItemsPerClass = 2
		})
		It("evicts the class tail on overflow", func() {
			// Same forced class so all three collide on the cap.
			meta := func(key string) ItemMeta {
				return ItemMeta{Key: key, Clsid: 1, Bytes: 1}
			}
			s.Set(meta("a"), p.FromBytes([]byte("x")))
			s.Set(meta("b"), p.FromBytes([]byte("x")))
			s.Set(meta("c"), p.FromBytes([]byte("x")))
			Expect(s.ItemCount()).To(Equal(2))
			Expect(get("a")).To(BeEmpty())
			Expect(get("b")).To(HaveLen(1))
			Expect(get("c")).To(HaveLen(1))
		})
	})

	It("forced class routes to that chain", func() {
		s.Set(ItemMeta{Key: "k", Clsid: 7, Bytes: 1}, p.FromBytes([]byte("x")))
		s.LockClass(7)
		Expect(s.ClassSize(7)).To(Equal(1))
		s.UnlockClass(7)
	})

	It("derived class grows with size", func() {
		small := clsidFor(60)
		large := clsidFor(5000)
		Expect(small).To(BeNumerically("<", large))
		Expect(int(large)).To(BeNumerically("<", MaxSlabClasses))
	})

	It("ext header decodes from payload head", func() {
		payload := []byte{3, 0, 0, 0, 77, 0, 0, 0}
		s.Set(ItemMeta{Key: "k", Bits: Hdr, Bytes: len(payload)}, p.FromBytes(payload))
		hv := s.Hash("k")
		s.hash.lockBucket(hv)
		it := s.hash.find(hv, "k")
		s.hash.unlockBucket(hv)
		hdr, err := it.ExtHeader()
		Expect(err).To(BeNil())
		Expect(hdr.Page).To(BeEquivalentTo(3))
		Expect(hdr.Offset).To(BeEquivalentTo(77))
	})
})
