package cache

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Hash table", func() {
	var h *hashTable
	BeforeEach(func() {
		resetTestKeys()
		h = newHashTable(3)
	})

	insert := func(key string) *Item {
		it := &Item{Key: key, refcount: 1}
		hv := h.hv(key)
		b := h.lockBucket(hv)
		h.insert(hv, it)
		b.mu.Unlock()
		return it
	}
	find := func(key string) *Item {
		hv := h.hv(key)
		h.lockBucket(hv)
		defer h.unlockBucket(hv)
		return h.find(hv, key)
	}

	It("insert find remove", func() {
		it := insert("k")
		Expect(find("k")).To(BeIdenticalTo(it))
		Expect(find("other")).To(BeNil())

		hv := h.hv("k")
		h.lockBucket(hv)
		h.remove(hv, it)
		h.unlockBucket(hv)
		Expect(find("k")).To(BeNil())
		Expect(h.items()).To(BeZero())
	})

	It("trylock fails on held bucket", func() {
		hv := h.hv("k")
		h.lockBucket(hv)
		Expect(h.tryLockBucket(hv)).To(BeFalse())
		h.unlockBucket(hv)
		Expect(h.tryLockBucket(hv)).To(BeTrue())
		h.unlockBucket(hv)
	})

	Context("iterator", func() {
		const k = 20
		BeforeEach(func() {
			for i := 0; i < k; i++ {
				insert(fmt.Sprintf("key_%v", i))
			}
		})

		walk := func(iter *hashIterator) (keys []string) {
			for {
				it, ok := iter.Next()
				if !ok {
					return
				}
				if it != nil {
					keys = append(keys, it.Key)
				}
			}
		}

		It("yields every item exactly once", func() {
			iter := h.iterator()
			Expect(iter).NotTo(BeNil())
			keys := walk(iter)
			iter.Final()
			Expect(keys).To(HaveLen(k))
			seen := map[string]bool{}
			for _, key := range keys {
				Expect(seen).NotTo(HaveKey(key))
				seen[key] = true
			}
		})

		It("unavailable while expanding", func() {
			h.mu.Lock()
			h.expanding = true
			h.mu.Unlock()
			Expect(h.iterator()).To(BeNil())
		})

		It("pins expansion", func() {
			iter := h.iterator()
			before := len(h.array().buckets)
			h.maybeExpand()
			Expect(len(h.array().buckets)).To(Equal(before))
			iter.Final()
			h.maybeExpand()
			Expect(len(h.array().buckets)).To(Equal(2 * before))
		})
	})

	It("expansion keeps items findable", func() {
		var items []*Item
		for i := 0; i < 50; i++ {
			items = append(items, insert(fmt.Sprintf("key_%v", i)))
		}
		h.maybeExpand()
		Expect(len(h.array().buckets)).To(Equal(16))
		for _, it := range items {
			Expect(find(it.Key)).To(BeIdenticalTo(it))
		}
	})
})
