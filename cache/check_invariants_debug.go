//go:build debug

// Gomega should not be dependency in non-debug build.

package cache

import (
	"errors"
	"log"

	"github.com/facebookgo/stackerr"
	. "github.com/onsi/gomega"
)

var _ = func() (_ struct{}) {
	RegisterFailHandler(GomegaFailHandler)
	return
}()

func GomegaFailHandler(message string, callerSkip ...int) {
	skip := callerSkip[0] + 1
	log.Fatal("FATAL: invariants are broken:", stackerr.WrapSkip(errors.New(message), skip))
}

// checkChain verifies list integrity and count of one class chain.
// Requires the class lock be held.
func (s *Store) checkChain(i int) {
	c := s.chains[i]
	Expect(c.fakeHead.prev).To(BeNil())
	Expect(c.fakeTail.next).To(BeNil())
	var items int
	for it := c.head(); !c.end(it); it = it.next {
		Expect(it.prev.next).To(BeIdenticalTo(it))
		if !it.cursor {
			items++
			Expect(int(it.Clsid)).To(Equal(i))
		}
	}
	Expect(items).To(Equal(c.count))
}
