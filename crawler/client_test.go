package crawler

import (
	"bytes"
	"net"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Client sink", func() {
	var (
		c  *client
		tc *testClient
	)
	BeforeEach(func() {
		c = &client{log: testLogger()}
		tc = newTestClient()
		Expect(c.attach(tc)).To(Succeed())
	})

	It("attach allocates the buffer", func() {
		Expect(c.attached()).To(BeTrue())
		Expect(c.headroom()).To(Equal(initialBufSize))
		Expect(c.attach(tc)).NotTo(Succeed())
	})

	It("expand doubles keeping content", func() {
		c.append([]byte("abc"))
		Expect(c.expand()).To(Succeed())
		Expect(len(c.buf)).To(Equal(2 * initialBufSize))
		Expect(c.buf[:c.used]).To(Equal([]byte("abc")))
	})

	It("flush drains to the connection", func() {
		payload := bytes.Repeat([]byte("x"), 3000)
		c.append(payload)
		Expect(c.flush()).To(Succeed())
		Expect(c.used).To(BeZero())
		Eventually(func() []byte { return tc.out.Contents() }).Should(Equal(payload))
	})

	It("flush of empty buffer is a no-op", func() {
		Expect(c.flush()).To(Succeed())
	})

	It("timeout retains the buffer for retry", func() {
		// Swap in a pipe nobody reads: the write can not progress.
		a, _ := net.Pipe()
		c.conn = &stubConn{Conn: a}
		c.append([]byte("stuck"))
		Expect(c.flush()).To(Succeed())
		Expect(c.used).To(Equal(5))
		Expect(c.attached()).To(BeTrue())
	})

	It("peer close transitions to closed", func() {
		tc.peer.Close()
		c.append([]byte("data"))
		Expect(c.flush()).NotTo(Succeed())
		Expect(c.attached()).To(BeFalse())
		Eventually(tc.closed).Should(BeClosed())
		Expect(c.flush()).NotTo(Succeed(), "operations after close surface as failure")
	})

	It("release redispatches the connection", func() {
		c.release()
		Expect(c.attached()).To(BeFalse())
		Eventually(tc.redispatched).Should(BeClosed())
	})
})

// stubConn silences the hangup probe so timeout paths can be tested on
// a pipe with no reader.
type stubConn struct {
	net.Conn
}

func (c *stubConn) Read(p []byte) (int, error) { return 0, timeoutError{} }
func (c *stubConn) SideClose()                 {}
func (c *stubConn) Redispatch()                {}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}
var _ ClientConn = (*stubConn)(nil)
