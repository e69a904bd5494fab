package crawler

import (
	"io"
	"net"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/mcache/log"
)

const (
	// MinBufspace is the buffer headroom a mode's eval may assume; one
	// emitted line must always fit into it.
	MinBufspace = 8192

	initialBufSize = 16 * MinBufspace

	flushTimeout = time.Second
)

var ErrClientClosed = errors.New("crawler client is closed")

// ClientConn is the connection surface the crawler borrows from a
// worker for the duration of a dump. Exactly one of SideClose and
// Redispatch returns ownership to the server: SideClose after a
// failure, Redispatch after a completed dump.
type ClientConn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SideClose()
	Redispatch()
}

// client buffers dump output and drains it to the attached connection.
// Owned by the crawler worker from attach until release or close.
type client struct {
	conn ClientConn
	buf  []byte
	used int
	log  log.Logger
}

func (c *client) attach(conn ClientConn) error {
	if c.conn != nil {
		return stackerr.Newf("crawler client already attached")
	}
	c.conn = conn
	c.buf = make([]byte, initialBufSize)
	c.used = 0
	return nil
}

func (c *client) attached() bool { return c.conn != nil }

func (c *client) headroom() int { return len(c.buf) - c.used }

// expand doubles the buffer. Needed while a bucket lock is held, where
// a flush could hang on the socket with the bucket pinned.
func (c *client) expand() error {
	if c.conn == nil {
		return stackerr.Wrap(ErrClientClosed)
	}
	next := make([]byte, 2*len(c.buf))
	copy(next, c.buf[:c.used])
	c.buf = next
	return nil
}

// append copies p into the buffer. Callers must have ensured headroom.
func (c *client) append(p []byte) {
	c.used += copy(c.buf[c.used:], p)
}

// flush drains the buffer to the socket. Nil means drained or "retry
// later" after an idle second, with undrained bytes retained. Hard
// write errors and peer close transition the client to closed and all
// later operations surface as failure.
func (c *client) flush() error {
	if c.conn == nil {
		return stackerr.Wrap(ErrClientClosed)
	}
	if c.used == 0 {
		return nil
	}
	sent := 0
	for sent < c.used {
		if err := c.peerClosed(); err != nil {
			c.close()
			return err
		}
		c.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
		n, err := c.conn.Write(c.buf[sent:c.used])
		sent += n
		if err != nil {
			if isTimeout(err) {
				break // Keep the rest for the next batch.
			}
			c.close()
			return stackerr.Wrap(err)
		}
	}
	if sent != 0 && sent < c.used {
		copy(c.buf, c.buf[sent:c.used])
	}
	c.used -= sent
	return nil
}

// peerClosed probes the socket for hangup. Dump clients are not
// expected to send anything mid stream, so pending input is discarded
// and EOF means the peer went away.
func (c *client) peerClosed() error {
	c.conn.SetReadDeadline(time.Now())
	var probe [1]byte
	_, err := c.conn.Read(probe[:])
	if err == nil || isTimeout(err) {
		return nil
	}
	return stackerr.Wrap(err)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// close abandons the connection after a failure.
func (c *client) close() {
	if c.conn == nil {
		return
	}
	c.log.Debug("Crawler client closed.")
	c.resetDeadlines()
	c.conn.SideClose()
	c.drop()
}

// release hands the connection back to a worker after a completed dump.
func (c *client) release() {
	if c.conn == nil {
		return
	}
	c.log.Debug("Crawler client released.")
	c.resetDeadlines()
	c.conn.Redispatch()
	c.drop()
}

func (c *client) resetDeadlines() {
	c.conn.SetReadDeadline(time.Time{})
	c.conn.SetWriteDeadline(time.Time{})
}

func (c *client) drop() {
	c.conn = nil
	c.buf = nil
	c.used = 0
}
