package crawler

import (
	"encoding/base64"

	"github.com/skipor/mcache/cache"
)

// mgdump emits one compact "mg <key>" line per live item, base64
// encoding binary keys the way metaget expects them back.
type mgdump struct {
	c    *Crawler
	line []byte
}

func newMgdump(c *Crawler) mode {
	return &mgdump{c: c, line: make([]byte, 0, MinBufspace)}
}

func (m *mgdump) init(data interface{}) error {
	m.c.active.status = 0
	return nil
}

func (m *mgdump) eval(it *cache.Item, hv uint64, class int) {
	// Ignore expired content.
	if it.Expired(m.c.store.Now()) || m.c.store.IsFlushed(it) {
		it.RefDecr()
		return
	}
	b := m.line[:0]
	b = append(b, "mg "...)
	if it.Has(cache.KeyBinary) {
		keyBytes := []byte(it.Key)
		off := len(b)
		b = append(b, make([]byte, base64.StdEncoding.EncodedLen(len(keyBytes)))...)
		base64.StdEncoding.Encode(b[off:], keyBytes)
		b = append(b, " b\r\n"...)
	} else {
		b = append(b, it.Key...)
		b = append(b, "\r\n"...)
	}
	it.RefDecr()
	m.line = b
	m.c.active.client.append(b)
}

func (m *mgdump) doneClass(class int) {}

func (m *mgdump) finalize() {
	cl := &m.c.active.client
	if !cl.attached() {
		return
	}
	if cl.flush() != nil {
		return
	}
	if m.c.active.status == statusLocked {
		cl.append(respLocked)
	} else {
		cl.append(respEn)
	}
}
