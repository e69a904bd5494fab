package crawler

import (
	"strconv"

	"github.com/skipor/mcache/cache"
	"github.com/skipor/mcache/internal/tag"
)

var (
	respEnd    = []byte("END\r\n")
	respEn     = []byte("EN\r\n")
	respLocked = []byte("ERROR locked try again later\r\n")
)

// metadump emits one verbose metadata line per live item.
type metadump struct {
	c    *Crawler
	line []byte
}

func newMetadump(c *Crawler) mode {
	return &metadump{c: c, line: make([]byte, 0, MinBufspace)}
}

func (m *metadump) init(data interface{}) error {
	m.c.active.status = 0
	return nil
}

func (m *metadump) eval(it *cache.Item, hv uint64, class int) {
	now := m.c.store.Now()
	isValid := true
	if m.c.storage != nil && it.Has(cache.Hdr) {
		isValid = m.c.storage.ValidateItem(it)
	}
	// Ignore expired content.
	if it.Expired(now) || m.c.store.IsFlushed(it) || !isValid {
		it.RefDecr()
		return
	}
	started := m.c.store.StartedUnix()
	b := m.line[:0]
	b = append(b, "key="...)
	b = appendURIEncoded(b, it.Key)
	b = append(b, " exp="...)
	if it.Exptime == 0 {
		b = append(b, "-1"...)
	} else {
		b = strconv.AppendInt(b, int64(it.Exptime)+started, 10)
	}
	b = append(b, " la="...)
	b = strconv.AppendInt(b, int64(it.Time)+started, 10)
	b = append(b, " cas="...)
	b = strconv.AppendUint(b, it.CAS, 10)
	if it.Has(cache.Fetched) {
		b = append(b, " fetch=yes"...)
	} else {
		b = append(b, " fetch=no"...)
	}
	b = append(b, " cls="...)
	b = strconv.AppendUint(b, uint64(it.SlabClass()), 10)
	b = append(b, " size="...)
	b = strconv.AppendUint(b, uint64(it.Ntotal()), 10)
	b = append(b, " flags="...)
	b = strconv.AppendUint(b, uint64(it.Flags), 10)
	if it.Has(cache.Hdr) {
		if hdr, err := it.ExtHeader(); err == nil {
			b = append(b, " ext_page="...)
			b = strconv.AppendUint(b, uint64(hdr.Page), 10)
			b = append(b, " ext_offset="...)
			b = strconv.AppendUint(b, uint64(hdr.Offset), 10)
		}
	}
	b = append(b, " \n"...)
	it.RefDecr()
	if tag.Debug && len(b) >= MinBufspace-1 {
		panic("metadump line does not fit min buffer space")
	}
	m.line = b
	m.c.active.client.append(b)
}

func (m *metadump) doneClass(class int) {}

func (m *metadump) finalize() {
	cl := &m.c.active.client
	if !cl.attached() {
		return
	}
	// Flush pending lines; the terminator drains on the worker loop.
	if cl.flush() != nil {
		return
	}
	if m.c.active.status == statusLocked {
		cl.append(respLocked)
	} else {
		cl.append(respEnd)
	}
}

// appendURIEncoded emits RFC 3986 unreserved bytes raw and everything
// else %XX escaped.
func appendURIEncoded(b []byte, s string) []byte {
	const hexDigits = "0123456789ABCDEF"
	for i := 0; i < len(s); i++ {
		c := s[i]
		if uriSafe[c] {
			b = append(b, c)
		} else {
			b = append(b, '%', hexDigits[c>>4], hexDigits[c&0xf])
		}
	}
	return b
}

var uriSafe = func() (safe [256]bool) {
	for c := 'A'; c <= 'Z'; c++ {
		safe[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		safe[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		safe[c] = true
	}
	for _, c := range []byte("-._~") {
		safe[c] = true
	}
	return
}()
