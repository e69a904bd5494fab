package cache

import (
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/skipor/mcache/recycle"
)

// Item flag bits.
const (
	Fetched   uint8 = 1 << iota // item was read at least once since store
	KeyBinary                   // key bytes are not printable text
	Hdr                         // payload lives in the external storage tier
)

// Slab class space. Numeric classes 1..MaxSlabClasses-1 get four chains
// each, one per LRU kind, selected by OR-ing the kind bits in.
const (
	MaxSlabClasses = 64
	PowerLargest   = 256

	HotLRU  = 0
	WarmLRU = 64
	ColdLRU = 128
	TempLRU = 192

	slabClassMask = MaxSlabClasses - 1
)

// itemOverhead approximates per item bookkeeping memory:
// Item struct, hash cell, chain links.
const itemOverhead = 48

const extHeaderSize = 8

var ErrNoExtHeader = errors.New("item has no external storage header")

// Item is a stored value linked into one class chain and one hash bucket.
// Links and refcount are owned by the store; everything else is set once
// on link and read-only after, except Bits and Time which mutate under
// the item's bucket lock.
type Item struct {
	Key     string
	Flags   uint32 // opaque client flags
	Bits    uint8  // Fetched, KeyBinary, Hdr
	Clsid   uint8  // chain id: slab class OR'ed with LRU kind bits
	Exptime Rel    // 0 means never
	Time    Rel    // last access
	CAS     uint64
	Bytes   int
	Data    *recycle.Data

	refcount int32 // Atomic. Chain link holds one reference.

	prev, next *Item // chain neighbours
	hnext      *Item // hash bucket chain
	cursor     bool  // crawler cursor, not a real item
}

func (i *Item) Expired(now Rel) bool { return i.Exptime != 0 && i.Exptime < now }

func (i *Item) Has(bit uint8) bool { return i.Bits&bit != 0 }

// SlabClass strips the LRU kind bits off the chain id.
func (i *Item) SlabClass() uint8 { return i.Clsid & slabClassMask }

// Ntotal approximates total item memory.
func (i *Item) Ntotal() int { return itemOverhead + len(i.Key) + i.Bytes }

func (i *Item) RefIncr() int32 { return atomic.AddInt32(&i.refcount, 1) }

// RefDecr drops one reference. The last reference recycles the payload.
func (i *Item) RefDecr() int32 {
	ref := atomic.AddInt32(&i.refcount, -1)
	if ref == 0 && i.Data != nil {
		i.Data.Recycle()
		i.Data = nil
	}
	return ref
}

func (i *Item) Refcount() int32 { return atomic.LoadInt32(&i.refcount) }

// ExtHeader is the descriptor an external storage tier item carries at
// the head of its payload instead of the value bytes.
type ExtHeader struct {
	Page   uint32
	Offset uint32
}

// ExtHeader decodes the descriptor from the payload head.
// Copies through a reader, so payload alignment does not matter.
func (i *Item) ExtHeader() (h ExtHeader, err error) {
	if i.Data == nil || i.Bytes < extHeaderSize {
		err = ErrNoExtHeader
		return
	}
	r := i.Data.NewReader()
	defer r.Close()
	var b [extHeaderSize]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return
	}
	h.Page = binary.LittleEndian.Uint32(b[0:4])
	h.Offset = binary.LittleEndian.Uint32(b[4:8])
	return
}

// Cursor is the crawler sentinel linked into a class chain to mark scan
// position. Mutated only under that class's chain lock.
type Cursor struct {
	Item
	Enabled   bool
	Remaining uint32
	Reclaimed uint64
	Unfetched uint64
	Checked   uint64
}
