package crawler

import (
	"strconv"

	"github.com/skipor/mcache/cache"
)

// RunType selects the crawl mode. Values are the wire protocol tags.
type RunType int

const (
	Autoexpire RunType = iota
	Expired
	Metadump
	MgDump
	runTypes
)

func (t RunType) String() string {
	switch t {
	case Autoexpire:
		return "autoexpire"
	case Expired:
		return "expired"
	case Metadump:
		return "metadump"
	case MgDump:
		return "mgdump"
	}
	return "runtype(" + strconv.Itoa(int(t)) + ")"
}

// Result of a crawl start request.
type Result int

const (
	OK Result = iota
	Running
	BadClass
	NotStarted
	Error
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Running:
		return "RUNNING"
	case BadClass:
		return "BADCLASS"
	case NotStarted:
		return "NOTSTARTED"
	case Error:
		return "ERROR"
	}
	return "result(" + strconv.Itoa(int(r)) + ")"
}

// mode is one crawl strategy. eval owns the scanner's item reference:
// it must drop it, and on a reap also unlink the item under the locks
// the scanner holds per the registry's needsLock.
type mode interface {
	init(data interface{}) error
	eval(it *cache.Item, hv uint64, class int)
	doneClass(class int)
	finalize()
}

type modeReg struct {
	newMode     func(c *Crawler) mode
	needsLock   bool // eval expects the class lock held
	needsClient bool // a client sink must be attached
}

var modeRegs = [runTypes]modeReg{
	Autoexpire: {newExpired, true, false},
	Expired:    {newExpired, true, false},
	Metadump:   {newMetadump, false, true},
	MgDump:     {newMgdump, false, true},
}
