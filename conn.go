package mcache

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/mcache/cache"
	"github.com/skipor/mcache/crawler"
	"github.com/skipor/mcache/log"
	"github.com/skipor/mcache/recycle"
)

// errConnOwnedByCrawler finishes a connection whose ownership went to
// the crawler side thread and never came back.
var errConnOwnedByCrawler = errors.New("connection closed by crawler side thread")

type conn struct {
	reader
	*bufio.Writer
	rwc io.ReadWriteCloser
	Log log.Logger
	*ConnMeta
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc, m.Pool),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		rwc:      rwc,
		Log:      l,
		ConnMeta: m,
	}
}

func (c *conn) serve() {
	c.Log.Debug("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			panic(c)
		}
		c.Close()
		c.Log.Debug("Connection closed.")
	}()

	err := c.loop()
	if err == errConnOwnedByCrawler {
		// The crawler abandoned the connection; nothing to report.
		err = nil
	}
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.rwc.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				// Just client disconnect. Ok.
				return nil
			}
			return stackerr.Wrap(err)
		}
		if clientErr == nil {
			c.Log.Debugf("Command: %s.", command)
			switch string(command) { // No allocation.
			case GetCommand, GetsCommand:
				clientErr, err = c.get(fields)
			case SetCommand:
				clientErr, err = c.set(fields)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			case FlushAllCommand:
				clientErr, err = c.flushAll(fields)
			case LruCrawlerCommand:
				clientErr, err = c.lruCrawler(fields)
			default:
				c.Log.Errorf("Unexpected command: %s", command)
				err = c.sendResponse(ErrorResponse)
			}
		}
		if clientErr != nil && err == nil {
			err = c.sendClientError(clientErr)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) get(fields [][]byte) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	for _, key := range fields {
		clientErr = checkKey(key)
		if clientErr != nil {
			return
		}
	}

	views := c.Cache.Get(fields...)

	err = c.sendGetResponse(views)
	return
}

func (c *conn) sendGetResponse(views []cache.ItemView) error {
	c.Log.Debugf("Sending %v founded values.", len(views))
	var readerIndex int
	defer func() {
		// Close readers which was not successfully readed.
		for ; readerIndex < len(views); readerIndex++ {
			views[readerIndex].Reader.Close()
		}
	}()
	for ; readerIndex < len(views); readerIndex++ {
		view := views[readerIndex]
		c.Log.Debugf("Sending value %v. Key %s.", readerIndex, view.Key)
		c.WriteString(ValueResponse)
		c.WriteByte(' ')
		c.WriteString(view.Key)
		fmt.Fprintf(c, " %v %v"+Separator, view.Flags, view.Bytes)
		view.Reader.WriteTo(c)
		_, err := c.WriteString(Separator)
		if err != nil {
			return stackerr.Wrap(err)
		}
		view.Reader.Close()
	}
	return c.sendResponse(EndResponse)
}

func (c *conn) set(fields [][]byte) (clientErr, err error) {
	var m cache.ItemMeta
	var noreply bool
	m, noreply, clientErr = parseSetFields(fields)
	if clientErr != nil {
		err = c.discardCommand()
		return
	}
	if m.Bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(m.Bytes + len(Separator))
		return
	}

	var data *recycle.Data
	data, clientErr, err = c.readDataBlock(m.Bytes)
	if err != nil || clientErr != nil {
		return
	}

	c.Cache.Set(m, data)

	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(StoredResponse)
	return
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	const extraRequired = 0
	var key []byte
	var noreply bool
	key, _, noreply, clientErr = parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}

	deleted := c.Cache.Delete(key)

	if noreply {
		err = c.Flush()
		return
	}
	var response string
	if deleted {
		response = DeletedResponse
	} else {
		response = NotFoundResponse
	}
	err = c.sendResponse(response)
	return
}

func (c *conn) flushAll(fields [][]byte) (clientErr, err error) {
	var noreply bool
	if len(fields) > 1 {
		clientErr = stackerr.Wrap(ErrTooManyFields)
		return
	}
	if len(fields) == 1 {
		if string(fields[0]) != NoReplyOption {
			clientErr = stackerr.Wrap(ErrInvalidOption)
			return
		}
		noreply = true
	}

	c.Cache.Flush()

	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(OkResponse)
	return
}

func (c *conn) lruCrawler(fields [][]byte) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	sub := string(fields[0])
	args := fields[1:]
	switch sub {
	case LruCrawlerCrawlSubcommand, LruCrawlerMetadumpSubcommand, LruCrawlerMgdumpSubcommand:
		if len(args) == 0 {
			clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
			return
		}
		if len(args) > 2 {
			clientErr = stackerr.Wrap(ErrTooManyFields)
			return
		}
		slabs := string(args[0])
		remaining := c.Tocrawl()
		if len(args) == 2 {
			var parsed uint64
			parsed, clientErr = parseUint32Field(args[1])
			if clientErr != nil {
				return
			}
			remaining = uint32(parsed)
		}
		switch sub {
		case LruCrawlerCrawlSubcommand:
			res := c.Crawler.Crawl(slabs, crawler.Expired, nil, remaining)
			err = c.sendResponse(crawlerResultResponse(res))
		case LruCrawlerMetadumpSubcommand:
			err = c.lruCrawlerDump(crawler.Metadump, slabs, remaining)
		case LruCrawlerMgdumpSubcommand:
			err = c.lruCrawlerDump(crawler.MgDump, slabs, remaining)
		}
	case LruCrawlerSleepSubcommand:
		if len(args) != 1 {
			clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
			return
		}
		var usec uint64
		usec, clientErr = parseUint32Field(args[0])
		if clientErr != nil {
			return
		}
		if usec > MaxCrawlerSleep {
			clientErr = stackerr.Newf("sleep must be between 0 and %v microseconds", MaxCrawlerSleep)
			return
		}
		c.Crawler.SetSleep(time.Duration(usec) * time.Microsecond)
		err = c.sendResponse(OkResponse)
	case LruCrawlerTocrawlSubcommand:
		if len(args) != 1 {
			clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
			return
		}
		var n uint64
		n, clientErr = parseUint32Field(args[0])
		if clientErr != nil {
			return
		}
		c.SetTocrawl(uint32(n))
		err = c.sendResponse(OkResponse)
	default:
		c.Log.Errorf("Unexpected lru_crawler subcommand: %s", sub)
		err = c.sendResponse(ErrorResponse)
	}
	return
}

func parseUint32Field(f []byte) (uint64, error) {
	v, err := strconv.ParseUint(string(f), 10, 32)
	if err != nil {
		return 0, stackerr.Newf("%s: %s", ErrFieldsParseError, err)
	}
	return v, nil
}

// deadlineConn is what the crawler needs from the underlying transport
// to own a connection for the duration of a dump.
type deadlineConn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// crawlerConn hands the transport to the crawler and parks the serving
// goroutine until the crawler gives it back.
type crawlerConn struct {
	deadlineConn
	done chan bool
}

var _ crawler.ClientConn = (*crawlerConn)(nil)

func (h *crawlerConn) SideClose()  { h.done <- false }
func (h *crawlerConn) Redispatch() { h.done <- true }

func (c *conn) lruCrawlerDump(typ crawler.RunType, slabs string, remaining uint32) error {
	dc, ok := c.rwc.(deadlineConn)
	if !ok {
		c.Log.Error("Dump requested over transport without deadline support.")
		return c.sendResponse(CrawlerErrorResponse)
	}
	// The crawler writes to the transport directly.
	if err := c.Flush(); err != nil {
		return err
	}
	h := &crawlerConn{deadlineConn: dc, done: make(chan bool)}
	res := c.Crawler.Crawl(slabs, typ, h, remaining)
	if res != crawler.OK {
		return c.sendResponse(crawlerResultResponse(res))
	}
	c.Log.Debug("Connection detached to the crawler.")
	redispatched := <-h.done
	if !redispatched {
		return errConnOwnedByCrawler
	}
	c.Log.Debug("Connection redispatched from the crawler.")
	return nil
}

func (c *conn) serverError(err error) {
	c.Log.Error("Server error: ", err)
	if err == io.ErrUnexpectedEOF {
		return
	}
	err = unwrap(err)
	c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, err))
}

func (c *conn) sendClientError(err error) error {
	c.Log.Error("Client error: ", err)
	err = unwrap(err)
	return c.sendResponse(fmt.Sprintf("%s %s", ClientErrorResponse, err))
}

func (c *conn) sendResponse(res string) error {
	c.WriteString(res)
	c.WriteString(Separator)
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}
