package lanecache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/lanecache/cache"
	"github.com/skipor/lanecache/internal/util"
	"github.com/skipor/lanecache/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	log    log.Logger
	*ConnMeta
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		log:      l,
		ConnMeta: m,
	}
}

func (c *conn) serve() {
	c.log.Debug("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			c.closer.Close()
			panic(r)
		}
		c.Close()
		c.log.Debug("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				// Just client disconnect. Ok.
				return nil
			}
			return err
		}
		if clientErr == nil {
			c.log.Debugf("Command: %s.", command)
			switch string(command) { // No allocation.
			case GetCommand, GetsCommand:
				clientErr, err = c.get(fields)
			case SetCommand:
				clientErr, err = c.set(fields)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			default:
				c.log.Errorf("Unexpected command: %s", command)
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

func (c *conn) context() (context.Context, context.CancelFunc) {
	if c.OpTimeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), c.OpTimeout)
}

func (c *conn) get(fields [][]byte) (clientErr, err error) {
	var keys []string
	keys, clientErr = parseGetFields(fields)
	if clientErr != nil {
		return
	}
	ctx, cancel := c.context()
	defer cancel()
	now := time.Now()
	for _, key := range keys {
		var it Item
		it, err = c.Cache.GetOrLoad(ctx, key)
		if cache.IsMiss(err) {
			err = nil
			continue
		}
		if err != nil {
			return nil, c.sendServerError(err)
		}
		if it.Expired(now) {
			c.log.Debugf("Key %s expired.", key)
			c.Cache.Delete(ctx, key)
			continue
		}
		c.writeValue(key, it)
	}
	return nil, c.sendResponse(EndResponse)
}

func (c *conn) writeValue(key string, it Item) {
	c.log.Debugf("Sending value. Key %s.", key)
	c.WriteString(ValueResponse)
	c.WriteByte(' ')
	c.WriteString(key)
	c.WriteByte(' ')
	c.WriteString(strconv.FormatUint(uint64(it.Flags), 10))
	c.WriteByte(' ')
	c.WriteString(strconv.Itoa(len(it.Data)))
	c.WriteString(Separator)
	c.Write(it.Data)
	c.WriteString(Separator)
}

func (c *conn) set(fields [][]byte) (clientErr, err error) {
	var cmd setCommand
	cmd, clientErr = parseSetFields(fields, time.Now())
	if clientErr != nil {
		err = c.discardCommand()
		return
	}
	if cmd.bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(cmd.bytes + len(Separator))
		err = stackerr.Wrap(err)
		return
	}
	var data []byte
	data, clientErr, err = c.readDataBlock(cmd.bytes)
	if err != nil || clientErr != nil {
		return
	}

	ctx, cancel := c.context()
	defer cancel()
	err = c.Cache.Put(ctx, cmd.key, Item{Flags: cmd.flags, Exptime: cmd.exptime, Data: data})
	if err != nil {
		return nil, c.sendServerError(err)
	}

	if cmd.noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(StoredResponse)
	return
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	var key string
	var noreply bool
	key, noreply, clientErr = parseDeleteFields(fields)
	if clientErr != nil {
		return
	}

	ctx, cancel := c.context()
	defer cancel()
	err = c.Cache.Delete(ctx, key)
	var response string
	switch {
	case err == nil:
		response = DeletedResponse
	case cache.IsMiss(err):
		response = NotFoundResponse
	default:
		return nil, c.sendServerError(err)
	}

	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(response)
	return
}

// serverError reports error after which connection is closed.
func (c *conn) serverError(err error) {
	c.log.Error("Server error: ", err)
	if util.Unwrap(err) == io.ErrUnexpectedEOF {
		return
	}
	c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, util.Unwrap(err)))
}

// sendServerError reports failed cache operation. Connection is served further.
func (c *conn) sendServerError(err error) error {
	c.log.Error("Cache operation failed: ", err)
	return c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, util.Unwrap(err)))
}

func (c *conn) sendClientError(err error) error {
	c.log.Error("Client error: ", err)
	err = util.Unwrap(err)
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
