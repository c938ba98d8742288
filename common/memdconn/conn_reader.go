package memdconn

import (
	"errors"
	"fmt"

	"github.com/couchbase/fastcouch-go/common/memdproto"
	"go.uber.org/zap"
)

var (
	ErrUnknownOpaque = errors.New("response for an opaque that is not pending")

	errQuitReceived = errors.New("quit acknowledged")
)

type readState int

const (
	readHeader readState = iota
	readExtras
	readKey
	readBody
	readErrorBody
)

// responseReader is the incremental response parser.  It is only touched
// by the read goroutine.
type responseReader struct {
	state readState

	hdrBuf  [memdproto.HeaderLen]byte
	hdrRead int
	hdr     memdproto.Header

	extras     []byte
	extrasRead int
	key        []byte
	keyRead    int
	valueLen   int
	valueRead  int
	errBody    []byte

	// cmd is nil while skipping the response to an abandoned command
	cmd *Command
}

func (r *responseReader) reset() {
	r.state = readHeader
	r.hdrRead = 0
	r.extras = nil
	r.extrasRead = 0
	r.key = nil
	r.keyRead = 0
	r.valueLen = 0
	r.valueRead = 0
	r.errBody = nil
	r.cmd = nil
}

func (c *Conn) readThread() {
	buf := c.recvSlab.Get()

	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			consumeErr := c.consume(buf[:n])
			if errors.Is(consumeErr, errQuitReceived) {
				c.logger.Debug("server acknowledged quit")
				break
			} else if consumeErr != nil {
				c.logger.Error("protocol desynchronization, closing connection", zap.Error(consumeErr))
				break
			}
		}
		if err != nil {
			if !isClosedErr(err) {
				c.logger.Debug("failed to read from connection", zap.Error(err))
			}
			break
		}
	}

	c.recvSlab.Put(buf)

	c.lock.Lock()
	c.readerOpen = false
	c.lock.Unlock()

	_ = c.shutdown()
	c.maybeReportDisconnect()
}

// consume advances the parser over data, which may hold any fraction of a
// response or several responses.
func (c *Conn) consume(data []byte) error {
	r := &c.reader

	for {
		switch r.state {
		case readHeader:
			if len(data) == 0 {
				return nil
			}
			copied := copy(r.hdrBuf[r.hdrRead:], data)
			r.hdrRead += copied
			data = data[copied:]
			if r.hdrRead < memdproto.HeaderLen {
				return nil
			}

			err := c.beginResponse()
			if err != nil {
				return err
			}

		case readExtras:
			if r.extrasRead < len(r.extras) {
				if len(data) == 0 {
					return nil
				}
				copied := copy(r.extras[r.extrasRead:], data)
				r.extrasRead += copied
				data = data[copied:]
				if r.extrasRead < len(r.extras) {
					return nil
				}
			}
			r.state = readKey

		case readKey:
			if r.keyRead < len(r.key) {
				if len(data) == 0 {
					return nil
				}
				copied := copy(r.key[r.keyRead:], data)
				r.keyRead += copied
				data = data[copied:]
				if r.keyRead < len(r.key) {
					return nil
				}
			}
			if r.hdr.Status == memdproto.StatusSuccess {
				r.state = readBody
			} else {
				r.state = readErrorBody
			}

		case readBody, readErrorBody:
			if r.valueRead < r.valueLen {
				if len(data) == 0 {
					return nil
				}
				chunk := data
				if remaining := r.valueLen - r.valueRead; len(chunk) > remaining {
					chunk = chunk[:remaining]
				}

				if r.state == readErrorBody {
					r.errBody = append(r.errBody, chunk...)
				} else if r.cmd != nil {
					r.cmd.Parse(r.hdr.Status, chunk, r.extras, r.key, r.valueRead, r.valueLen)
				}

				r.valueRead += len(chunk)
				data = data[len(chunk):]
				if r.valueRead < r.valueLen {
					return nil
				}
			}

			isQuit := r.hdr.Opcode == memdproto.OpQuit
			c.finishResponse()
			r.reset()
			if isQuit {
				return errQuitReceived
			}
		}
	}
}

// beginResponse decodes the buffered header and looks up the command it
// answers.
func (c *Conn) beginResponse() error {
	r := &c.reader

	memdproto.DecodeHeader(r.hdrBuf[:], &r.hdr)
	err := memdproto.ValidateResponseHeader(&r.hdr)
	if err != nil {
		return err
	}

	c.lock.Lock()
	cmd, isPending := c.pendingReceives[r.hdr.Opaque]
	_, isAbandoned := c.abandoned[r.hdr.Opaque]
	c.lock.Unlock()

	if !isPending && !isAbandoned {
		return fmt.Errorf("%w: %s", ErrUnknownOpaque, r.hdr.String())
	}

	if isPending {
		r.cmd = cmd
	}

	if r.hdr.ExtrasLen > 0 {
		r.extras = make([]byte, r.hdr.ExtrasLen)
	}
	if r.hdr.KeyLen > 0 {
		r.key = make([]byte, r.hdr.KeyLen)
	}
	r.valueLen = r.hdr.ValueLen()
	r.state = readExtras

	return nil
}

// finishResponse removes the command from pendingReceives and either
// completes it or hands it back for a retry.
func (c *Conn) finishResponse() {
	r := &c.reader
	opaque := r.hdr.Opaque

	c.lock.Lock()
	cmd, isPending := c.pendingReceives[opaque]
	if isPending && cmd == r.cmd {
		delete(c.pendingReceives, opaque)
	} else {
		// the command timed out while its response was in flight
		cmd = nil
		delete(c.abandoned, opaque)
	}
	c.lock.Unlock()

	if cmd == nil {
		c.logger.Debug("discarded response to an abandoned command", zap.Uint32("opaque", opaque))
		return
	}

	status := r.hdr.Status
	cmd.SetResponse(status, r.hdr.Cas, r.hdr.Datatype)
	if status != memdproto.StatusSuccess && len(r.errBody) > 0 {
		cmd.SetErrorMessage(string(r.errBody))
	}

	if status.IsRecoverable() && c.onRecoverableError != nil {
		c.onRecoverableError(c.serverID, cmd)
		return
	}

	cmd.NotifyComplete()
}
