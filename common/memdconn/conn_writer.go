package memdconn

import (
	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/couchbase/gocbcore/v10/memd"
	"go.uber.org/zap"
)

// minSendBufferLen fits a header with maximal extras and key, so that only
// the value ever needs to be split across writes.
const minSendBufferLen = memdproto.HeaderLen + 255 + memdproto.MaxKeyLen

func (c *Conn) writeThread() {
	buf := c.sendSlab.Get()
	pooled := true
	if len(buf) < minSendBufferLen {
		c.sendSlab.Put(buf)
		buf = make([]byte, minSendBufferLen)
		pooled = false
	}

	for {
		cmd := c.nextSend()
		if cmd == nil {
			break
		}

		err := c.writeCommand(buf, cmd)
		if err != nil {
			if !isClosedErr(err) {
				c.logger.Debug("failed to write command", zap.Error(err), zap.Stringer("command", cmd))
			}
			break
		}
	}

	if pooled {
		c.sendSlab.Put(buf)
	}

	c.lock.Lock()
	c.writerOpen = false
	c.lock.Unlock()

	_ = c.shutdown()
	c.maybeReportDisconnect()
}

// nextSend blocks until a command is queued or the connection shuts down.
// The command is moved to pendingReceives before any of its bytes are
// written so its response can never arrive unregistered.
func (c *Conn) nextSend() *Command {
	for {
		c.lock.Lock()
		if c.shut {
			c.lock.Unlock()
			return nil
		}

		if len(c.pendingSends) > 0 {
			cmd := c.pendingSends[0]
			c.pendingSends[0] = nil
			c.pendingSends = c.pendingSends[1:]
			c.pendingReceives[cmd.Opaque()] = cmd
			c.lock.Unlock()
			return cmd
		}
		c.lock.Unlock()

		select {
		case <-c.writeSignal:
		case <-c.closeCh:
		}
	}
}

func (c *Conn) writeCommand(buf []byte, cmd *Command) error {
	cmd.BeginWriting(c.snappyEnabled)

	vbID, _ := cmd.VbucketID()
	hdr := memdproto.Header{
		Magic:     memd.CmdMagicReq,
		Opcode:    cmd.Opcode(),
		KeyLen:    uint16(len(cmd.Key())),
		ExtrasLen: uint8(cmd.ExtrasLen()),
		Datatype:  cmd.Datatype(),
		Vbucket:   vbID,
		TotalBody: uint32(cmd.BodyLen()),
		Opaque:    cmd.Opaque(),
		Cas:       cmd.Cas(),
	}
	memdproto.EncodeHeader(buf, &hdr)

	n := memdproto.HeaderLen
	n += cmd.WriteExtras(buf[n:])
	n += cmd.WriteKey(buf[n:])

	valueLen := cmd.ValueLen()
	offset := 0
	for {
		written := cmd.WriteValue(buf[n:], offset)
		offset += written
		n += written

		if offset < valueLen && n < len(buf) {
			continue
		}

		_, err := c.netConn.Write(buf[:n])
		if err != nil {
			return err
		}
		n = 0

		if offset >= valueLen {
			return nil
		}
	}
}
