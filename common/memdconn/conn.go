package memdconn

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"syscall"

	"github.com/couchbase/fastcouch-go/common/bufferslab"
	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/couchbase/fastcouch-go/pkg/metrics"
	"go.uber.org/zap"
)

// RecoverableErrorHandler is handed commands whose response status asks for
// a retry (wrong vbucket owner, busy, temporary failure).
type RecoverableErrorHandler func(serverID string, cmd *Command)

// DisconnectHandler receives the commands a connection still held when it
// went down.  pendingSends never reached the wire, pendingReceives did.
type DisconnectHandler func(serverID string, pendingSends, pendingReceives []*Command)

type ConnOptions struct {
	Logger   *zap.Logger
	ServerID string

	SendSlab *bufferslab.Slab
	RecvSlab *bufferslab.Slab

	OnRecoverableError RecoverableErrorHandler
	OnDisconnected     DisconnectHandler

	// SnappyEnabled marks that HELLO negotiated snappy on this socket.
	SnappyEnabled bool
}

// Conn pipelines commands over one memcached binary protocol socket.  A
// write goroutine drains pendingSends in FIFO order and a read goroutine
// matches responses to pendingReceives by opaque.
type Conn struct {
	logger        *zap.Logger
	serverID      string
	netConn       net.Conn
	sendSlab      *bufferslab.Slab
	recvSlab      *bufferslab.Slab
	snappyEnabled bool
	metrics       *metrics.ClientMetrics

	onRecoverableError RecoverableErrorHandler
	onDisconnected     DisconnectHandler

	lock            sync.Mutex
	pendingSends    []*Command
	pendingReceives map[uint32]*Command
	abandoned       map[uint32]struct{}
	draining        bool
	shut            bool
	writerOpen      bool
	readerOpen      bool
	reported        bool

	writeSignal chan struct{}
	closeCh     chan struct{}
	doneCh      chan struct{}

	reader responseReader
}

// NewConn takes ownership of netConn and starts its read and write
// goroutines.
func NewConn(netConn net.Conn, opts *ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sendSlab := opts.SendSlab
	if sendSlab == nil {
		sendSlab = bufferslab.New(bufferslab.Options{BufferSize: bufferslab.DefaultSendBufferSize})
	}

	recvSlab := opts.RecvSlab
	if recvSlab == nil {
		recvSlab = bufferslab.New(bufferslab.Options{BufferSize: bufferslab.DefaultRecvBufferSize})
	}

	c := &Conn{
		logger:             logger.With(zap.String("server", opts.ServerID)),
		serverID:           opts.ServerID,
		netConn:            netConn,
		sendSlab:           sendSlab,
		recvSlab:           recvSlab,
		snappyEnabled:      opts.SnappyEnabled,
		metrics:            metrics.GetClientMetrics(),
		onRecoverableError: opts.OnRecoverableError,
		onDisconnected:     opts.OnDisconnected,
		pendingReceives:    make(map[uint32]*Command),
		abandoned:          make(map[uint32]struct{}),
		writerOpen:         true,
		readerOpen:         true,
		writeSignal:        make(chan struct{}, 1),
		closeCh:            make(chan struct{}),
		doneCh:             make(chan struct{}),
	}

	c.metrics.RecordServerEvent(c.metrics.NewConnections, c.serverID)
	c.metrics.ActiveConnections.Add(context.Background(), 1)

	go c.writeThread()
	go c.readThread()

	return c
}

func (c *Conn) ServerID() string {
	return c.serverID
}

func (c *Conn) SnappyEnabled() bool {
	return c.snappyEnabled
}

// TrySend queues cmd for writing.  It returns false, without queueing
// anything, once the connection is closing or closed.
func (c *Conn) TrySend(cmd *Command) bool {
	c.lock.Lock()
	if c.shut || c.draining {
		c.lock.Unlock()
		return false
	}

	// an opaque still tracked here cannot be reused until its response is
	// accounted for, or the reader would hand it to the wrong command
	opaque := cmd.Opaque()
	_, isPending := c.pendingReceives[opaque]
	_, isAbandoned := c.abandoned[opaque]
	if isPending || isAbandoned {
		c.lock.Unlock()
		c.logger.Warn("refusing command with an opaque that is still outstanding",
			zap.Uint32("opaque", opaque))
		return false
	}

	c.pendingSends = append(c.pendingSends, cmd)
	c.lock.Unlock()

	if !cmd.Deadline().IsZero() {
		cmd.armDeadline(func() {
			c.expire(cmd)
		})
	}

	c.signalWriter()
	c.metrics.CommandsSent.Add(context.Background(), 1)
	return true
}

// Quit asks the server to flush and close the socket.  No further commands
// are accepted once it is called.
func (c *Conn) Quit() bool {
	c.lock.Lock()
	if c.shut || c.draining {
		c.lock.Unlock()
		return false
	}

	c.draining = true
	c.pendingSends = append(c.pendingSends, NewQuit(0, nil, nil))
	c.lock.Unlock()

	c.signalWriter()
	return true
}

// Close tears the socket down.  Commands still held are handed to the
// disconnect handler once both goroutines have exited.
func (c *Conn) Close() error {
	return c.shutdown()
}

// Done is closed after the disconnect handler has run.
func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

// IsClosed reports whether the connection has stopped accepting commands.
func (c *Conn) IsClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.shut || c.draining
}

// PendingCounts returns the number of queued sends and outstanding receives.
func (c *Conn) PendingCounts() (int, int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.pendingSends), len(c.pendingReceives)
}

func (c *Conn) signalWriter() {
	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

func (c *Conn) shutdown() error {
	c.lock.Lock()
	if c.shut {
		c.lock.Unlock()
		return nil
	}
	c.shut = true
	c.lock.Unlock()

	close(c.closeCh)
	err := c.netConn.Close()
	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

// expire completes cmd with a timeout if this connection still holds it.  A
// command that is already on the wire leaves its opaque behind so that the
// late response can be skipped.
func (c *Conn) expire(cmd *Command) {
	c.lock.Lock()
	found := false
	for i, pending := range c.pendingSends {
		if pending == cmd {
			c.pendingSends = append(c.pendingSends[:i], c.pendingSends[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		if pending, ok := c.pendingReceives[cmd.Opaque()]; ok && pending == cmd {
			delete(c.pendingReceives, cmd.Opaque())
			c.abandoned[cmd.Opaque()] = struct{}{}
			found = true
		}
	}
	c.lock.Unlock()

	if !found {
		return
	}

	c.logger.Debug("command deadline exceeded", zap.Stringer("command", cmd))
	cmd.NotifyCompleteWithStatus(memdproto.StatusTimedOut)
}

// maybeReportDisconnect hands the remaining commands to the owner once both
// goroutines have exited.  It runs at most once.
func (c *Conn) maybeReportDisconnect() {
	c.lock.Lock()
	if c.writerOpen || c.readerOpen || c.reported {
		c.lock.Unlock()
		return
	}
	c.reported = true

	pendingSends := c.pendingSends
	pendingReceives := make([]*Command, 0, len(c.pendingReceives))
	for _, cmd := range c.pendingReceives {
		pendingReceives = append(pendingReceives, cmd)
	}
	sort.Slice(pendingReceives, func(i, j int) bool {
		return pendingReceives[i].Opaque() < pendingReceives[j].Opaque()
	})

	c.pendingSends = nil
	c.pendingReceives = make(map[uint32]*Command)
	c.abandoned = make(map[uint32]struct{})
	c.lock.Unlock()

	c.logger.Debug("connection disconnected",
		zap.Int("pendingSends", len(pendingSends)),
		zap.Int("pendingReceives", len(pendingReceives)))
	c.metrics.RecordServerEvent(c.metrics.Disconnects, c.serverID)
	c.metrics.ActiveConnections.Add(context.Background(), -1)

	// the internal quit command has no owner to resend it
	pendingSends = dropQuitCommands(pendingSends)
	pendingReceives = dropQuitCommands(pendingReceives)

	if c.onDisconnected != nil {
		c.onDisconnected(c.serverID, pendingSends, pendingReceives)
	} else {
		for _, cmd := range pendingSends {
			cmd.NotifyCompleteWithStatus(memdproto.StatusDisconnectedBeforeSend)
		}
		for _, cmd := range pendingReceives {
			cmd.NotifyCompleteWithStatus(memdproto.StatusDisconnectedWhilePending)
		}
	}

	close(c.doneCh)
}

func dropQuitCommands(cmds []*Command) []*Command {
	out := cmds[:0]
	for _, cmd := range cmds {
		if cmd.Opcode() == memdproto.OpQuit && cmd.callback == nil {
			continue
		}
		out = append(out, cmd)
	}
	return out
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}
