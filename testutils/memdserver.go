package testutils

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// RequestAction overrides how the mock server answers a request.
type RequestAction struct {
	// Status replies immediately with this status and no body.
	Status memd.StatusCode
	Reply  bool

	// Swallow drops the request without replying.
	Swallow bool

	// Disconnect closes the client's socket instead of replying.
	Disconnect bool

	// Delay postpones normal handling.
	Delay time.Duration
}

// RequestHook inspects every request before it is handled.  Returning nil
// selects the default behaviour.
type RequestHook func(pak *memd.Packet) *RequestAction

type MemdServerOptions struct {
	Logger *zap.Logger

	// OwnedVbuckets limits the vbuckets this server accepts; anything else is
	// answered with not-my-vbucket.  Nil means every vbucket.
	OwnedVbuckets []uint16

	EnableSnappy bool
}

type mockDocument struct {
	value    []byte
	datatype uint8
	cas      uint64
}

// MemdServer is an in-process memcached binary protocol server holding
// documents in memory.
type MemdServer struct {
	logger       *zap.Logger
	listener     net.Listener
	enableSnappy bool

	lock      sync.Mutex
	docs      map[string]*mockDocument
	owned     map[uint16]bool
	nextCas   uint64
	hook      RequestHook
	clients   []*memdServerClient
	requests  map[memd.CmdCode]int
	vbuckets  []uint16
	accepting bool

	wg sync.WaitGroup
}

func StartMemdServer(opts MemdServerOptions) (*MemdServer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &MemdServer{
		logger:       logger,
		listener:     l,
		enableSnappy: opts.EnableSnappy,
		docs:         make(map[string]*mockDocument),
		requests:     make(map[memd.CmdCode]int),
		accepting:    true,
	}
	s.SetOwnedVbuckets(opts.OwnedVbuckets)

	s.wg.Add(1)
	go s.serve()

	return s, nil
}

func (s *MemdServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *MemdServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

func (s *MemdServer) Port() int {
	_, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)
	return port
}

func (s *MemdServer) SetHook(hook RequestHook) {
	s.lock.Lock()
	s.hook = hook
	s.lock.Unlock()
}

func (s *MemdServer) SetOwnedVbuckets(vbuckets []uint16) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if vbuckets == nil {
		s.owned = nil
		return
	}

	s.owned = make(map[uint16]bool, len(vbuckets))
	for _, vb := range vbuckets {
		s.owned[vb] = true
	}
}

// RequestCount returns how many requests with opcode have been received.
func (s *MemdServer) RequestCount(opcode memd.CmdCode) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.requests[opcode]
}

// SeenVbuckets returns the vbucket of every data request received, in order.
func (s *MemdServer) SeenVbuckets() []uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]uint16(nil), s.vbuckets...)
}

// NumClients returns the number of currently connected clients.
func (s *MemdServer) NumClients() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.clients)
}

// Document returns the stored value and cas of key.
func (s *MemdServer) Document(key string) ([]byte, uint8, uint64, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, 0, 0, false
	}
	return doc.value, doc.datatype, doc.cas, true
}

// DropConnections closes every client socket without closing the listener.
func (s *MemdServer) DropConnections() {
	s.lock.Lock()
	clients := append([]*memdServerClient(nil), s.clients...)
	s.lock.Unlock()

	for _, client := range clients {
		_ = client.conn.Close()
	}
}

// SetAccepting controls whether new connections are accepted or
// immediately closed.
func (s *MemdServer) SetAccepting(accepting bool) {
	s.lock.Lock()
	s.accepting = accepting
	s.lock.Unlock()
}

func (s *MemdServer) Close() {
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *MemdServer) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("failed to accept client", zap.Error(err))
			}
			return
		}

		s.lock.Lock()
		accepting := s.accepting
		s.lock.Unlock()
		if !accepting {
			_ = conn.Close()
			continue
		}

		client := &memdServerClient{
			server: s,
			conn:   conn,
			memd: memd.NewConn(wrappedReadWriter{
				Reader: bufio.NewReader(conn),
				Writer: conn,
			}),
		}

		s.lock.Lock()
		s.clients = append(s.clients, client)
		s.lock.Unlock()

		s.wg.Add(1)
		go client.procThread()
	}
}

func (s *MemdServer) removeClient(client *memdServerClient) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, c := range s.clients {
		if c == client {
			s.clients[i] = s.clients[len(s.clients)-1]
			s.clients = s.clients[:len(s.clients)-1]
			return
		}
	}
}

type wrappedReadWriter struct {
	*bufio.Reader
	io.Writer
}

type memdServerClient struct {
	server *MemdServer
	conn   net.Conn
	memd   *memd.Conn

	writeLock sync.Mutex
	snappy    bool
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

func (c *memdServerClient) procThread() {
	defer c.server.wg.Done()

	var pending sync.WaitGroup
	for {
		pak, _, err := c.memd.ReadPacket()
		if err != nil {
			if !isClosedErr(err) {
				c.server.logger.Debug("mock server read error", zap.Error(err))
			}
			break
		}

		if pak.Command == memd.CmdCode(0x07) {
			c.reply(pak, memd.StatusSuccess, nil, nil, 0, 0)
			break
		}

		c.server.lock.Lock()
		c.server.requests[pak.Command]++
		hook := c.server.hook
		c.server.lock.Unlock()

		var action *RequestAction
		if hook != nil {
			action = hook(pak)
		}

		if action != nil {
			if action.Disconnect {
				break
			}
			if action.Swallow {
				continue
			}
			if action.Reply {
				c.reply(pak, action.Status, nil, nil, 0, 0)
				continue
			}
			if action.Delay > 0 {
				pending.Add(1)
				go func(pak *memd.Packet, delay time.Duration) {
					defer pending.Done()
					time.Sleep(delay)
					c.handle(pak)
				}(pak, action.Delay)
				continue
			}
		}

		c.handle(pak)
	}

	_ = c.conn.Close()
	pending.Wait()
	c.server.removeClient(c)
}

func (c *memdServerClient) reply(req *memd.Packet, status memd.StatusCode, value, extras []byte, datatype uint8, cas uint64) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	err := c.memd.WritePacket(&memd.Packet{
		Magic:    memd.CmdMagicRes,
		Command:  req.Command,
		Datatype: datatype,
		Status:   status,
		Opaque:   req.Opaque,
		Cas:      cas,
		Extras:   extras,
		Value:    value,
	})
	if err != nil && !isClosedErr(err) {
		c.server.logger.Debug("mock server write error", zap.Error(err))
	}
}

func (c *memdServerClient) handle(pak *memd.Packet) {
	s := c.server

	switch pak.Command {
	case memd.CmdHello:
		c.handleHello(pak)
		return
	case memd.CmdNoop:
		c.reply(pak, memd.StatusSuccess, nil, nil, 0, 0)
		return
	case memd.CmdGet, memd.CmdSet, memd.CmdDelete:
	default:
		c.reply(pak, memd.StatusUnknownCommand, nil, nil, 0, 0)
		return
	}

	s.lock.Lock()
	s.vbuckets = append(s.vbuckets, pak.Vbucket)
	if s.owned != nil && !s.owned[pak.Vbucket] {
		s.lock.Unlock()
		c.reply(pak, memd.StatusCode(0x07), nil, nil, 0, 0)
		return
	}

	key := string(pak.Key)
	doc := s.docs[key]

	switch pak.Command {
	case memd.CmdGet:
		s.lock.Unlock()
		if doc == nil {
			c.reply(pak, memd.StatusKeyNotFound, []byte("Not found"), nil, 0, 0)
			return
		}

		value := doc.value
		datatype := doc.datatype
		if !c.snappy && datatype&0x02 != 0 {
			// only clients that negotiated snappy may see compressed bodies
			value = decompressForClient(value)
			datatype &^= 0x02
		}
		c.reply(pak, memd.StatusSuccess, value, make([]byte, 4), datatype, doc.cas)

	case memd.CmdSet:
		if pak.Cas != 0 {
			if doc == nil {
				s.lock.Unlock()
				c.reply(pak, memd.StatusKeyNotFound, nil, nil, 0, 0)
				return
			}
			if doc.cas != pak.Cas {
				s.lock.Unlock()
				c.reply(pak, memd.StatusKeyExists, []byte("Data exists for key"), nil, 0, 0)
				return
			}
		}

		s.nextCas++
		cas := s.nextCas
		s.docs[key] = &mockDocument{
			value:    append([]byte(nil), pak.Value...),
			datatype: pak.Datatype,
			cas:      cas,
		}
		s.lock.Unlock()
		c.reply(pak, memd.StatusSuccess, nil, nil, 0, cas)

	case memd.CmdDelete:
		if doc == nil {
			s.lock.Unlock()
			c.reply(pak, memd.StatusKeyNotFound, nil, nil, 0, 0)
			return
		}
		delete(s.docs, key)
		s.nextCas++
		cas := s.nextCas
		s.lock.Unlock()
		c.reply(pak, memd.StatusSuccess, nil, nil, 0, cas)
	}
}

func (c *memdServerClient) handleHello(pak *memd.Packet) {
	var enabled []byte
	for i := 0; i+1 < len(pak.Value); i += 2 {
		feature := binary.BigEndian.Uint16(pak.Value[i:])
		switch feature {
		case 0x01:
			enabled = binary.BigEndian.AppendUint16(enabled, feature)
		case 0x0a:
			if c.server.enableSnappy {
				enabled = binary.BigEndian.AppendUint16(enabled, feature)
				c.snappy = true
			}
		}
	}

	c.reply(pak, memd.StatusSuccess, enabled, nil, 0, 0)
}

func decompressForClient(value []byte) []byte {
	out, err := snappy.Decode(nil, value)
	if err != nil {
		return value
	}
	return out
}
