package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/fastcouch-go/common/bufferslab"
	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"github.com/couchbase/fastcouch-go/common/memdconn"
	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/couchbase/fastcouch-go/pkg/metrics"
	"github.com/couchbase/fastcouch-go/utils/cbclientnames"
	"github.com/couchbase/fastcouch-go/utils/sliceutils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrClientClosed        = errors.New("client is closed")
	ErrNoTopology          = errors.New("no topology has been published")
	ErrVbucketCountChanged = errors.New("topology changed the number of vbuckets")
	ErrBucketNameRequired  = errors.New("a bucket name is required to stream topology")
	ErrNoViewServers       = errors.New("no servers available for view queries")
)

// Client routes key-value operations to the servers owning each key's
// vbucket, following topology changes as they are published.
type Client struct {
	logger            *zap.Logger
	clientID          string
	clientName        string
	bucketName        string
	username          string
	password          string
	hasher            cbtopology.KeyHasher
	commandTimeout    time.Duration
	dialTimeout       time.Duration
	closeTimeout      time.Duration
	maxRetries        int
	enableCompression bool
	dialer            func(ctx context.Context, network, address string) (net.Conn, error)
	httpClient        *http.Client
	sendSlab          *bufferslab.Slab
	recvSlab          *bufferslab.Slab
	metrics           *metrics.ClientMetrics
	tracer            trace.Tracer

	routing     atomicRoutingTable
	mergeLock   sync.Mutex
	publishLock sync.Mutex
	publishedCh chan struct{}

	// newestSeen is the highest revision merged so far, including documents
	// that were not published because they matched the current layout.
	// Guarded by mergeLock.
	newestSeen *cbtopology.Topology

	opaques     opaqueAllocator
	connCounter atomic.Uint64
	viewCounter atomic.Uint32
	reconnector *reconnector
	watcher     *topologyWatcher

	ctx       context.Context
	ctxCancel context.CancelFunc
	quitting  atomic.Bool
	closed    atomic.Bool
}

func NewClient(opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	seeds := sliceutils.RemoveDuplicates(opts.Seeds)
	if len(seeds) > 0 && opts.BucketName == "" {
		return nil, ErrBucketNameRequired
	}

	hasher := opts.Hasher
	if hasher == nil {
		hasher = cbtopology.CRC32Hasher{}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	reconnectMaxInterval := opts.ReconnectMaxInterval
	if reconnectMaxInterval <= 0 {
		reconnectMaxInterval = DefaultReconnectMaxInterval
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	closeTimeout := opts.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}

	sendBufferCount := opts.SendBufferCount
	if sendBufferCount <= 0 {
		sendBufferCount = DefaultSendBufferCount
	}

	clientName := opts.ClientName
	if clientName == "" {
		clientName = "fastcouch-go/" + metrics.BuildVersion
	}

	httpClient := opts.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	clientID := uuid.NewString()
	ctx, ctxCancel := context.WithCancel(context.Background())

	c := &Client{
		logger:            logger.With(zap.String("clientId", clientID)),
		clientID:          clientID,
		clientName:        clientName,
		bucketName:        opts.BucketName,
		username:          opts.Username,
		password:          opts.Password,
		hasher:            hasher,
		commandTimeout:    opts.CommandTimeout,
		dialTimeout:       dialTimeout,
		closeTimeout:      closeTimeout,
		maxRetries:        maxRetries,
		enableCompression: opts.EnableCompression,
		dialer:            opts.Dialer,
		httpClient:        httpClient,
		sendSlab: bufferslab.New(bufferslab.Options{
			BufferSize: bufferslab.DefaultSendBufferSize,
			Capacity:   sendBufferCount,
		}),
		recvSlab: bufferslab.New(bufferslab.Options{
			BufferSize: bufferslab.DefaultRecvBufferSize,
		}),
		metrics:     metrics.GetClientMetrics(),
		tracer:      otel.Tracer("com.couchbase.fastcouch/client"),
		publishedCh: make(chan struct{}),
		ctx:         ctx,
		ctxCancel:   ctxCancel,
	}

	c.reconnector = newReconnector(&reconnectorOptions{
		Logger:         c.logger.Named("reconnector"),
		Parent:         ctx,
		MaxInterval:    reconnectMaxInterval,
		Attempt:        c.reconnectAttempt,
		NeedsReconnect: c.needsReconnect,
	})

	if len(seeds) > 0 {
		c.watcher = newTopologyWatcher(&topologyWatcherOptions{
			Logger:      c.logger.Named("watcher"),
			BucketName:  opts.BucketName,
			Seeds:       seeds,
			Username:    opts.Username,
			Password:    opts.Password,
			HttpClient:  httpClient,
			MaxInterval: reconnectMaxInterval,
			Routing:     &c.routing,
			Merge:       c.MergeTopology,
		})
	}

	return c, nil
}

// ClientID identifies this client instance in logs and HELLO requests.
func (c *Client) ClientID() string {
	return c.clientID
}

// Topology returns the currently published topology, or nil.
func (c *Client) Topology() *cbtopology.Topology {
	table := c.routing.Load()
	if table == nil {
		return nil
	}
	return table.Topology
}

type ServerState struct {
	ID           string `json:"id"`
	Connected    bool   `json:"connected"`
	Reconnecting bool   `json:"reconnecting"`
}

// ServerStates reports the connection state of every server in the current
// topology, in topology order.
func (c *Client) ServerStates() []ServerState {
	table := c.routing.Load()
	if table == nil {
		return nil
	}

	states := make([]ServerState, len(table.Topology.Servers))
	for serverIdx, server := range table.Topology.Servers {
		conn := table.Conns[serverIdx]
		states[serverIdx] = ServerState{
			ID:           server.ID(),
			Connected:    conn != nil && !conn.IsClosed(),
			Reconnecting: c.reconnector.IsRunning(server.ID()),
		}
	}
	return states
}

// WaitForInitialTopology blocks until a topology has been published or the
// timeout passes.
func (c *Client) WaitForInitialTopology(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.publishLock.Lock()
		table := c.routing.Load()
		publishedCh := c.publishedCh
		c.publishLock.Unlock()

		if table != nil {
			return true
		}

		select {
		case <-publishedCh:
		case <-timer.C:
			return false
		}
	}
}

func (c *Client) Get(key string, cb memdconn.Callback, state interface{}) {
	c.submit(memdconn.NewGet(c.opaques.Acquire(), key, cb, state))
}

func (c *Client) Set(key string, value []byte, cb memdconn.Callback, state interface{}) {
	c.submit(memdconn.NewSet(c.opaques.Acquire(), key, value, cb, state))
}

// CheckAndSet stores value only if the document's current cas matches.
func (c *Client) CheckAndSet(key string, value []byte, cas uint64, cb memdconn.Callback, state interface{}) {
	c.submit(memdconn.NewCheckAndSet(c.opaques.Acquire(), key, value, cas, cb, state))
}

func (c *Client) Delete(key string, cb memdconn.Callback, state interface{}) {
	c.submit(memdconn.NewDelete(c.opaques.Acquire(), key, cb, state))
}

func (c *Client) submit(cmd *memdconn.Command) {
	opName := cmd.Opcode().Name()

	_, span := c.tracer.Start(context.Background(), "kv."+opName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "couchbase"),
			attribute.String("db.couchbase.bucket", c.bucketName),
			attribute.Int("db.couchbase.opaque", int(cmd.Opaque()))))

	cmd.AddCompletionHook(func(cmd *memdconn.Command) {
		c.opaques.Release(cmd.Opaque())

		status := cmd.Status()
		c.metrics.RecordCompletion(opName, status)

		span.SetAttributes(attribute.String("db.couchbase.status", status.String()))
		if status != memdproto.StatusSuccess {
			span.SetStatus(codes.Error, status.String())
		}
		span.End()
	})

	key := cmd.Key()
	if key == "" || len(key) > memdproto.MaxKeyLen {
		cmd.NotifyCompleteWithStatus(memdproto.StatusInvalidArgs)
		return
	}

	if c.quitting.Load() {
		cmd.NotifyCompleteWithStatus(memdproto.StatusDisconnectedBeforeSend)
		return
	}

	if c.commandTimeout > 0 {
		cmd.SetDeadline(time.Now().Add(c.commandTimeout))
	}

	c.send(cmd)
}

// Quit stops accepting operations and asks every server connection to
// flush and close.  It does not wait.
func (c *Client) Quit() {
	if !c.quitting.CompareAndSwap(false, true) {
		return
	}

	c.logger.Debug("client quitting")

	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.reconnector.CancelAll()

	table := c.routing.Load()
	if table == nil {
		return
	}

	for _, conn := range table.Conns {
		if conn != nil {
			conn.Quit()
		}
	}
}

// Close quits, waits up to CloseTimeout for connections to drain and then
// tears everything down.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}

	c.Quit()
	c.ctxCancel()

	if c.watcher != nil {
		c.watcher.Close()
	}

	// holding the merge lock keeps any in-progress merge from publishing
	// connections behind our back
	c.mergeLock.Lock()
	defer c.mergeLock.Unlock()

	c.reconnector.Wait()

	table := c.routing.Load()
	if table == nil {
		return nil
	}

	timeout := time.NewTimer(c.closeTimeout)
	defer timeout.Stop()

	var err error
	for _, conn := range table.Conns {
		if conn == nil {
			continue
		}

		select {
		case <-conn.Done():
		case <-timeout.C:
		}

		err = multierr.Append(err, conn.Close())
		<-conn.Done()
	}

	return err
}

func (c *Client) nextHelloKey() string {
	connID := fmt.Sprintf("%s/%d", c.clientID[:8], c.connCounter.Inc())
	return cbclientnames.HelloKey(c.clientName, connID)
}

func (c *Client) dialServer(ctx context.Context, server *cbtopology.Server) (*memdconn.Conn, error) {
	conn, err := memdconn.Dial(ctx, &memdconn.DialOptions{
		ConnOptions: memdconn.ConnOptions{
			Logger:             c.logger.Named("conn"),
			ServerID:           server.ID(),
			SendSlab:           c.sendSlab,
			RecvSlab:           c.recvSlab,
			OnRecoverableError: c.onRecoverableError,
			OnDisconnected:     c.onDisconnected,
		},
		Address:           server.DataAddress(),
		DialTimeout:       c.dialTimeout,
		EnableCompression: c.enableCompression,
		ClientName:        c.nextHelloKey(),
		Dialer:            c.dialer,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("connected to server", zap.String("server", server.ID()))
	return conn, nil
}
