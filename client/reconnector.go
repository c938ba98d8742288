package client

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbase/fastcouch-go/common/memdconn"
	"go.uber.org/zap"
)

// reconnectResult tells the reconnect loop what became of an attempt.
type reconnectResult int

const (
	reconnectRetry reconnectResult = iota
	reconnectDone
)

type reconnectorOptions struct {
	Logger      *zap.Logger
	Parent      context.Context
	MaxInterval time.Duration

	// Attempt makes a single reconnect attempt for serverID.
	Attempt func(ctx context.Context, serverID string) reconnectResult

	// NeedsReconnect is checked when a loop finishes on its own, to catch a
	// connection that was lost again while the loop was still registered.
	NeedsReconnect func(serverID string) bool
}

type reconnectTask struct {
	cancel context.CancelFunc
}

// reconnector runs at most one reconnect loop per server id.
type reconnector struct {
	logger      *zap.Logger
	parent      context.Context
	maxInterval time.Duration
	attempt     func(ctx context.Context, serverID string) reconnectResult
	needsRetry  func(serverID string) bool

	lock  sync.Mutex
	tasks map[string]*reconnectTask
	wg    sync.WaitGroup
}

func newReconnector(opts *reconnectorOptions) *reconnector {
	return &reconnector{
		logger:      opts.Logger,
		parent:      opts.Parent,
		maxInterval: opts.MaxInterval,
		attempt:     opts.Attempt,
		needsRetry:  opts.NeedsReconnect,
		tasks:       make(map[string]*reconnectTask),
	}
}

// Start begins reconnecting to serverID unless a loop for it is already
// running or the reconnector has been shut down.
func (r *reconnector) Start(serverID string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.parent.Err() != nil {
		return
	}

	if _, ok := r.tasks[serverID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(r.parent)
	task := &reconnectTask{cancel: cancel}
	r.tasks[serverID] = task

	r.wg.Add(1)
	go r.procThread(ctx, serverID, task)
}

func (r *reconnector) Cancel(serverID string) {
	r.lock.Lock()
	task := r.tasks[serverID]
	delete(r.tasks, serverID)
	r.lock.Unlock()

	if task != nil {
		task.cancel()
	}
}

func (r *reconnector) CancelAll() {
	r.lock.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]*reconnectTask)
	r.lock.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
}

func (r *reconnector) IsRunning(serverID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.tasks[serverID]
	return ok
}

// Wait blocks until every reconnect loop has exited.
func (r *reconnector) Wait() {
	r.wg.Wait()
}

func (r *reconnector) procThread(ctx context.Context, serverID string, task *reconnectTask) {
	defer r.wg.Done()
	defer func() {
		cancelled := ctx.Err() != nil

		r.lock.Lock()
		if r.tasks[serverID] == task {
			delete(r.tasks, serverID)
		}
		r.lock.Unlock()
		task.cancel()

		if !cancelled && r.needsRetry != nil && r.needsRetry(serverID) {
			r.Start(serverID)
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	logger := r.logger.With(zap.String("server", serverID))
	logger.Debug("reconnecting")

	for {
		if r.attempt(ctx, serverID) == reconnectDone {
			return
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			logger.Debug("reconnect cancelled")
			return
		}
	}
}

// reconnectAttempt dials serverID once and installs the connection into a
// fresh clone of the current routing table.  The attempt is abandoned if the
// server has left the topology or the client is shutting down.
func (c *Client) reconnectAttempt(ctx context.Context, serverID string) reconnectResult {
	if ctx.Err() != nil || c.quitting.Load() {
		return reconnectDone
	}

	table := c.routing.Load()
	if table == nil {
		return reconnectDone
	}

	server := table.Topology.ServerByID(serverID)
	if server == nil {
		return reconnectDone
	}

	c.metrics.RecordServerEvent(c.metrics.ReconnectAttempts, serverID)

	conn, err := c.dialServer(ctx, server)
	if err != nil {
		c.logger.Debug("reconnect attempt failed",
			zap.String("server", serverID),
			zap.Error(err))
		return reconnectRetry
	}

	if !c.installConn(ctx, serverID, conn) {
		_ = conn.Close()
		return reconnectDone
	}

	c.logger.Info("reconnected to server", zap.String("server", serverID))
	return reconnectDone
}

// needsReconnect reports whether serverID is in the current topology
// without a live connection.
func (c *Client) needsReconnect(serverID string) bool {
	if c.quitting.Load() {
		return false
	}

	table := c.routing.Load()
	if table == nil {
		return false
	}

	serverIdx := table.Topology.ServerIndex(serverID)
	if serverIdx < 0 {
		return false
	}

	conn := table.Conns[serverIdx]
	return conn == nil || conn.IsClosed()
}

func (c *Client) installConn(ctx context.Context, serverID string, conn *memdconn.Conn) bool {
	c.publishLock.Lock()
	defer c.publishLock.Unlock()

	if ctx.Err() != nil || c.quitting.Load() {
		return false
	}

	current := c.routing.Load()
	serverIdx := current.Topology.ServerIndex(serverID)
	if serverIdx < 0 {
		return false
	}

	existing := current.Conns[serverIdx]
	if existing != nil && !existing.IsClosed() {
		return false
	}

	table := current.clone()
	table.Conns[serverIdx] = conn
	c.publishLocked(table)
	return true
}
