package client

import (
	"context"
	"time"

	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"github.com/couchbase/fastcouch-go/common/memdconn"
	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// trySendToAny offers cmd to the connections of serverIdxs in order and
// reports whether one of them accepted it.
func (c *Client) trySendToAny(table *routingTable, serverIdxs []int, cmd *memdconn.Command) bool {
	for _, serverIdx := range serverIdxs {
		conn := table.connAt(serverIdx)
		if conn != nil && conn.TrySend(cmd) {
			return true
		}
	}
	return false
}

// send routes cmd to its vbucket's primary, falling back to the replicas in
// map order.  The vbucket is assigned on the first send and kept across
// retries.
func (c *Client) send(cmd *memdconn.Command) bool {
	table := c.routing.Load()
	if table == nil {
		cmd.NotifyCompleteWithStatus(memdproto.StatusNoReachableOwner)
		return false
	}

	vbID, ok := cmd.VbucketID()
	if !ok {
		vbID = cbtopology.VbucketForKey(c.hasher, []byte(cmd.Key()), table.Topology.NumVbuckets())
		cmd.SetVbucketID(vbID)
	}

	if !c.trySendToAny(table, table.Topology.ServersForVbucket(vbID), cmd) {
		cmd.NotifyCompleteWithStatus(memdproto.StatusNoReachableOwner)
		return false
	}
	return true
}

// wrongOwnerCandidates lists the servers to try after serverID answered
// not-my-vbucket for vbID.  A non-empty forward map entry wins outright;
// otherwise every other server is tried once, starting after serverID.
func wrongOwnerCandidates(topology *cbtopology.Topology, serverID string, vbID uint16) []int {
	if topology.HasForwardMap() {
		forward := topology.ForwardServersForVbucket(vbID)
		if len(forward) > 0 {
			return forward
		}
	}

	numServers := len(topology.Servers)
	failedIdx := topology.ServerIndex(serverID)

	candidates := make([]int, 0, numServers)
	for i := 1; i <= numServers; i++ {
		serverIdx := (failedIdx + i) % numServers
		if failedIdx < 0 {
			serverIdx = i - 1
		}
		if serverIdx == failedIdx {
			continue
		}
		candidates = append(candidates, serverIdx)
	}
	return candidates
}

func (c *Client) onWrongShardOwner(serverID string, cmd *memdconn.Command) {
	table := c.routing.Load()
	vbID, _ := cmd.VbucketID()

	candidates := wrongOwnerCandidates(table.Topology, serverID, vbID)
	if !c.trySendToAny(table, candidates, cmd) {
		c.logger.Debug("no server accepted a rerouted command",
			zap.String("server", serverID),
			zap.Uint16("vbucket", vbID))
		cmd.NotifyCompleteWithStatus(memdproto.StatusNoReachableOwner)
	}
}

// onRecoverableError is invoked by a connection for responses that ask for
// a retry.  The command keeps its vbucket.
func (c *Client) onRecoverableError(serverID string, cmd *memdconn.Command) {
	status := cmd.Status()

	if c.quitting.Load() {
		cmd.NotifyComplete()
		return
	}

	if cmd.IncrementRetries() > c.maxRetries {
		c.logger.Debug("command exhausted its retries",
			zap.Stringer("command", cmd),
			zap.Stringer("status", status))
		cmd.NotifyComplete()
		return
	}

	if deadline := cmd.Deadline(); !deadline.IsZero() && time.Now().After(deadline) {
		cmd.NotifyCompleteWithStatus(memdproto.StatusTimedOut)
		return
	}

	c.metrics.CommandsRetried.Add(context.Background(), 1)

	if status == memdproto.StatusNotMyVbucket {
		c.onWrongShardOwner(serverID, cmd)
		return
	}

	c.send(cmd)
}

// onDisconnected resolves the commands a dead connection still held and
// starts reconnecting to its server.
func (c *Client) onDisconnected(serverID string, pendingSends, pendingReceives []*memdconn.Command) {
	c.logger.Debug("server connection lost",
		zap.String("server", serverID),
		zap.Int("pendingSends", len(pendingSends)),
		zap.Int("pendingReceives", len(pendingReceives)))

	// the server may or may not have executed these
	for _, cmd := range pendingReceives {
		cmd.NotifyCompleteWithStatus(memdproto.StatusDisconnectedWhilePending)
	}

	quitting := c.quitting.Load()
	for _, cmd := range pendingSends {
		// keyless commands (Noop) were addressed to this server only
		if _, hasVbucket := cmd.VbucketID(); quitting || !hasVbucket {
			cmd.NotifyCompleteWithStatus(memdproto.StatusDisconnectedBeforeSend)
			continue
		}

		c.resend(cmd)
	}

	if !c.needsReconnect(serverID) {
		return
	}

	c.reconnector.Start(serverID)
}

// resend offers a never-written command to the current topology, failing it
// with disconnected-before-send if nothing accepts it.
func (c *Client) resend(cmd *memdconn.Command) {
	table := c.routing.Load()
	vbID, _ := cmd.VbucketID()

	if table == nil || !c.trySendToAny(table, table.Topology.ServersForVbucket(vbID), cmd) {
		cmd.NotifyCompleteWithStatus(memdproto.StatusDisconnectedBeforeSend)
	}
}

// publishLocked stores table and wakes topology waiters.  publishLock must
// be held.
func (c *Client) publishLocked(table *routingTable) {
	c.routing.Store(table)
	close(c.publishedCh)
	c.publishedCh = make(chan struct{})
	c.metrics.TopologyUpdates.Add(context.Background(), 1)
}

// MergeTopology publishes topology, reusing the connections of servers that
// survive and dialling the new ones.  Topologies older than the newest one
// merged so far, and topologies equivalent to the current one, are ignored.
func (c *Client) MergeTopology(topology *cbtopology.Topology) error {
	err := topology.Validate()
	if err != nil {
		return err
	}

	c.mergeLock.Lock()
	defer c.mergeLock.Unlock()

	if c.quitting.Load() {
		return ErrClientClosed
	}

	old := c.routing.Load()
	if old != nil {
		if old.Topology.NumVbuckets() != topology.NumVbuckets() {
			return errors.Wrapf(ErrVbucketCountChanged, "have %d, received %d",
				old.Topology.NumVbuckets(), topology.NumVbuckets())
		}
	}

	if c.newestSeen != nil && topology.CompareRevision(c.newestSeen) < 0 {
		c.logger.Debug("ignoring topology with an older revision",
			zap.Uint64("revision", topology.Revision),
			zap.Uint64("newest", c.newestSeen.Revision))
		return nil
	}
	c.newestSeen = topology

	if old != nil && old.Topology.Equivalent(topology) {
		return nil
	}

	conns := make([]*memdconn.Conn, len(topology.Servers))
	var newIdxs []int
	for serverIdx, server := range topology.Servers {
		if old == nil || old.Topology.ServerIndex(server.ID()) < 0 {
			newIdxs = append(newIdxs, serverIdx)
		}
	}

	// dial outside the publish lock so routing and reconnect installs are not
	// held up by slow servers
	var failedIDs []string
	dialErrs := make([]error, len(topology.Servers))
	var group errgroup.Group
	for _, serverIdx := range newIdxs {
		serverIdx := serverIdx
		group.Go(func() error {
			conn, err := c.dialServer(c.ctx, topology.Servers[serverIdx])
			if err != nil {
				dialErrs[serverIdx] = err
				return nil
			}
			conns[serverIdx] = conn
			return nil
		})
	}
	_ = group.Wait()

	for _, serverIdx := range newIdxs {
		if dialErrs[serverIdx] != nil {
			serverID := topology.Servers[serverIdx].ID()
			c.logger.Warn("failed to connect to new server",
				zap.String("server", serverID),
				zap.Error(dialErrs[serverIdx]))
			failedIDs = append(failedIDs, serverID)
		}
	}

	var removedIDs []string
	var removedConns []*memdconn.Conn

	c.publishLock.Lock()

	// a merge that outlived Quit must not publish its new connections
	if c.quitting.Load() {
		c.publishLock.Unlock()

		for _, serverIdx := range newIdxs {
			if conns[serverIdx] != nil {
				_ = conns[serverIdx].Close()
			}
		}
		return ErrClientClosed
	}

	// reconnects may have installed fresher connections since old was loaded
	current := c.routing.Load()
	if current != nil {
		for serverIdx, server := range topology.Servers {
			if currentIdx := current.Topology.ServerIndex(server.ID()); currentIdx >= 0 {
				conns[serverIdx] = current.Conns[currentIdx]
			}
		}

		for currentIdx, server := range current.Topology.Servers {
			if topology.ServerIndex(server.ID()) < 0 {
				removedIDs = append(removedIDs, server.ID())
				removedConns = append(removedConns, current.Conns[currentIdx])
			}
		}
	}

	c.publishLocked(&routingTable{
		Topology: topology,
		Conns:    conns,
	})

	c.publishLock.Unlock()

	c.logger.Info("published topology",
		zap.Uint64("revEpoch", topology.RevEpoch),
		zap.Uint64("revision", topology.Revision),
		zap.Int("servers", len(topology.Servers)),
		zap.Strings("added", serverIDs(topology, newIdxs)),
		zap.Strings("removed", removedIDs))

	for i, serverID := range removedIDs {
		c.reconnector.Cancel(serverID)
		if removedConns[i] != nil {
			_ = removedConns[i].Close()
		}
	}

	for _, serverID := range failedIDs {
		c.reconnector.Start(serverID)
	}

	return nil
}

func serverIDs(topology *cbtopology.Topology, serverIdxs []int) []string {
	ids := make([]string, len(serverIdxs))
	for i, serverIdx := range serverIdxs {
		ids[i] = topology.Servers[serverIdx].ID()
	}
	return ids
}
