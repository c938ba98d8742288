package client

import (
	"context"

	"github.com/couchbase/fastcouch-go/common/memdconn"
	"github.com/couchbase/fastcouch-go/common/memdproto"
)

type pingResult struct {
	serverID string
	status   memdproto.Status
}

// Ping sends a Noop to every server of the current topology and returns
// each server's status by id.  A server without a live connection reports
// StatusDisconnectedBeforeSend.  On ctx expiry the statuses gathered so
// far are returned along with the context error.
func (c *Client) Ping(ctx context.Context) (map[string]memdproto.Status, error) {
	if c.quitting.Load() {
		return nil, ErrClientClosed
	}

	table := c.routing.Load()
	if table == nil {
		return nil, ErrNoTopology
	}

	servers := table.Topology.Servers
	resultCh := make(chan pingResult, len(servers))

	for serverIdx, server := range servers {
		serverID := server.ID()
		cmd := memdconn.NewNoop(c.opaques.Acquire(), func(status memdproto.Status, _ string, _ uint64, _ interface{}) {
			resultCh <- pingResult{serverID: serverID, status: status}
		}, nil)
		cmd.AddCompletionHook(func(cmd *memdconn.Command) {
			c.opaques.Release(cmd.Opaque())
		})

		conn := table.connAt(serverIdx)
		if conn == nil || !conn.TrySend(cmd) {
			cmd.NotifyCompleteWithStatus(memdproto.StatusDisconnectedBeforeSend)
		}
	}

	results := make(map[string]memdproto.Status, len(servers))
	for len(results) < len(servers) {
		select {
		case res := <-resultCh:
			results[res.serverID] = res.status
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}

	return results, nil
}
