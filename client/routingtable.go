package client

import (
	"sync/atomic"

	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"github.com/couchbase/fastcouch-go/common/memdconn"
)

// routingTable pairs an immutable topology with the live data connection
// of each of its servers.  Conns is parallel to Topology.Servers; a nil
// slot is a server without a connection (never dialled, or reconnecting).
// A published table is never modified.
type routingTable struct {
	Topology *cbtopology.Topology
	Conns    []*memdconn.Conn
}

func (t *routingTable) connAt(serverIdx int) *memdconn.Conn {
	if serverIdx < 0 || serverIdx >= len(t.Conns) {
		return nil
	}
	return t.Conns[serverIdx]
}

// clone copies the connection slots so one of them can be replaced.  The
// connections themselves are moved, not copied.
func (t *routingTable) clone() *routingTable {
	return &routingTable{
		Topology: t.Topology,
		Conns:    append([]*memdconn.Conn(nil), t.Conns...),
	}
}

type atomicRoutingTable struct {
	Value atomic.Value
}

// Load returns the published table, or nil before the first publish.
func (t *atomicRoutingTable) Load() *routingTable {
	table, _ := t.Value.Load().(*routingTable)
	return table
}

func (t *atomicRoutingTable) Store(new *routingTable) {
	t.Value.Store(new)
}
