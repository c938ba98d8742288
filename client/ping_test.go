package client

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"github.com/couchbase/fastcouch-go/common/memdconn"
	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/couchbase/fastcouch-go/testutils"
	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPing(t *testing.T) {
	live := startMemd(t, testutils.MemdServerOptions{})
	dead := startMemd(t, testutils.MemdServerOptions{})
	deadServer := serverFor(dead)
	dead.Close()

	cli := newTestClient(t, nil)

	_, err := cli.Ping(context.Background())
	require.ErrorIs(t, err, ErrNoTopology)

	require.NoError(t, cli.MergeTopology(&cbtopology.Topology{
		Revision:   1,
		Bucket:     "default",
		Servers:    []*cbtopology.Server{serverFor(live), deadServer},
		VbucketMap: uniformMap(16, 0, 1),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := cli.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]memdproto.Status{
		serverFor(live).ID(): memdproto.StatusSuccess,
		deadServer.ID():      memdproto.StatusDisconnectedBeforeSend,
	}, results)
	assert.Equal(t, 1, live.RequestCount(memd.CmdNoop))
}

func TestClientPingAfterQuit(t *testing.T) {
	srv := startMemd(t, testutils.MemdServerOptions{})
	cli := newTestClientWithServers(t, 16, srv)

	cli.Quit()

	_, err := cli.Ping(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientPingNotReroutedOnDisconnect(t *testing.T) {
	srvA := startMemd(t, testutils.MemdServerOptions{})
	srvB := startMemd(t, testutils.MemdServerOptions{})

	topology := topologyFor(1, 16, srvA, srvB)
	topology.VbucketMap = uniformMap(16, 1)

	cli := newTestClient(t, nil)
	require.NoError(t, cli.MergeTopology(topology))

	results := make(chan opResult, 1)
	noop := memdconn.NewNoop(cli.opaques.Acquire(), resultCallback(results), nil)
	cli.onDisconnected(serverFor(srvA).ID(), []*memdconn.Command{noop}, nil)

	assert.Equal(t, memdproto.StatusDisconnectedBeforeSend, waitResult(t, results).status)
	assert.Equal(t, 0, srvB.RequestCount(memd.CmdNoop))
}
