package client

import (
	"testing"
	"time"

	"github.com/couchbase/fastcouch-go/common/cbconfig"
	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/couchbase/fastcouch-go/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startConfigServer(t *testing.T) *testutils.ConfigServer {
	cfg := testutils.StartConfigServer(testutils.ConfigServerOptions{
		Bucket: "default",
	})
	t.Cleanup(cfg.Close)
	return cfg
}

// bucketConfig builds a config whose servers advertise mgmtPort as their
// management (and view) port.
func bucketConfig(rev int, mgmtPort int, srvs ...*testutils.MemdServer) *cbconfig.TerseConfigJson {
	vbConfig := &cbconfig.VBucketServerMapJson{
		HashAlgorithm: "CRC",
	}
	var nodesExt []cbconfig.TerseExtNodeJson
	for _, srv := range srvs {
		vbConfig.ServerList = append(vbConfig.ServerList, testutils.HostPort(srv.Host(), srv.Port()))
		nodesExt = append(nodesExt, cbconfig.TerseExtNodeJson{
			Hostname: srv.Host(),
			Services: map[string]int{
				"kv":   srv.Port(),
				"mgmt": mgmtPort,
				"capi": mgmtPort,
			},
		})
	}
	vbConfig.VBucketMap = uniformMap(16, 0)

	return &cbconfig.TerseConfigJson{
		Rev:              rev,
		Name:             "default",
		NodeLocator:      "vbucket",
		VBucketServerMap: vbConfig,
		NodesExt:         nodesExt,
	}
}

func newStreamingClient(t *testing.T, seeds ...string) *Client {
	return newTestClient(t, &Options{
		BucketName:           "default",
		Seeds:                seeds,
		ReconnectMaxInterval: 200 * time.Millisecond,
	})
}

func TestClientStreamsTopology(t *testing.T) {
	srvA := startMemd(t, testutils.MemdServerOptions{})
	srvB := startMemd(t, testutils.MemdServerOptions{})
	cfg := startConfigServer(t)
	cfgAddr := testutils.HostPort(cfg.Host(), cfg.Port())

	cfg.Push(bucketConfig(1, cfg.Port(), srvA))

	cli := newStreamingClient(t, cfgAddr)
	require.True(t, cli.WaitForInitialTopology(5*time.Second))

	topology := cli.Topology()
	assert.Equal(t, uint64(1), topology.Revision)
	require.Len(t, topology.Servers, 1)
	assert.Equal(t, cfgAddr, topology.Servers[0].MgmtAddress())

	results := make(chan opResult, 1)
	cli.Set("Hello", []byte("x"), resultCallback(results), nil)
	require.Equal(t, memdproto.StatusSuccess, waitResult(t, results).status)

	cfg.Push(bucketConfig(2, cfg.Port(), srvA, srvB))

	require.Eventually(t, func() bool {
		topology := cli.Topology()
		return topology.Revision == 2 && len(topology.Servers) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, cfgAddr, cli.watcher.StreamHost())
	assert.Equal(t, 1, cfg.StreamRequests())
}

func TestClientResumesDroppedStream(t *testing.T) {
	srv := startMemd(t, testutils.MemdServerOptions{})
	added := startMemd(t, testutils.MemdServerOptions{})
	cfg := startConfigServer(t)

	cfg.Push(bucketConfig(1, cfg.Port(), srv))

	cli := newStreamingClient(t, testutils.HostPort(cfg.Host(), cfg.Port()))
	require.True(t, cli.WaitForInitialTopology(5*time.Second))

	cfg.DropStreams()

	require.Eventually(t, func() bool {
		return cfg.StreamRequests() >= 2 && cfg.ActiveStreams() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cfg.Push(bucketConfig(3, cfg.Port(), srv, added))

	require.Eventually(t, func() bool {
		topology := cli.Topology()
		return topology.Revision == 3 && len(topology.Servers) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientRotatesAwayFromRemovedHost(t *testing.T) {
	srv := startMemd(t, testutils.MemdServerOptions{})
	seedCfg := startConfigServer(t)
	nodeCfg := startConfigServer(t)

	// the seed is not part of the bucket, so the watcher should move to the
	// node that is
	doc := bucketConfig(1, nodeCfg.Port(), srv)
	seedCfg.Push(doc)
	nodeCfg.Push(doc)

	cli := newStreamingClient(t, testutils.HostPort(seedCfg.Host(), seedCfg.Port()))
	require.True(t, cli.WaitForInitialTopology(5*time.Second))

	nodeAddr := testutils.HostPort(nodeCfg.Host(), nodeCfg.Port())
	require.Eventually(t, func() bool {
		return cli.watcher.StreamHost() == nodeAddr && nodeCfg.ActiveStreams() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return seedCfg.ActiveStreams() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
