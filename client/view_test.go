package client

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/couchbase/fastcouch-go/testutils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedPort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestViewQueryOptionsEncode(t *testing.T) {
	values, err := (*ViewQueryOptions)(nil).encode()
	require.NoError(t, err)
	assert.Empty(t, values)

	opts := &ViewQueryOptions{
		StartKey:          []interface{}{"a", 1},
		EndKey:            "z",
		Skip:              5,
		Stale:             ViewStaleUpdateAfter,
		ConnectionTimeout: 2 * time.Second,
	}
	values, err = opts.encode()
	require.NoError(t, err)

	assert.Equal(t, `["a",1]`, values.Get("startkey"))
	assert.Equal(t, `"z"`, values.Get("endkey"))
	assert.Equal(t, "5", values.Get("skip"))
	assert.Equal(t, "update_after", values.Get("stale"))
	assert.Equal(t, "2000", values.Get("connection_timeout"))
	assert.False(t, values.Has("key"))
	assert.False(t, values.Has("limit"))
	assert.False(t, values.Has("descending"))

	_, err = (&ViewQueryOptions{Key: func() {}}).encode()
	assert.Error(t, err)
}

func TestClientViewQuery(t *testing.T) {
	srv := startMemd(t, testutils.MemdServerOptions{})
	cfg := testutils.StartConfigServer(testutils.ConfigServerOptions{
		Bucket:   "default",
		Username: "Administrator",
		Password: "password",
	})
	t.Cleanup(cfg.Close)
	cfg.SetViewResponse(http.StatusOK, []map[string]interface{}{
		{"id": "beer-1", "key": "abc", "value": 1},
	})

	topology := topologyFor(1, 16, srv)
	topology.Servers[0].ViewPort = cfg.Port()

	cli := newTestClient(t, &Options{
		Username: "Administrator",
		Password: "password",
	})
	require.NoError(t, cli.MergeTopology(topology))

	result, err := cli.ViewQuery(context.Background(), "beers", "by_name", &ViewQueryOptions{
		Key:        "abc",
		Limit:      10,
		Descending: true,
		Stale:      ViewStaleFalse,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalRows)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "beer-1", result.Rows[0].ID)
	assert.JSONEq(t, `"abc"`, string(result.Rows[0].Key))
	assert.JSONEq(t, `1`, string(result.Rows[0].Value))

	requests := cfg.ViewRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "beers", requests[0].DesignDoc)
	assert.Equal(t, "by_name", requests[0].View)
	assert.Equal(t, `"abc"`, requests[0].Query.Get("key"))
	assert.Equal(t, "10", requests[0].Query.Get("limit"))
	assert.Equal(t, "true", requests[0].Query.Get("descending"))
	assert.Equal(t, "false", requests[0].Query.Get("stale"))
}

func TestClientViewQueryFailsOver(t *testing.T) {
	srvA := startMemd(t, testutils.MemdServerOptions{})
	srvB := startMemd(t, testutils.MemdServerOptions{})
	cfg := startConfigServer(t)
	cfg.SetViewResponse(http.StatusOK, []interface{}{})

	topology := topologyFor(1, 16, srvA, srvB)
	topology.Servers[0].ViewPort = closedPort(t)
	topology.Servers[1].ViewPort = cfg.Port()

	cli := newTestClient(t, nil)
	require.NoError(t, cli.MergeTopology(topology))

	// whichever server the rotation starts at, both queries land on B
	for i := 0; i < 2; i++ {
		result, err := cli.ViewQuery(context.Background(), "ddoc", "view", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, result.TotalRows)
	}
	assert.Len(t, cfg.ViewRequests(), 2)
}

func TestClientViewQueryErrors(t *testing.T) {
	srv := startMemd(t, testutils.MemdServerOptions{})
	cfg := startConfigServer(t)

	topology := topologyFor(1, 16, srv)
	topology.Servers[0].ViewPort = cfg.Port()

	cli := newTestClient(t, nil)

	_, err := cli.ViewQuery(context.Background(), "ddoc", "view", nil)
	require.ErrorIs(t, err, ErrNoTopology)

	require.NoError(t, cli.MergeTopology(topology))

	cfg.SetViewResponse(http.StatusNotFound, nil)
	_, err = cli.ViewQuery(context.Background(), "ddoc", "missing", nil)
	var viewErr *ViewError
	require.True(t, errors.As(err, &viewErr))
	assert.Equal(t, http.StatusNotFound, viewErr.StatusCode)

	cfg.SetViewResponse(http.StatusInternalServerError, nil)
	_, err = cli.ViewQuery(context.Background(), "ddoc", "view", nil)
	require.Error(t, err)
	assert.False(t, errors.As(err, &viewErr))
}
