package main

import (
	"testing"

	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"github.com/couchbase/fastcouch-go/common/memdconn"
	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/stretchr/testify/assert"
)

func TestStatusError(t *testing.T) {
	assert.EqualError(t, statusError("get", "Hello", memdproto.StatusKeyNotFound),
		`get "Hello": document not found`)
	assert.Contains(t, statusError("set", "Hello", memdproto.StatusNoReachableOwner).Error(),
		`set "Hello" failed`)
}

func TestRunOpWaitsForCallback(t *testing.T) {
	res := runOp(func(cb memdconn.Callback) {
		go cb(memdproto.StatusSuccess, "World", 42, nil)
	})
	assert.Equal(t, memdproto.StatusSuccess, res.status)
	assert.Equal(t, "World", res.value)
	assert.Equal(t, uint64(42), res.cas)
}

func TestDescribeTopology(t *testing.T) {
	topology := &cbtopology.Topology{
		Servers: []*cbtopology.Server{
			{Hostname: "10.0.0.1", DataPort: 11210},
			{Hostname: "10.0.0.2", DataPort: 11211},
		},
	}
	assert.Equal(t, []string{"10.0.0.1:11210", "10.0.0.2:11211"}, describeTopology(topology))
}
