package client

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries           = 32
	DefaultReconnectMaxInterval = 10 * time.Second
	DefaultDialTimeout          = 5 * time.Second
	DefaultCloseTimeout         = 5 * time.Second
	DefaultSendBufferCount      = 1000

	reconnectInitialInterval = 100 * time.Millisecond
)

type Options struct {
	Logger *zap.Logger

	// BucketName is required when Seeds is set.
	BucketName string

	// Seeds are host:port management endpoints used to open the topology
	// stream until the first topology names the bucket's own servers.
	// Without seeds, topology is supplied through MergeTopology.
	Seeds []string

	Username string
	Password string

	// HttpClient is used for the topology stream and view queries.
	HttpClient *http.Client

	Hasher               cbtopology.KeyHasher
	CommandTimeout       time.Duration
	EnableCompression    bool
	MaxRetries           int
	ReconnectMaxInterval time.Duration
	DialTimeout          time.Duration
	CloseTimeout         time.Duration
	SendBufferCount      int
	ClientName           string

	Dialer func(ctx context.Context, network, address string) (net.Conn, error)
}
