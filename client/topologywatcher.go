package client

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbase/fastcouch-go/common/cbconfig"
	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"github.com/couchbase/fastcouch-go/utils/latestonlychannel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type topologyWatcherOptions struct {
	Logger      *zap.Logger
	BucketName  string
	Seeds       []string
	Username    string
	Password    string
	HttpClient  *http.Client
	MaxInterval time.Duration
	Routing     *atomicRoutingTable
	Merge       func(topology *cbtopology.Topology) error
}

// topologyWatcher keeps a streaming config connection open to one server of
// the bucket and merges every topology it receives.  It moves to another
// server when the stream fails or its server leaves the topology.
type topologyWatcher struct {
	logger      *zap.Logger
	bucketName  string
	seeds       []string
	username    string
	password    string
	httpClient  *http.Client
	maxInterval time.Duration
	routing     *atomicRoutingTable
	merge       func(topology *cbtopology.Topology) error

	ctx       context.Context
	ctxCancel func()
	closeCh   chan struct{}

	lock         sync.Mutex
	streamHost   string
	streamCancel context.CancelFunc
}

func newTopologyWatcher(opts *topologyWatcherOptions) *topologyWatcher {
	ctx, ctxCancel := context.WithCancel(context.Background())

	w := &topologyWatcher{
		logger:      opts.Logger,
		bucketName:  opts.BucketName,
		seeds:       opts.Seeds,
		username:    opts.Username,
		password:    opts.Password,
		httpClient:  opts.HttpClient,
		maxInterval: opts.MaxInterval,
		routing:     opts.Routing,
		merge:       opts.Merge,
		ctx:         ctx,
		ctxCancel:   ctxCancel,
		closeCh:     make(chan struct{}),
	}
	w.init()
	return w
}

func (w *topologyWatcher) init() {
	go w.procThread()
}

// StreamHost returns the management address currently streamed from.
func (w *topologyWatcher) StreamHost() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.streamHost
}

// pickHost chooses a random management address from the current topology,
// or from the seeds before the first topology arrives.
func (w *topologyWatcher) pickHost() string {
	var hosts []string
	if table := w.routing.Load(); table != nil {
		for _, server := range table.Topology.Servers {
			hosts = append(hosts, server.MgmtAddress())
		}
	}
	if len(hosts) == 0 {
		hosts = w.seeds
	}

	return hosts[rand.Intn(len(hosts))]
}

func (w *topologyWatcher) procThread() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialInterval
	b.MaxInterval = w.maxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	topologyCh := make(chan *cbtopology.Topology)
	mergeDoneCh := make(chan struct{})
	go w.mergeThread(latestonlychannel.Wrap(topologyCh), mergeDoneCh)

MainLoop:
	for {
		host := w.pickHost()

		streamCtx, streamCancel := context.WithCancel(w.ctx)
		w.lock.Lock()
		w.streamHost = host
		w.streamCancel = streamCancel
		w.lock.Unlock()

		err := w.streamFrom(streamCtx, host, func(topology *cbtopology.Topology) {
			// a healthy stream resets our backoff strategy
			b.Reset()

			select {
			case topologyCh <- topology:
			case <-streamCtx.Done():
			}
		})
		streamCancel()

		if w.ctx.Err() != nil {
			break MainLoop
		}

		w.logger.Warn("topology stream ended",
			zap.String("host", host),
			zap.Error(err))

		select {
		case <-time.After(b.NextBackOff()):
		case <-w.ctx.Done():
			break MainLoop
		}
	}

	close(topologyCh)
	<-mergeDoneCh
	close(w.closeCh)
}

func (w *topologyWatcher) streamFrom(ctx context.Context, host string, handler func(*cbtopology.Topology)) error {
	sourceHost, _, err := net.SplitHostPort(host)
	if err != nil {
		sourceHost = host
	}

	fetcher := cbconfig.NewFetcher(cbconfig.FetcherOptions{
		HttpClient: w.httpClient,
		Host:       "http://" + host,
		Username:   w.username,
		Password:   w.password,
		Logger:     w.logger,
	})

	return fetcher.StreamTerseBucket(ctx, w.bucketName, func(config *cbconfig.TerseConfigJson) error {
		topology, err := cbtopology.ParseTerseConfig(config, sourceHost)
		if err != nil {
			w.logger.Warn("skipping unusable topology",
				zap.String("host", host),
				zap.Int("rev", config.Rev),
				zap.Error(err))
			return nil
		}

		handler(topology)
		return ctx.Err()
	})
}

func (w *topologyWatcher) mergeThread(topologyCh <-chan *cbtopology.Topology, doneCh chan struct{}) {
	defer close(doneCh)

	for topology := range topologyCh {
		err := w.merge(topology)
		if err != nil {
			if errors.Is(err, ErrClientClosed) {
				continue
			}
			w.logger.Warn("failed to merge topology",
				zap.Uint64("revision", topology.Revision),
				zap.Error(err))
		}

		w.rotateIfRemoved()
	}
}

// rotateIfRemoved drops the stream when its server is no longer part of the
// published topology.
func (w *topologyWatcher) rotateIfRemoved() {
	table := w.routing.Load()
	if table == nil {
		return
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	for _, server := range table.Topology.Servers {
		if server.MgmtAddress() == w.streamHost {
			return
		}
	}

	w.logger.Debug("stream host left the topology, rotating",
		zap.String("host", w.streamHost))
	if w.streamCancel != nil {
		w.streamCancel()
	}
}

// Stop cancels streaming without waiting.
func (w *topologyWatcher) Stop() {
	w.ctxCancel()
}

func (w *topologyWatcher) Close() {
	// shut down our context
	w.ctxCancel()

	// wait for the shutdown to complete
	<-w.closeCh
}
