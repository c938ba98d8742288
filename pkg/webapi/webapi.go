// This file is to handle things such as metrics/health/topology, etc

package webapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/fastcouch-go/client"
	"github.com/couchbase/fastcouch-go/common/cbtopology"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ClientStatus is the part of a client the web api reports on.
type ClientStatus interface {
	Topology() *cbtopology.Topology
	ServerStates() []client.ServerState
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Client        ClientStatus
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	client        ClientStatus
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		client:        opts.Client,
	}
}

type healthJson struct {
	Healthy  bool                 `json:"healthy"`
	Revision uint64               `json:"revision,omitempty"`
	Servers  []client.ServerState `json:"servers"`
}

func (w *WebServer) writeJson(rw http.ResponseWriter, status int, value interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	err := json.NewEncoder(rw).Encode(value)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the fastcouch client webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	topology := w.client.Topology()
	if topology == nil {
		w.writeJson(rw, http.StatusServiceUnavailable, map[string]string{
			"error": "no topology has been received yet",
		})
		return
	}

	w.writeJson(rw, http.StatusOK, topology)
}

// handleHealth reports healthy once a topology is published and every one
// of its servers has a live connection.
func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	health := healthJson{
		Servers: w.client.ServerStates(),
	}

	topology := w.client.Topology()
	if topology != nil {
		health.Revision = topology.Revision
		health.Healthy = true
		for _, server := range health.Servers {
			if !server.Connected {
				health.Healthy = false
			}
		}
	}

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.writeJson(rw, status, health)
}

func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	if w.logLevel != nil {
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	if w.client != nil {
		r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
		r.HandleFunc("/healthz", w.handleHealth).Methods(http.MethodGet)
	}
	r.HandleFunc("/", w.handleRoot)

	return r
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = NewWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
