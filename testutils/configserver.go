package testutils

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"github.com/couchbase/fastcouch-go/utils/authhdr"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ConfigServerOptions struct {
	Logger *zap.Logger
	Bucket string

	// Username and Password, when set, are required on every request.
	Username string
	Password string
}

// ViewRequest records a view query received by the ConfigServer.
type ViewRequest struct {
	DesignDoc string
	View      string
	Query     url.Values
}

// ConfigServer serves the bucket config endpoints (one-shot and streaming)
// and the view endpoint of a single bucket over httptest.
type ConfigServer struct {
	logger   *zap.Logger
	bucket   string
	username string
	password string
	server   *httptest.Server

	lock           sync.Mutex
	latest         []byte
	version        int
	changed        chan struct{}
	drop           chan struct{}
	closed         chan struct{}
	activeStreams  int
	streamRequests int
	viewRows       json.RawMessage
	viewStatus     int
	viewRequests   []ViewRequest
}

func StartConfigServer(opts ConfigServerOptions) *ConfigServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &ConfigServer{
		logger:     logger,
		bucket:     opts.Bucket,
		username:   opts.Username,
		password:   opts.Password,
		changed:    make(chan struct{}),
		drop:       make(chan struct{}),
		closed:     make(chan struct{}),
		viewRows:   json.RawMessage("[]"),
		viewStatus: http.StatusOK,
	}

	r := mux.NewRouter()
	r.HandleFunc("/pools/default/b/{bucket}", s.handleConfig).Methods("GET")
	r.HandleFunc("/pools/default/bucketsStreaming/{bucket}", s.handleStream).Methods("GET")
	r.HandleFunc("/{bucket}/_design/{ddoc}/_view/{view}", s.handleView).Methods("GET")
	r.Use(s.checkAuth)

	s.server = httptest.NewServer(r)
	return s
}

func (s *ConfigServer) URL() string {
	return s.server.URL
}

func (s *ConfigServer) Host() string {
	u, _ := url.Parse(s.server.URL)
	return u.Hostname()
}

func (s *ConfigServer) Port() int {
	u, _ := url.Parse(s.server.URL)
	port, _ := strconv.Atoi(u.Port())
	return port
}

// Push publishes a new config document to every open stream.  doc is
// marshalled to JSON unless it is already a []byte.
func (s *ConfigServer) Push(doc interface{}) {
	var docBytes []byte
	switch doc := doc.(type) {
	case []byte:
		docBytes = doc
	default:
		var err error
		docBytes, err = json.Marshal(doc)
		if err != nil {
			panic(err)
		}
	}

	s.lock.Lock()
	s.latest = docBytes
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
	s.lock.Unlock()
}

// DropStreams ends every currently open stream.
func (s *ConfigServer) DropStreams() {
	s.lock.Lock()
	close(s.drop)
	s.drop = make(chan struct{})
	s.lock.Unlock()
}

func (s *ConfigServer) ActiveStreams() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.activeStreams
}

func (s *ConfigServer) StreamRequests() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.streamRequests
}

// SetViewResponse sets the rows returned by view queries and the HTTP
// status code used to answer them.
func (s *ConfigServer) SetViewResponse(status int, rows interface{}) {
	rowBytes, err := json.Marshal(rows)
	if err != nil {
		panic(err)
	}

	s.lock.Lock()
	s.viewStatus = status
	s.viewRows = rowBytes
	s.lock.Unlock()
}

func (s *ConfigServer) ViewRequests() []ViewRequest {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]ViewRequest(nil), s.viewRequests...)
}

func (s *ConfigServer) Close() {
	s.lock.Lock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.lock.Unlock()

	s.server.Close()
}

func (s *ConfigServer) checkAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username != "" || s.password != "" {
			username, password, ok := authhdr.DecodeBasicAuth(r.Header.Get("Authorization"))
			if !ok || username != s.username || password != s.password {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *ConfigServer) checkBucket(w http.ResponseWriter, r *http.Request) bool {
	if mux.Vars(r)["bucket"] != s.bucket {
		http.Error(w, "Requested resource not found.", http.StatusNotFound)
		return false
	}
	return true
}

func (s *ConfigServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.checkBucket(w, r) {
		return
	}

	s.lock.Lock()
	latest := s.latest
	s.lock.Unlock()

	if latest == nil {
		http.Error(w, "no config", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(latest)
}

func (s *ConfigServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.checkBucket(w, r) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.lock.Lock()
	s.activeStreams++
	s.streamRequests++
	drop := s.drop
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		s.activeStreams--
		s.lock.Unlock()
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sentVersion := 0
	for {
		s.lock.Lock()
		latest, version, changed := s.latest, s.version, s.changed
		s.lock.Unlock()

		if version != sentVersion && latest != nil {
			_, err := w.Write(append(append([]byte(nil), latest...), "\n\n\n\n"...))
			if err != nil {
				s.logger.Debug("stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
			sentVersion = version
		}

		select {
		case <-changed:
		case <-drop:
			return
		case <-s.closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *ConfigServer) handleView(w http.ResponseWriter, r *http.Request) {
	if !s.checkBucket(w, r) {
		return
	}

	vars := mux.Vars(r)

	s.lock.Lock()
	s.viewRequests = append(s.viewRequests, ViewRequest{
		DesignDoc: vars["ddoc"],
		View:      vars["view"],
		Query:     r.URL.Query(),
	})
	status, rows := s.viewStatus, s.viewRows
	s.lock.Unlock()

	if status != http.StatusOK {
		http.Error(w, `{"error":"failed"}`, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"total_rows":` + strconv.Itoa(countRows(rows)) + `,"rows":`))
	_, _ = w.Write(rows)
	_, _ = w.Write([]byte("}"))
}

func countRows(rows json.RawMessage) int {
	var items []json.RawMessage
	if err := json.Unmarshal(rows, &items); err != nil {
		return 0
	}
	return len(items)
}

// HostPort joins a host and port the way the server list in a bucket
// config does.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
