package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"time"

	"github.com/couchbase/fastcouch-go/utils/authhdr"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type ViewStale string

const (
	ViewStaleOk          = ViewStale("ok")
	ViewStaleFalse       = ViewStale("false")
	ViewStaleUpdateAfter = ViewStale("update_after")
)

// ViewQueryOptions holds the query parameters of a view request.  Keys are
// JSON encoded.
type ViewQueryOptions struct {
	Key               interface{}
	StartKey          interface{}
	EndKey            interface{}
	Limit             int
	Skip              int
	Descending        bool
	Stale             ViewStale
	ConnectionTimeout time.Duration
}

type ViewRow struct {
	ID    string          `json:"id,omitempty"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

type ViewResult struct {
	TotalRows int       `json:"total_rows"`
	Rows      []ViewRow `json:"rows"`
}

// ViewError is returned when a server answered a view query with an error
// status that retrying elsewhere would not fix.
type ViewError struct {
	StatusCode int
	Body       string
}

func (e *ViewError) Error() string {
	return fmt.Sprintf("view query failed with status %d: %s", e.StatusCode, e.Body)
}

func (opts *ViewQueryOptions) encode() (url.Values, error) {
	values := url.Values{}
	if opts == nil {
		return values, nil
	}

	jsonParams := []struct {
		name  string
		value interface{}
	}{
		{"key", opts.Key},
		{"startkey", opts.StartKey},
		{"endkey", opts.EndKey},
	}
	for _, param := range jsonParams {
		if param.value == nil {
			continue
		}

		encoded, err := json.Marshal(param.value)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s", param.name)
		}
		values.Set(param.name, string(encoded))
	}

	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Skip > 0 {
		values.Set("skip", strconv.Itoa(opts.Skip))
	}
	if opts.Descending {
		values.Set("descending", "true")
	}
	if opts.Stale != "" {
		values.Set("stale", string(opts.Stale))
	}
	if opts.ConnectionTimeout > 0 {
		values.Set("connection_timeout", strconv.FormatInt(opts.ConnectionTimeout.Milliseconds(), 10))
	}

	return values, nil
}

// ViewQuery runs a view query against the servers of the current topology,
// starting from a rotating position and moving to the next server when one
// cannot be reached or answers with a server error.
func (c *Client) ViewQuery(ctx context.Context, designDoc, view string, opts *ViewQueryOptions) (*ViewResult, error) {
	table := c.routing.Load()
	if table == nil {
		return nil, ErrNoTopology
	}

	servers := table.Topology.Servers
	if len(servers) == 0 {
		return nil, ErrNoViewServers
	}

	query, err := opts.encode()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/%s/_design/%s/_view/%s",
		url.PathEscape(table.Topology.Bucket),
		url.PathEscape(designDoc),
		url.PathEscape(view))

	start := int(c.viewCounter.Inc())
	var errs error
	for i := 0; i < len(servers); i++ {
		server := servers[(start+i)%len(servers)]
		reqURL := "http://" + server.ViewAddress() + path
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}

		result, err := c.doViewRequest(ctx, reqURL)
		if err == nil {
			return result, nil
		}

		var viewErr *ViewError
		if errors.As(err, &viewErr) || ctx.Err() != nil {
			return nil, err
		}

		c.logger.Debug("view query failed, trying next server",
			zap.String("server", server.ViewAddress()),
			zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	return nil, errors.Wrap(errs, "view query failed on every server")
}

func (c *Client) doViewRequest(ctx context.Context, reqURL string) (*ViewResult, error) {
	ctx = httptrace.WithClientTrace(ctx, otelhttptrace.NewClientTrace(ctx))

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}

	if c.username != "" || c.password != "" {
		req.Header.Set("Authorization", authhdr.EncodeBasicAuth(c.username, c.password))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		return nil, errors.Errorf("server error %d: %s", resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ViewError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result ViewResult
	err = json.Unmarshal(body, &result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode view response")
	}

	return &result, nil
}
