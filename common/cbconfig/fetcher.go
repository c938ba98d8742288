/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cbconfig

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/couchbase/fastcouch-go/utils/authhdr"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var (
	ErrBucketNotFound        = errors.New("bucket not found")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrStreamClosed          = errors.New("config stream closed by server")
)

// maxStreamLineLen bounds a single streamed config document.
const maxStreamLineLen = 16 * 1024 * 1024

type FetcherOptions struct {
	HttpClient *http.Client
	Host       string
	Username   string
	Password   string
	Logger     *zap.Logger
}

type Fetcher struct {
	httpClient *http.Client
	host       string
	username   string
	password   string
	logger     *zap.Logger
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	httpClient := opts.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		httpClient: httpClient,
		host:       opts.Host,
		username:   opts.Username,
		password:   opts.Password,
		logger:     logger,
	}
}

func (f *Fetcher) Host() string {
	return f.host
}

// used to derive the hostname to use for $HOST replacement
func (f *Fetcher) deriveHostname() string {
	u, err := url.Parse(f.host)
	if err != nil {
		return f.host
	}

	return u.Hostname()
}

func (f *Fetcher) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	url := f.host + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}

	if f.username != "" || f.password != "" {
		req.Header.Set("Authorization", authhdr.EncodeBasicAuth(f.username, f.password))
	}

	return req, nil
}

func (f *Fetcher) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := f.newRequest(ctx, "GET", path)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		f.closeBody(resp)
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrBucketNotFound
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthenticationFailure
		}
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, path)
	}

	return resp, nil
}

func (f *Fetcher) closeBody(resp *http.Response) {
	err := resp.Body.Close()
	if err != nil {
		f.logger.Error("unexpected close error", zap.Error(err))
	}
}

func (f *Fetcher) parseConfig(configBytes []byte) (*TerseConfigJson, error) {
	hostname := f.deriveHostname()
	configBytes = bytes.ReplaceAll(configBytes, []byte("$HOST"), []byte(hostname))

	var config TerseConfigJson
	err := json.Unmarshal(configBytes, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}

func (f *Fetcher) FetchTerseBucket(ctx context.Context, bucketName string) (*TerseConfigJson, error) {
	resp, err := f.doGet(ctx, "/pools/default/b/"+url.PathEscape(bucketName))
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch bucket config")
	}
	defer f.closeBody(resp)

	configBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read bucket config")
	}

	config, err := f.parseConfig(configBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse bucket config")
	}

	return config, nil
}

// StreamTerseBucket opens the streaming bucket endpoint and invokes handler
// once per config document.  The server writes one document per line and
// pads with blank lines, which are skipped.  It returns when the context is
// cancelled, the handler returns an error, or the stream fails; a stream the
// server ends cleanly yields ErrStreamClosed.
func (f *Fetcher) StreamTerseBucket(
	ctx context.Context,
	bucketName string,
	handler func(*TerseConfigJson) error,
) error {
	resp, err := f.doGet(ctx, "/pools/default/bucketsStreaming/"+url.PathEscape(bucketName))
	if err != nil {
		return errors.Wrap(err, "failed to open config stream")
	}
	defer f.closeBody(resp)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineLen)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		config, err := f.parseConfig(line)
		if err != nil {
			return errors.Wrap(err, "failed to parse streamed config")
		}

		err = handler(config)
		if err != nil {
			return err
		}
	}

	err = scanner.Err()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "config stream failed")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return ErrStreamClosed
}
