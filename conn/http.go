// Copyright 2025 Shoal Search, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conn

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// HTTPConfig configures an HTTP connection to one node.
type HTTPConfig struct {
	// Client is the underlying HTTP client. If nil, a client with a
	// dedicated transport for this node is created (so closing the
	// connection does not disturb other nodes sharing a default client).
	Client *http.Client
	// Header holds static headers sent with every request, such as
	// authorization and content negotiation headers.
	Header http.Header
	// Timeout bounds a single exchange. Zero means no per-exchange
	// timeout beyond the request context.
	Timeout time.Duration
}

// HTTPConn is the standard Conn implementation. It speaks HTTP/1.1 or
// HTTP/2 over TLS for "http"/"https" hosts and HTTP/2 cleartext for
// "h2c" hosts.
type HTTPConn struct {
	host   Host
	client *http.Client
	header http.Header
	close  func()
}

var _ Conn = (*HTTPConn)(nil)

// NewHTTP returns a connection to the given host.
func NewHTTP(host Host, cfg HTTPConfig) *HTTPConn {
	client := cfg.Client
	var closeIdle func()
	if client == nil {
		transport := newTransport(host)
		closeIdle = transport.CloseIdleConnections
		client = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	} else if cfg.Timeout > 0 && client.Timeout == 0 {
		clone := *client
		clone.Timeout = cfg.Timeout
		client = &clone
	}
	return &HTTPConn{
		host:   host,
		client: client,
		header: cfg.Header,
		close:  closeIdle,
	}
}

type idleCloser interface {
	http.RoundTripper
	CloseIdleConnections()
}

func newTransport(host Host) idleCloser {
	if host.Scheme == "h2c" {
		// HTTP/2 over cleartext needs the x/net client: the standard
		// transport only negotiates HTTP/2 via TLS ALPN.
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	}
	return &http.Transport{
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// Perform implements Conn.
func (c *HTTPConn) Perform(ctx context.Context, req *Request) (*Response, error) {
	u := *c.host.URL()
	u.Path = req.Path
	if len(req.Params) > 0 {
		u.RawQuery = req.Params.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		httpReq.Header[k] = vs
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpRes, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = httpRes.Body.Close()
	}()
	buf, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: httpRes.StatusCode,
		Header: httpRes.Header,
		Body:   buf,
	}, nil
}

// Host implements Conn.
func (c *HTTPConn) Host() Host {
	return c.host
}

// Close implements Conn. It releases idle sockets held by this
// connection's dedicated transport; a shared client passed in via
// HTTPConfig is left alone.
func (c *HTTPConn) Close() error {
	if c.close != nil {
		c.close()
	}
	return nil
}

// ParseURL converts a node URL like "https://es1.example.com:9200" into
// a Host. A bare "host:port" string is treated as http.
func ParseURL(raw string) (Host, error) {
	if raw != "" && !strings.Contains(raw, "/") {
		return Host{Scheme: "http", Addr: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Host{}, err
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Host, "9200")
	}
	return Host{Scheme: scheme, Addr: addr}, nil
}
