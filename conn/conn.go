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

// Package conn provides the representation of a connection to a single
// cluster node. A connection is the primitive that the pool and transport
// in the root package select between, mark dead, and resurrect. Identity
// is the Conn value itself, not the host it points at: two Conns for the
// same host are distinct entities, and a rebuilt pool reuses the same
// Conn value for an unchanged host so warm sockets survive topology
// changes.
package conn

import (
	"context"
	"net/http"
	"net/url"
)

// Host identifies one node's HTTP endpoint.
type Host struct {
	// Scheme is "http", "https" or "h2c".
	Scheme string
	// Addr is the node's host:port pair.
	Addr string
}

// URL returns the base URL for requests to this host. The "h2c" scheme
// is transport-level only and is presented to HTTP machinery as "http".
func (h Host) URL() *url.URL {
	scheme := h.Scheme
	if scheme == "" || scheme == "h2c" {
		scheme = "http"
	}
	return &url.URL{Scheme: scheme, Host: h.Addr}
}

func (h Host) String() string {
	return h.URL().String()
}

// Request describes a single API call, already shaped by the caller: the
// per-endpoint layer builds method, path, params, and a serialized body;
// the transport only decides which node receives it and how failures are
// handled.
type Request struct {
	Method string
	Path   string
	Params url.Values
	Header http.Header
	Body   []byte

	// IgnoreStatus lists response status codes the caller does not
	// consider errors (for example 404 on a delete). The transport
	// returns the response without a status error for these.
	IgnoreStatus []int
}

// Response is a fully buffered HTTP response from one node.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Conn performs one HTTP exchange against one node. Implementations must
// be safe for concurrent use; the pool hands the same Conn to many
// callers.
type Conn interface {
	// Perform sends the request to this connection's node and returns
	// the buffered response. An error return means the exchange itself
	// failed (dial, timeout, broken body read); a non-2xx status is not
	// an error at this layer.
	Perform(ctx context.Context, req *Request) (*Response, error)
	// Host returns the node endpoint this connection points at.
	Host() Host
	// Close releases any idle resources held for this node.
	Close() error
}
