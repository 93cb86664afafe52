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

package shoal

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shoalsearch/shoal/conn"
)

// ErrNoConnections is returned by the pool when it holds no connections
// at all. A pool that was constructed with at least one connection can
// always produce one via forced resurrection, so this only occurs for
// pools built from an empty host list.
var ErrNoConnections = errors.New("shoal: no connections available")

// ErrClosed is returned from operations on a transport after Close.
var ErrClosed = errors.New("shoal: transport closed")

// ConnectionError reports a socket-level failure against one node: the
// exchange never produced an HTTP response. Connection errors are
// retried transparently against other nodes up to the retry budget.
type ConnectionError struct {
	Host conn.Host
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("shoal: connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that an exchange exceeded its deadline. It is
// retried only when the transport is configured with RetryOnTimeout,
// since the request may have reached the node and taken effect.
type TimeoutError struct {
	Host conn.Host
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shoal: request to %s timed out: %v", e.Host, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-2xx HTTP response. The node answered, so the
// connection is considered healthy; whether the status is retried
// depends on the transport's RetryOnStatus set.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("shoal: %s %s returned %d (%s)", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// ClientError reports whether the status is in the 4xx family.
func (e *StatusError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// ServerError reports whether the status is in the 5xx family.
func (e *StatusError) ServerError() bool {
	return e.Status >= 500
}

// SerializationError reports a body that could not be encoded or
// decoded. It is never retried: the data is malformed, not the node.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("shoal: serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a StatusError with status 404.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound
}

// IsRateLimited reports whether err is a StatusError with status 429.
func IsRateLimited(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusTooManyRequests
}
