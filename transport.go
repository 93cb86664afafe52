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
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalsearch/shoal/conn"
	"github.com/shoalsearch/shoal/internal"
	"github.com/shoalsearch/shoal/selector"
)

// Defaults applied by NewTransport and NewSharedTransport.
const (
	DefaultMaxRetries   = 3
	DefaultSniffTimeout = 1 * time.Second
)

// DefaultRetryOnStatus lists the response statuses that are retried
// against another node by default. They indicate a node-local overload
// or routing problem rather than a caller mistake.
func DefaultRetryOnStatus() []int {
	return []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}
}

// Performer is the request-dispatch capability exposed by both
// transport variants and consumed by the bulk and scroll packages.
type Performer interface {
	Perform(ctx context.Context, req *conn.Request) (*conn.Response, error)
}

// Config configures a Transport or SharedTransport.
type Config struct {
	// Hosts is the seed list of node endpoints. Required unless Conns
	// is set.
	Hosts []conn.Host
	// Conns optionally provides pre-built connections instead of
	// Hosts. Used mostly by tests.
	Conns []conn.Conn
	// NewConn builds a connection for a host discovered by sniffing.
	// Defaults to conn.NewHTTP with zero HTTPConfig.
	NewConn func(conn.Host) conn.Conn

	// Selector picks among live connections. Defaults to RoundRobin.
	Selector selector.Selector
	// DeadTimeout is the base resurrection delay. Defaults to
	// DefaultDeadTimeout.
	DeadTimeout time.Duration

	// MaxRetries is the number of retries after the initial attempt.
	// Zero means DefaultMaxRetries; negative disables retries entirely
	// (exactly one attempt per request).
	MaxRetries int
	// RetryOnStatus lists response statuses treated as retryable node
	// failures. Nil means DefaultRetryOnStatus.
	RetryOnStatus []int
	// RetryOnTimeout also retries attempts that exceeded their
	// deadline. Off by default because a timed-out request may have
	// taken effect on the node.
	RetryOnTimeout bool

	// SniffOnStart discovers the topology during construction. A
	// failed startup sniff is fatal: no nodes are otherwise known.
	SniffOnStart bool
	// SniffInterval re-discovers topology when this much time has
	// passed since the last sniff. Zero disables interval sniffing.
	SniffInterval time.Duration
	// SniffOnFailure re-discovers topology after a connection is
	// marked dead.
	SniffOnFailure bool
	// SniffTimeout bounds each discovery request. Defaults to
	// DefaultSniffTimeout.
	SniffTimeout time.Duration

	// Serializer decodes discovery responses. Defaults to
	// JSONSerializer.
	Serializer Serializer
	// Logger receives transport events. Defaults to a no-op logger.
	Logger zerolog.Logger
}

func (cfg *Config) withDefaults() error {
	if len(cfg.Hosts) == 0 && len(cfg.Conns) == 0 {
		return errors.New("shoal: config needs at least one host or connection")
	}
	if cfg.NewConn == nil {
		cfg.NewConn = func(h conn.Host) conn.Conn {
			return conn.NewHTTP(h, conn.HTTPConfig{})
		}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryOnStatus == nil {
		cfg.RetryOnStatus = DefaultRetryOnStatus()
	}
	if cfg.SniffTimeout <= 0 {
		cfg.SniffTimeout = DefaultSniffTimeout
	}
	if cfg.Serializer == nil {
		cfg.Serializer = JSONSerializer{}
	}
	return nil
}

func (cfg *Config) seedConns() []conn.Conn {
	if len(cfg.Conns) > 0 {
		return slices.Clone(cfg.Conns)
	}
	conns := make([]conn.Conn, 0, len(cfg.Hosts))
	for _, host := range cfg.Hosts {
		conns = append(conns, cfg.NewConn(host))
	}
	return conns
}

func (cfg *Config) newPool(conns []conn.Conn) *ConnectionPool {
	return NewConnectionPool(conns, PoolConfig{
		Selector:    cfg.Selector,
		DeadTimeout: cfg.DeadTimeout,
		Logger:      cfg.Logger,
	})
}

// Transport is the blocking request dispatcher. Every operation,
// including backoff sleeps and sniffs, runs on the calling goroutine.
// It is safe for concurrent use; pool mutation is protected by the
// pool's own synchronization.
//
// The pool is replaced wholesale when a sniff succeeds. A request that
// obtained a connection just before the swap may finish its exchange on
// a connection no longer present in the new pool; the connection is
// still individually valid, so the response is still correct, and any
// dead-marking against the old pool is simply discarded with it. This
// keeps the request path free of locks around the pool pointer.
type Transport struct {
	cfg   Config
	seeds []conn.Conn
	pool  atomic.Pointer[ConnectionPool]
	clock internal.Clock

	sniffMu   sync.Mutex
	lastSniff time.Time

	closed atomic.Bool
}

var _ Performer = (*Transport)(nil)

// NewTransport builds a blocking transport. With SniffOnStart set, the
// initial topology is discovered before returning and a discovery
// failure aborts construction.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:   cfg,
		seeds: cfg.seedConns(),
		clock: internal.NewRealClock(),
	}
	t.pool.Store(cfg.newPool(t.seeds))
	t.sniffMu.Lock()
	t.lastSniff = t.clock.Now()
	t.sniffMu.Unlock()
	if cfg.SniffOnStart {
		if err := t.sniff(context.Background(), sniffTriggerStart); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Perform sends the request to one of the pool's nodes, retrying
// connection-level failures and configured retryable statuses against
// other nodes up to the retry budget. A HEAD request answered with 404
// returns the response without an error, as do statuses listed in the
// request's IgnoreStatus; any other non-2xx response returns the
// response alongside a *StatusError.
func (t *Transport) Perform(ctx context.Context, req *conn.Request) (*conn.Response, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if due, interval := t.sniffDue(); due {
		t.cfg.Logger.Debug().Dur("interval", interval).Msg("Sniffing on interval")
		// Interval sniff failures are non-fatal: keep the known pool.
		_ = t.sniff(ctx, sniffTriggerInterval)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		pool := t.pool.Load()
		c, err := pool.Next()
		if err != nil {
			return nil, err
		}

		res, err := c.Perform(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !isTimeout(err) {
				// The caller gave up; the node is not to blame.
				return nil, ctxErr
			}
			lastErr = t.onConnError(ctx, pool, c, err)
			retryable := true
			if _, ok := lastErr.(*TimeoutError); ok {
				retryable = t.cfg.RetryOnTimeout
			}
			if !retryable || attempt >= t.cfg.MaxRetries {
				return nil, lastErr
			}
			metricRetriesTotal.WithLabelValues(retryCause(lastErr)).Inc()
			continue
		}

		if t.retryableStatus(res.Status) {
			// The node answered but signalled overload: treat like a
			// connection failure so traffic shifts elsewhere.
			pool.OnFailure(c)
			t.maybeSniffOnFailure(ctx)
			lastErr = &StatusError{Method: req.Method, Path: req.Path, Status: res.Status, Body: res.Body}
			if attempt >= t.cfg.MaxRetries {
				return res, lastErr
			}
			metricRetriesTotal.WithLabelValues(retryCauseStatus).Inc()
			continue
		}

		pool.OnSuccess(c)
		return res, statusToError(req, res)
	}
}

// PerformJSON performs the request and decodes a successful response
// body into out using the configured serializer.
func (t *Transport) PerformJSON(ctx context.Context, req *conn.Request, out any) error {
	res, err := t.Perform(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	return t.cfg.Serializer.Loads(res.Body, out)
}

// Close closes every pooled connection and every seed connection not in
// the current pool.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return closeAll(t.pool.Load(), t.seeds)
}

func (t *Transport) onConnError(ctx context.Context, pool *ConnectionPool, c conn.Conn, err error) error {
	pool.OnFailure(c)
	t.maybeSniffOnFailure(ctx)
	if isTimeout(err) {
		return &TimeoutError{Host: c.Host(), Err: err}
	}
	return &ConnectionError{Host: c.Host(), Err: err}
}

func (t *Transport) maybeSniffOnFailure(ctx context.Context) {
	if !t.cfg.SniffOnFailure {
		return
	}
	// Failure sniffs are best effort; the pool already reflects the
	// failure either way.
	_ = t.sniff(ctx, sniffTriggerFailure)
}

func (t *Transport) retryableStatus(status int) bool {
	return slices.Contains(t.cfg.RetryOnStatus, status)
}

func (t *Transport) sniffDue() (bool, time.Duration) {
	if t.cfg.SniffInterval <= 0 {
		return false, 0
	}
	t.sniffMu.Lock()
	defer t.sniffMu.Unlock()
	return t.clock.Since(t.lastSniff) >= t.cfg.SniffInterval, t.cfg.SniffInterval
}

// sniff discovers the current topology and swaps in a rebuilt pool.
// Concurrent sniffs are serialized; the loser of the race re-sniffs,
// which is harmless and rare in the blocking variant.
func (t *Transport) sniff(ctx context.Context, trigger string) error {
	t.sniffMu.Lock()
	defer t.sniffMu.Unlock()

	hosts, err := discoverNodes(ctx, t.sniffCandidates(), t.cfg.SniffTimeout, t.cfg.Serializer)
	t.lastSniff = t.clock.Now()
	if err != nil {
		metricSniffsTotal.WithLabelValues(trigger, "error").Inc()
		t.cfg.Logger.Warn().Err(err).Str("trigger", trigger).Msg("Sniff failed")
		return err
	}
	old := t.pool.Load()
	rebuilt, dropped := rebuildConns(hosts, old.All(), t.seeds, t.cfg.NewConn)
	t.pool.Store(t.cfg.newPool(rebuilt))
	for _, c := range dropped {
		_ = c.Close()
	}
	metricSniffsTotal.WithLabelValues(trigger, "ok").Inc()
	t.cfg.Logger.Info().
		Str("trigger", trigger).
		Int("nodes", len(hosts)).
		Msg("Topology sniffed")
	return nil
}

// sniffCandidates lists the connections a discovery request may be sent
// through: live first, then dead, then the original seeds.
func (t *Transport) sniffCandidates() []conn.Conn {
	pool := t.pool.Load()
	candidates := pool.All()
	seen := make(map[conn.Conn]struct{}, len(candidates))
	for _, c := range candidates {
		seen[c] = struct{}{}
	}
	for _, c := range t.seeds {
		if _, ok := seen[c]; !ok {
			candidates = append(candidates, c)
		}
	}
	return candidates
}

func closeAll(pool *ConnectionPool, seeds []conn.Conn) error {
	err := pool.Close()
	pooled := make(map[conn.Conn]struct{})
	for _, c := range pool.All() {
		pooled[c] = struct{}{}
	}
	for _, c := range seeds {
		if _, ok := pooled[c]; !ok {
			if closeErr := c.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	}
	return err
}

// statusToError maps a response to the error returned to the caller.
// HEAD with 404 is a plain "does not exist" answer, and the caller may
// declare further statuses non-exceptional per request.
func statusToError(req *conn.Request, res *conn.Response) error {
	if res.Status < 300 {
		return nil
	}
	if req.Method == http.MethodHead && res.Status == http.StatusNotFound {
		return nil
	}
	if slices.Contains(req.IgnoreStatus, res.Status) {
		return nil
	}
	return &StatusError{Method: req.Method, Path: req.Path, Status: res.Status, Body: res.Body}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func retryCause(err error) string {
	if _, ok := err.(*TimeoutError); ok {
		return retryCauseTimeout
	}
	return retryCauseConnection
}

const (
	sniffTriggerStart    = "start"
	sniffTriggerInterval = "interval"
	sniffTriggerFailure  = "failure"
)
