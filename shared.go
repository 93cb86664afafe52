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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shoalsearch/shoal/conn"
	"github.com/shoalsearch/shoal/internal"
)

// SharedTransport is the dispatcher for highly concurrent use. The
// retry state machine and sniffing policy match Transport, but a sniff
// runs as one shared in-flight operation: the first caller to decide a
// sniff is due starts it, and every other caller that reaches the same
// decision while it is running awaits that same operation instead of
// issuing a redundant discovery request.
//
// The sniff itself is bound to the transport's lifetime, not to any one
// caller's context, so a caller giving up does not abort a discovery
// other callers are waiting on. Close cancels an in-flight sniff;
// callers awaiting it observe context.Canceled.
type SharedTransport struct {
	cfg   Config
	seeds []conn.Conn
	pool  atomic.Pointer[ConnectionPool]
	clock internal.Clock

	ctx    context.Context
	cancel context.CancelFunc

	sniffGroup singleflight.Group
	lastSniff  atomic.Pointer[time.Time]

	closeOnce sync.Once
	closeErr  error
}

var _ Performer = (*SharedTransport)(nil)

// sniffKey is the singleflight key shared by every sniff trigger: an
// interval sniff and a failure sniff due at the same moment coalesce.
const sniffKey = "sniff"

// NewSharedTransport builds a shared transport. With SniffOnStart set,
// a discovery failure aborts construction.
func NewSharedTransport(cfg Config) (*SharedTransport, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &SharedTransport{
		cfg:    cfg,
		seeds:  cfg.seedConns(),
		clock:  internal.NewRealClock(),
		ctx:    ctx,
		cancel: cancel,
	}
	t.pool.Store(cfg.newPool(t.seeds))
	now := t.clock.Now()
	t.lastSniff.Store(&now)
	if cfg.SniffOnStart {
		if err := t.awaitSniff(ctx, sniffTriggerStart); err != nil {
			cancel()
			return nil, err
		}
	}
	return t, nil
}

// Perform sends the request to one of the pool's nodes. Semantics match
// Transport.Perform; only the sniff coordination differs.
func (t *SharedTransport) Perform(ctx context.Context, req *conn.Request) (*conn.Response, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if t.sniffDue() {
		// Non-fatal, and shared: every goroutine that finds the
		// interval elapsed waits on the same discovery.
		_ = t.awaitSniff(ctx, sniffTriggerInterval)
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
				return nil, ctxErr
			}
			pool.OnFailure(c)
			if t.cfg.SniffOnFailure {
				_ = t.awaitSniff(ctx, sniffTriggerFailure)
			}
			if isTimeout(err) {
				lastErr = &TimeoutError{Host: c.Host(), Err: err}
				if !t.cfg.RetryOnTimeout || attempt >= t.cfg.MaxRetries {
					return nil, lastErr
				}
			} else {
				lastErr = &ConnectionError{Host: c.Host(), Err: err}
				if attempt >= t.cfg.MaxRetries {
					return nil, lastErr
				}
			}
			metricRetriesTotal.WithLabelValues(retryCause(lastErr)).Inc()
			continue
		}

		if t.retryableStatus(res.Status) {
			pool.OnFailure(c)
			if t.cfg.SniffOnFailure {
				_ = t.awaitSniff(ctx, sniffTriggerFailure)
			}
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
func (t *SharedTransport) PerformJSON(ctx context.Context, req *conn.Request, out any) error {
	res, err := t.Perform(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	return t.cfg.Serializer.Loads(res.Body, out)
}

// Close cancels any in-flight sniff and closes every pooled and seed
// connection. Callers blocked awaiting the sniff observe cancellation.
func (t *SharedTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = closeAll(t.pool.Load(), t.seeds)
	})
	return t.closeErr
}

func (t *SharedTransport) retryableStatus(status int) bool {
	for _, s := range t.cfg.RetryOnStatus {
		if s == status {
			return true
		}
	}
	return false
}

func (t *SharedTransport) sniffDue() bool {
	if t.cfg.SniffInterval <= 0 {
		return false
	}
	last := t.lastSniff.Load()
	return t.clock.Since(*last) >= t.cfg.SniffInterval
}

// awaitSniff joins the in-flight sniff, starting one if none is
// running. The returned error is the shared sniff's outcome, the
// caller's context error if the caller gave up waiting, or
// context.Canceled if the transport was closed mid-sniff.
func (t *SharedTransport) awaitSniff(ctx context.Context, trigger string) error {
	resultCh := t.sniffGroup.DoChan(sniffKey, func() (any, error) {
		return nil, t.sniffOnce(trigger)
	})
	select {
	case result := <-resultCh:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

func (t *SharedTransport) sniffOnce(trigger string) error {
	hosts, err := discoverNodes(t.ctx, t.sniffCandidates(), t.cfg.SniffTimeout, t.cfg.Serializer)
	now := t.clock.Now()
	t.lastSniff.Store(&now)
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

func (t *SharedTransport) sniffCandidates() []conn.Conn {
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
