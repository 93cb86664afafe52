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
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalsearch/shoal/conn"
	"github.com/shoalsearch/shoal/internal"
	"github.com/shoalsearch/shoal/selector"
)

// DefaultDeadTimeout is the base penalty for a connection's first
// failure. Each consecutive failure doubles it.
const DefaultDeadTimeout = 60 * time.Second

// PoolConfig configures a ConnectionPool.
type PoolConfig struct {
	// Selector picks among live connections. Defaults to a RoundRobin
	// selector.
	Selector selector.Selector
	// DeadTimeout is the base resurrection delay after a failure.
	// Defaults to DefaultDeadTimeout.
	DeadTimeout time.Duration
	// Logger receives pool state transitions. Defaults to a no-op
	// logger.
	Logger zerolog.Logger
}

// ConnectionPool owns the live/dead state of a set of connections. A
// connection is in exactly one of the live list or the dead heap at any
// time. Failure counts are tracked per connection and reset on the
// first success, and each consecutive failure doubles the time the
// connection spends in the dead heap before it becomes eligible for
// resurrection.
//
// All methods are safe for concurrent use. Races between OnSuccess and
// OnFailure for the same connection are tolerated: the eligibility time
// is recomputed independently on every failure, so last-writer-wins
// does not corrupt state.
type ConnectionPool struct {
	sel         selector.Selector
	deadTimeout time.Duration
	logger      zerolog.Logger
	clock       internal.Clock

	mu        sync.Mutex
	live      []conn.Conn
	dead      deadHeap
	deadCount map[conn.Conn]int
}

// NewConnectionPool builds a pool over the given connections, all
// initially live.
func NewConnectionPool(conns []conn.Conn, cfg PoolConfig) *ConnectionPool {
	sel := cfg.Selector
	if sel == nil {
		sel = &selector.RoundRobin{}
	}
	deadTimeout := cfg.DeadTimeout
	if deadTimeout <= 0 {
		deadTimeout = DefaultDeadTimeout
	}
	live := make([]conn.Conn, len(conns))
	copy(live, conns)
	return &ConnectionPool{
		sel:         sel,
		deadTimeout: deadTimeout,
		logger:      cfg.Logger,
		clock:       internal.NewRealClock(),
		live:        live,
		deadCount:   map[conn.Conn]int{},
	}
}

// Next returns a connection to send the next request to. Overdue dead
// connections are resurrected first; if the live list is still empty, a
// dead connection is resurrected early so that progress is always
// possible. Returns ErrNoConnections only for a pool constructed with
// no connections.
func (p *ConnectionPool) Next() (conn.Conn, error) {
	p.Resurrect(false)
	if len(p.Live()) == 0 {
		// Nothing is due back yet, but a request still has to go
		// somewhere: pull the least-recently-failed connection early.
		p.Resurrect(true)
	}

	live := p.Live()
	if len(live) == 0 {
		return nil, ErrNoConnections
	}
	return p.sel.Select(live)
}

// OnFailure marks the connection dead. It is removed from the live list
// (a no-op if a concurrent caller already removed it), its consecutive
// failure count is incremented, and it is scheduled for resurrection
// after deadTimeout * 2^(failures-1).
func (p *ConnectionPool) OnFailure(c conn.Conn) {
	p.mu.Lock()
	for i, existing := range p.live {
		if existing == c {
			p.live = append(p.live[:i], p.live[i+1:]...)
			break
		}
	}
	p.deadCount[c]++
	count := p.deadCount[c]
	timeout := p.deadTimeout << (count - 1)
	if timeout < p.deadTimeout {
		// shift overflow on absurd failure counts
		timeout = p.deadTimeout
	}
	eligibleAt := p.clock.Now().Add(timeout)
	// A connection lives in exactly one of the live list or the dead
	// heap. If a concurrent caller already moved it to the heap, push
	// its eligibility further out instead of inserting a duplicate.
	updated := false
	for i := range p.dead.entries {
		if p.dead.entries[i].conn == c {
			p.dead.entries[i].eligibleAt = eligibleAt
			heap.Fix(&p.dead, i)
			updated = true
			break
		}
	}
	if !updated {
		heap.Push(&p.dead, deadConn{eligibleAt: eligibleAt, conn: c})
	}
	p.mu.Unlock()

	metricConnectionsDeadTotal.Inc()
	p.logger.Warn().
		Stringer("host", c.Host()).
		Int("failures", count).
		Dur("dead_timeout", timeout).
		Msg("Connection marked dead")
}

// OnSuccess resets the connection's consecutive failure count. It does
// not change live/dead membership: a dead connection only returns to
// the live list through resurrection.
func (p *ConnectionPool) OnSuccess(c conn.Conn) {
	p.mu.Lock()
	delete(p.deadCount, c)
	p.mu.Unlock()
}

// Resurrect moves at most one dead connection back into the live list.
// Without force, only a connection whose eligibility time has passed is
// moved; with force, the connection with the earliest eligibility time
// is moved unconditionally.
func (p *ConnectionPool) Resurrect(force bool) {
	p.mu.Lock()
	if p.dead.Len() == 0 {
		p.mu.Unlock()
		return
	}
	entry := p.dead.entries[0]
	if !force && entry.eligibleAt.After(p.clock.Now()) {
		p.mu.Unlock()
		return
	}
	heap.Pop(&p.dead)
	p.live = append(p.live, entry.conn)
	p.mu.Unlock()

	metricConnectionsResurrectedTotal.WithLabelValues(boolLabel(force)).Inc()
	p.logger.Info().
		Stringer("host", entry.conn.Host()).
		Bool("forced", force).
		Msg("Connection resurrected")
}

// Live returns a snapshot of the currently live connections.
func (p *ConnectionPool) Live() []conn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]conn.Conn, len(p.live))
	copy(out, p.live)
	return out
}

// All returns a snapshot of every connection in the pool, live first,
// then dead in eligibility order. Sniffing uses this ordering to try
// the most promising node first.
func (p *ConnectionPool) All() []conn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]conn.Conn, 0, len(p.live)+p.dead.Len())
	out = append(out, p.live...)
	for _, entry := range p.dead.sorted() {
		out = append(out, entry.conn)
	}
	return out
}

// Close closes every connection in the pool. The pool must not be used
// afterwards.
func (p *ConnectionPool) Close() error {
	var firstErr error
	for _, c := range p.All() {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// deadConn is one entry in the dead heap.
type deadConn struct {
	eligibleAt time.Time
	conn       conn.Conn
}

// deadHeap is a min-heap of dead connections keyed by resurrection
// eligibility time.
type deadHeap struct {
	entries []deadConn
}

var _ heap.Interface = (*deadHeap)(nil)

func (h *deadHeap) Len() int { return len(h.entries) }

func (h *deadHeap) Less(i, j int) bool {
	return h.entries[i].eligibleAt.Before(h.entries[j].eligibleAt)
}

func (h *deadHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
}

func (h *deadHeap) Push(x any) {
	h.entries = append(h.entries, x.(deadConn))
}

func (h *deadHeap) Pop() any {
	last := len(h.entries) - 1
	entry := h.entries[last]
	h.entries = h.entries[:last]
	return entry
}

func (h *deadHeap) sorted() []deadConn {
	out := make([]deadConn, len(h.entries))
	copy(out, h.entries)
	clone := deadHeap{entries: out}
	result := make([]deadConn, 0, len(out))
	for clone.Len() > 0 {
		result = append(result, heap.Pop(&clone).(deadConn))
	}
	return result
}
