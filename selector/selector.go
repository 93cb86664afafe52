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

// Package selector implements connection selection policies. A selector
// picks one connection out of the pool's current live set; it carries no
// knowledge of liveness itself, so the same selector value survives pool
// rebuilds.
package selector

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/shoalsearch/shoal/conn"
	"github.com/shoalsearch/shoal/internal"
)

// ErrNoConnections is returned when a selector is asked to pick from an
// empty set.
var ErrNoConnections = errors.New("selector: no connections to select from")

// Selector picks one connection from the given set. Implementations must
// be safe for concurrent use by multiple goroutines. The set passed in
// may differ between calls as connections die and resurrect.
type Selector interface {
	Select(conns []conn.Conn) (conn.Conn, error)
}

// RoundRobin selects connections in sequential order. Over N selections
// from a fixed set of K connections, every connection is picked either
// ⌊N/K⌋ or ⌈N/K⌉ times. The zero value is ready to use.
type RoundRobin struct {
	// +checkatomic
	counter atomic.Uint64
}

var _ Selector = (*RoundRobin)(nil)

// Select implements Selector.
func (r *RoundRobin) Select(conns []conn.Conn) (conn.Conn, error) {
	if len(conns) == 0 {
		return nil, ErrNoConnections
	}
	return conns[(r.counter.Add(1)-1)%uint64(len(conns))], nil
}

// Random selects a connection uniformly at random. The zero value is
// ready to use.
type Random struct {
	mu   sync.Mutex
	once sync.Once
	rnd  *rand.Rand
}

var _ Selector = (*Random)(nil)

// Select implements Selector.
func (r *Random) Select(conns []conn.Conn) (conn.Conn, error) {
	if len(conns) == 0 {
		return nil, ErrNoConnections
	}
	r.once.Do(func() {
		r.rnd = internal.NewRand()
	})
	r.mu.Lock()
	i := r.rnd.Intn(len(conns))
	r.mu.Unlock()
	return conns[i], nil
}
