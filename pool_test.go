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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalsearch/shoal/conn"
	"github.com/shoalsearch/shoal/internal/clocktest"
)

func newTestPool(t *testing.T, size int) (*ConnectionPool, []conn.Conn, clocktest.FakeClock) {
	t.Helper()
	conns := make([]conn.Conn, size)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("node%d:9200", i))
	}
	pool := NewConnectionPool(conns, PoolConfig{DeadTimeout: time.Minute})
	clock := clocktest.NewFakeClock()
	pool.clock = clock
	return pool, conns, clock
}

func TestPoolNextRoundRobins(t *testing.T) {
	t.Parallel()

	pool, conns, _ := newTestPool(t, 3)
	counts := map[conn.Conn]int{}
	for i := 0; i < 9; i++ {
		c, err := pool.Next()
		require.NoError(t, err)
		counts[c]++
	}
	for _, c := range conns {
		assert.Equal(t, 3, counts[c])
	}
}

func TestPoolEmpty(t *testing.T) {
	t.Parallel()

	pool := NewConnectionPool(nil, PoolConfig{})
	_, err := pool.Next()
	assert.ErrorIs(t, err, ErrNoConnections)
}

func TestPoolOnFailure(t *testing.T) {
	t.Parallel()

	pool, conns, _ := newTestPool(t, 2)
	pool.OnFailure(conns[0])

	assert.NotContains(t, pool.Live(), conns[0])
	assert.Contains(t, pool.Live(), conns[1])
	assert.Equal(t, 1, pool.deadCount[conns[0]])

	// marking dead again is a no-op for membership but bumps the count
	pool.OnFailure(conns[0])
	assert.Equal(t, 2, pool.deadCount[conns[0]])
	assert.Len(t, pool.Live(), 1)
}

func TestPoolBackoffDoubles(t *testing.T) {
	t.Parallel()

	pool, conns, clock := newTestPool(t, 1)
	start := clock.Now()

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		pool.OnFailure(conns[0])
		entry := pool.dead.entries[pool.dead.Len()-1]
		delays = append(delays, entry.eligibleAt.Sub(start))
		// pull it back out so the next failure re-marks the same conn
		pool.Resurrect(true)
	}
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}, delays)
}

func TestPoolResurrectRespectsEligibility(t *testing.T) {
	t.Parallel()

	pool, conns, clock := newTestPool(t, 2)
	pool.OnFailure(conns[0])

	pool.Resurrect(false)
	assert.Len(t, pool.Live(), 1, "not eligible yet")

	clock.Advance(time.Minute + time.Second)
	pool.Resurrect(false)
	assert.Len(t, pool.Live(), 2, "eligible after dead timeout")
}

func TestPoolResurrectForced(t *testing.T) {
	t.Parallel()

	pool, conns, _ := newTestPool(t, 1)
	pool.OnFailure(conns[0])

	pool.Resurrect(true)
	assert.Equal(t, []conn.Conn{conns[0]}, pool.Live())
}

func TestPoolNextForcesResurrection(t *testing.T) {
	t.Parallel()

	pool, conns, _ := newTestPool(t, 2)
	pool.OnFailure(conns[0])
	pool.OnFailure(conns[1])
	require.Empty(t, pool.Live())

	// with everything dead, Next must still make progress
	c, err := pool.Next()
	require.NoError(t, err)
	assert.Contains(t, conns, c)
}

func TestPoolOnSuccessResetsCount(t *testing.T) {
	t.Parallel()

	pool, conns, _ := newTestPool(t, 2)
	pool.OnFailure(conns[0])
	pool.Resurrect(true)

	pool.OnSuccess(conns[0])
	assert.NotContains(t, pool.deadCount, conns[0])

	// next failure starts the backoff from scratch
	pool.OnFailure(conns[0])
	assert.Equal(t, 1, pool.deadCount[conns[0]])

	// OnSuccess for a never-failed conn is a no-op
	pool.OnSuccess(conns[1])
	assert.NotContains(t, pool.deadCount, conns[1])
}

func TestPoolAllOrdersLiveThenDead(t *testing.T) {
	t.Parallel()

	pool, conns, _ := newTestPool(t, 3)
	pool.OnFailure(conns[1])
	pool.Resurrect(true)
	pool.OnFailure(conns[1]) // second consecutive failure, longer delay
	pool.OnFailure(conns[0])

	all := pool.All()
	require.Len(t, all, 3)
	assert.Equal(t, conns[2], all[0], "live connection first")
	assert.Equal(t, conns[0], all[1], "earliest-eligible dead connection next")
	assert.Equal(t, conns[1], all[2])
}

func TestPoolConcurrentMutation(t *testing.T) {
	t.Parallel()

	pool, conns, _ := newTestPool(t, 4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := conns[i%len(conns)]
			for j := 0; j < 100; j++ {
				pool.OnFailure(c)
				pool.Resurrect(true)
				pool.OnSuccess(c)
				_, _ = pool.Next()
			}
		}()
	}
	wg.Wait()

	// every connection ends up in exactly one of live or dead
	assert.Equal(t, 4, len(pool.Live())+pool.dead.Len())
}
