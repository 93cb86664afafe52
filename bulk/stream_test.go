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

package bulk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalsearch/shoal/conn"
	"github.com/shoalsearch/shoal/internal"
)

// fakePerformer records every bulk payload and answers via handler.
type fakePerformer struct {
	handler  func(attempt int, req *conn.Request) (*conn.Response, error)
	payloads []string
}

func (p *fakePerformer) Perform(_ context.Context, req *conn.Request) (*conn.Response, error) {
	attempt := len(p.payloads)
	p.payloads = append(p.payloads, string(req.Body))
	return p.handler(attempt, req)
}

// recordingClock captures After durations and fires immediately, so
// backoff sequences can be asserted without real sleeps.
type recordingClock struct {
	internal.Clock
	delays []time.Duration
	block  bool
}

func newRecordingClock() *recordingClock {
	return &recordingClock{Clock: internal.NewRealClock()}
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.delays = append(c.delays, d)
	if c.block {
		return make(chan time.Time)
	}
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func newTestStream(source Source, cfg Config, p *fakePerformer) (*Stream, *recordingClock) {
	st := NewStream(context.Background(), p, source, cfg)
	clock := newRecordingClock()
	st.clock = clock
	return st, clock
}

// itemsResponse builds a bulk response with one "index" item per status.
func itemsResponse(statuses ...int) []byte {
	parts := make([]string, len(statuses))
	for i, status := range statuses {
		var errInfo string
		if status >= 300 {
			errInfo = `,"error":{"type":"some_exception","reason":"broken"}`
		}
		parts[i] = fmt.Sprintf(`{"index":{"status":%d,"_id":"%d"%s}}`, status, i, errInfo)
	}
	return []byte(`{"items":[` + strings.Join(parts, ",") + `]}`)
}

func okResponse(n int) *conn.Response {
	statuses := make([]int, n)
	for i := range statuses {
		statuses[i] = http.StatusCreated
	}
	return &conn.Response{Status: http.StatusOK, Body: itemsResponse(statuses...)}
}

func collect(t *testing.T, st *Stream) []Result {
	t.Helper()
	var results []Result
	for st.Next() {
		results = append(results, st.Result())
	}
	return results
}

func actions(ids ...string) []Action {
	out := make([]Action, len(ids))
	for i, id := range ids {
		out[i] = Action{Op: "index", Index: "idx", DocumentID: id, Body: map[string]any{"id": id}}
	}
	return out
}

func TestStreamYieldsFailuresOnly(t *testing.T) {
	t.Parallel()

	p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
		return &conn.Response{
			Status: http.StatusOK,
			Body:   itemsResponse(http.StatusCreated, http.StatusBadRequest, http.StatusCreated),
		}, nil
	}}
	st, _ := newTestStream(SliceSource(actions("a", "b", "c")), Config{}, p)

	results := collect(t, st)
	require.NoError(t, st.Err())
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].Action.DocumentID)
	assert.False(t, results[0].OK)
	assert.Equal(t, http.StatusBadRequest, results[0].Status)
	assert.Contains(t, string(results[0].ErrorInfo), "some_exception")
}

func TestStreamYieldOK(t *testing.T) {
	t.Parallel()

	p := &fakePerformer{handler: func(_ int, req *conn.Request) (*conn.Response, error) {
		return okResponse(strings.Count(string(req.Body), "\n") / 2), nil
	}}
	st, _ := newTestStream(SliceSource(actions("a", "b", "c")), Config{YieldOK: true}, p)

	results := collect(t, st)
	require.NoError(t, st.Err())
	require.Len(t, results, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.True(t, results[i].OK)
		assert.Equal(t, id, results[i].Action.DocumentID)
		assert.Equal(t, "index", results[i].Op)
	}
}

func TestStreamChunksAcrossDispatches(t *testing.T) {
	t.Parallel()

	p := &fakePerformer{handler: func(_ int, req *conn.Request) (*conn.Response, error) {
		return okResponse(strings.Count(string(req.Body), "\n") / 2), nil
	}}
	st, _ := newTestStream(SliceSource(actions("a", "b", "c", "d", "e")),
		Config{ChunkSize: 2, YieldOK: true}, p)

	results := collect(t, st)
	require.NoError(t, st.Err())
	assert.Len(t, results, 5)
	assert.Len(t, p.payloads, 3, "five actions at chunk size two need three requests")
}

func TestStreamAppliesDefaultIndex(t *testing.T) {
	t.Parallel()

	p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
		return okResponse(1), nil
	}}
	st, _ := newTestStream(SliceSource([]Action{{Op: "index", Body: map[string]any{"f": 1}}}),
		Config{Index: "fallback"}, p)

	collect(t, st)
	require.NoError(t, st.Err())
	require.Len(t, p.payloads, 1)
	assert.Contains(t, p.payloads[0], `"_index":"fallback"`)
}

func TestStreamRetriesRateLimited(t *testing.T) {
	t.Parallel()

	// "b" is rejected with 429 twice before the cluster accepts it
	p := &fakePerformer{handler: func(attempt int, req *conn.Request) (*conn.Response, error) {
		switch attempt {
		case 0:
			return &conn.Response{
				Status: http.StatusOK,
				Body:   itemsResponse(http.StatusCreated, http.StatusTooManyRequests),
			}, nil
		case 1:
			return &conn.Response{
				Status: http.StatusOK,
				Body:   itemsResponse(http.StatusTooManyRequests),
			}, nil
		default:
			return okResponse(1), nil
		}
	}}
	st, clock := newTestStream(SliceSource(actions("a", "b")),
		Config{MaxRetries: 3, YieldOK: true}, p)

	results := collect(t, st)
	require.NoError(t, st.Err())
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Action.DocumentID)
	assert.Equal(t, "b", results[1].Action.DocumentID)
	assert.True(t, results[1].OK, "rate-limited item eventually succeeds")

	require.Len(t, p.payloads, 3)
	assert.NotContains(t, p.payloads[1], `"_id":"a"`, "only the rate-limited subset is resubmitted")
	assert.Contains(t, p.payloads[1], `"_id":"b"`)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.delays)
}

func TestStreamRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
		return &conn.Response{
			Status: http.StatusOK,
			Body:   itemsResponse(http.StatusTooManyRequests),
		}, nil
	}}
	st, clock := newTestStream(SliceSource(actions("a")), Config{MaxRetries: 2}, p)

	results := collect(t, st)
	require.NoError(t, st.Err())
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, http.StatusTooManyRequests, results[0].Status)

	assert.Len(t, p.payloads, 3, "initial attempt plus two retries")
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.delays)
}

func TestStreamRetriesDisabledByDefault(t *testing.T) {
	t.Parallel()

	p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
		return &conn.Response{
			Status: http.StatusOK,
			Body:   itemsResponse(http.StatusTooManyRequests),
		}, nil
	}}
	st, clock := newTestStream(SliceSource(actions("a")), Config{}, p)

	results := collect(t, st)
	require.NoError(t, st.Err())
	require.Len(t, results, 1)
	assert.Len(t, p.payloads, 1)
	assert.Empty(t, clock.delays)
}

func TestStreamFailOnError(t *testing.T) {
	t.Parallel()

	p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
		return &conn.Response{
			Status: http.StatusOK,
			Body:   itemsResponse(http.StatusCreated, http.StatusBadRequest),
		}, nil
	}}
	st, _ := newTestStream(SliceSource(actions("a", "b")),
		Config{FailOnError: true, YieldOK: true}, p)

	// results produced before the abort are still delivered
	require.True(t, st.Next())
	assert.Equal(t, "a", st.Result().Action.DocumentID)
	assert.True(t, st.Result().OK)
	require.True(t, st.Next())
	assert.Equal(t, "b", st.Result().Action.DocumentID)
	assert.False(t, st.Result().OK)

	assert.False(t, st.Next())
	var indexErr *IndexError
	require.ErrorAs(t, st.Err(), &indexErr)
	require.Len(t, indexErr.Failures, 1)
	assert.Equal(t, "b", indexErr.Failures[0].Action.DocumentID)
}

func TestStreamShortResponse(t *testing.T) {
	t.Parallel()

	// two actions submitted, the server answers for only the first
	p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
		return &conn.Response{
			Status: http.StatusOK,
			Body:   itemsResponse(http.StatusCreated),
		}, nil
	}}
	st, _ := newTestStream(SliceSource(actions("a", "b")), Config{YieldOK: true}, p)

	results := collect(t, st)
	require.NoError(t, st.Err())
	require.Len(t, results, 2, "every action produces exactly one outcome")
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "b", results[1].Action.DocumentID)
	assert.Error(t, results[1].Err)
}

func TestStreamTransportError(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")

	t.Run("yields items", func(t *testing.T) {
		t.Parallel()
		p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
			return nil, cause
		}}
		st, _ := newTestStream(SliceSource(actions("a", "b")), Config{}, p)

		results := collect(t, st)
		require.NoError(t, st.Err())
		require.Len(t, results, 2)
		for _, r := range results {
			assert.False(t, r.OK)
			assert.ErrorIs(t, r.Err, cause)
			assert.Zero(t, r.Status)
		}
	})

	t.Run("aborts", func(t *testing.T) {
		t.Parallel()
		p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
			return nil, cause
		}}
		st, _ := newTestStream(SliceSource(actions("a", "b")),
			Config{FailOnTransportError: true}, p)

		assert.False(t, st.Next())
		assert.ErrorIs(t, st.Err(), cause)
	})
}

func TestStreamBackoffCancellation(t *testing.T) {
	t.Parallel()

	p := &fakePerformer{handler: func(int, *conn.Request) (*conn.Response, error) {
		return &conn.Response{
			Status: http.StatusOK,
			Body:   itemsResponse(http.StatusTooManyRequests),
		}, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	st := NewStream(ctx, p, SliceSource(actions("a")), Config{MaxRetries: 3})
	clock := newRecordingClock()
	clock.block = true
	st.clock = clock

	cancel()
	assert.False(t, st.Next())
	assert.ErrorIs(t, st.Err(), context.Canceled)
	assert.Len(t, p.payloads, 1, "no resubmission after cancellation")
}

func TestBackoffDelaySequence(t *testing.T) {
	t.Parallel()

	// 2s doubling per retry, capped at 600s
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 128 * time.Second, 256 * time.Second,
		512 * time.Second, 600 * time.Second, 600 * time.Second,
	}
	for i, expected := range want {
		got := backoffDelay(2*time.Second, 600*time.Second, i+1)
		assert.Equal(t, expected, got, "retry %d", i+1)
	}

	// shifting far enough to overflow still lands on the cap
	assert.Equal(t, 600*time.Second, backoffDelay(2*time.Second, 600*time.Second, 80))
}
