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
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalsearch/shoal"
	"github.com/shoalsearch/shoal/conn"
	"github.com/shoalsearch/shoal/internal"
)

// Default backoff bounds for rate-limited item retries.
const (
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 600 * time.Second
)

// Config configures a Stream.
type Config struct {
	// Index is the default target for actions that carry none.
	Index string
	// Params are extra query parameters for each bulk request, such as
	// refresh or pipeline.
	Params url.Values

	// ChunkSize and MaxChunkBytes bound each dispatched batch; see
	// Chunker.
	ChunkSize     int
	MaxChunkBytes int

	// MaxRetries is how many times a rate-limited (429) item is
	// resubmitted before being yielded as a failure. Zero disables
	// item retries.
	MaxRetries int
	// InitialBackoff is the sleep before the first resubmission; each
	// further resubmission doubles it up to MaxBackoff. Defaults to
	// DefaultInitialBackoff and DefaultMaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// YieldOK also yields successful items as results. Failures are
	// always yielded.
	YieldOK bool
	// FailOnError aborts the stream with an *IndexError as soon as a
	// chunk produced non-retryable item failures.
	FailOnError bool
	// FailOnTransportError aborts the stream when a bulk request
	// itself fails. When unset, every item of the failed chunk is
	// yielded as a failed result instead.
	FailOnTransportError bool

	// Serializer encodes actions and decodes responses. Defaults to
	// shoal.JSONSerializer.
	Serializer shoal.Serializer
	// Logger receives retry events. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// Result is the outcome of one action.
type Result struct {
	Action Action
	// Op is the operation key echoed by the server ("index", ...).
	Op string
	// Status is the per-item HTTP status, or zero when the bulk
	// request itself failed.
	Status int
	// OK is true for items the server accepted.
	OK bool
	// DocumentID is the server-assigned or echoed document id.
	DocumentID string
	// ErrorInfo carries the server's error payload for failed items.
	ErrorInfo json.RawMessage
	// Err is set when the failure came from the transport rather than
	// a per-item response.
	Err error
}

// Source supplies actions to a Stream, one per call, until exhausted.
type Source func() (Action, bool)

// SliceSource adapts a slice of actions into a Source.
func SliceSource(actions []Action) Source {
	i := 0
	return func() (Action, bool) {
		if i >= len(actions) {
			return Action{}, false
		}
		a := actions[i]
		i++
		return a, true
	}
}

// Stream drives chunked bulk indexing as a pull-based iterator:
//
//	st := bulk.NewStream(ctx, transport, bulk.SliceSource(actions), cfg)
//	for st.Next() {
//		r := st.Result()
//		...
//	}
//	if err := st.Err(); err != nil {
//		...
//	}
//
// Results preserve input order within each dispatch attempt;
// rate-limited items reappear after their retry resolves.
type Stream struct {
	ctx       context.Context
	performer shoal.Performer
	cfg       Config
	chunker   *Chunker
	source    Source
	clock     internal.Clock

	buf       []Result
	cur       Result
	exhausted bool
	err       error
}

// NewStream builds a stream over the given action source. The context
// governs every bulk request and backoff sleep.
func NewStream(ctx context.Context, p shoal.Performer, source Source, cfg Config) *Stream {
	if cfg.Serializer == nil {
		cfg.Serializer = shoal.JSONSerializer{}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Stream{
		ctx:       ctx,
		performer: p,
		cfg:       cfg,
		chunker:   NewChunker(cfg.Serializer, cfg.ChunkSize, cfg.MaxChunkBytes),
		source:    source,
		clock:     internal.NewRealClock(),
	}
}

// Next advances to the next result. It returns false when the stream
// is exhausted or failed; check Err afterwards. Results already
// produced are drained before a failure is surfaced, so the caller
// sees every yielded outcome even when the stream ends in an error.
func (s *Stream) Next() bool {
	for len(s.buf) == 0 && s.err == nil && !s.exhausted {
		chunk, err := s.nextChunk()
		if err != nil {
			s.err = err
			return false
		}
		if chunk == nil {
			s.exhausted = true
			break
		}
		s.dispatch(chunk.Items)
	}
	if len(s.buf) == 0 {
		return false
	}
	s.cur = s.buf[0]
	s.buf = s.buf[1:]
	return true
}

// Result returns the result produced by the last successful Next call.
func (s *Stream) Result() Result {
	return s.cur
}

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// nextChunk pulls actions through the chunker until a chunk completes
// or the source runs dry, in which case the final partial chunk (or
// nil) is returned.
func (s *Stream) nextChunk() (*Chunk, error) {
	for {
		action, ok := s.source()
		if !ok {
			return s.chunker.Flush(), nil
		}
		if action.Index == "" {
			action.Index = s.cfg.Index
		}
		chunk, err := s.chunker.Add(action)
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			return chunk, nil
		}
	}
}

// errNoItemResult marks an action the server's items array did not
// cover.
var errNoItemResult = errors.New("bulk: response carried no result for this action")

// bulkResponse is the per-item result shape of the bulk endpoint: each
// item is a single-key object keyed by operation type.
type bulkResponse struct {
	Items []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	Status     int             `json:"status"`
	DocumentID string          `json:"_id"`
	Error      json.RawMessage `json:"error"`
}

// dispatch sends the items as one bulk request, then resubmits any
// rate-limited subset with exponential backoff until it succeeds or
// the retry budget runs out.
func (s *Stream) dispatch(items []Item) {
	var failures []Result
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(s.cfg.InitialBackoff, s.cfg.MaxBackoff, attempt)
			s.cfg.Logger.Warn().
				Int("attempt", attempt).
				Int("items", len(items)).
				Dur("backoff", delay).
				Msg("Retrying rate-limited bulk items")
			metricBulkRetriesTotal.Add(float64(len(items)))
			if !s.sleep(delay) {
				return
			}
		}

		res, err := s.send(items)
		if err != nil {
			if s.cfg.FailOnTransportError {
				s.err = err
				return
			}
			for _, item := range items {
				s.buf = append(s.buf, Result{Action: item.Action, Op: item.Action.Op, Err: err})
			}
			return
		}

		var retry []Item
		for i, item := range items {
			if i >= len(res.Items) {
				// the server reported fewer outcomes than actions sent;
				// every action still gets exactly one result
				result := Result{Action: item.Action, Op: item.Action.Op, Err: errNoItemResult}
				s.buf = append(s.buf, result)
				failures = append(failures, result)
				continue
			}
			op, info := singleKey(res.Items[i])
			result := Result{
				Action:     item.Action,
				Op:         op,
				Status:     info.Status,
				DocumentID: info.DocumentID,
				ErrorInfo:  info.Error,
			}
			switch {
			case info.Status < 300:
				result.OK = true
				if s.cfg.YieldOK {
					s.buf = append(s.buf, result)
				}
			case info.Status == http.StatusTooManyRequests && attempt < s.cfg.MaxRetries:
				retry = append(retry, item)
			default:
				s.buf = append(s.buf, result)
				failures = append(failures, result)
			}
		}

		if s.cfg.FailOnError && len(failures) > 0 {
			s.err = &IndexError{Failures: failures}
			return
		}
		if len(retry) == 0 {
			return
		}
		items = retry
	}
}

func (s *Stream) send(items []Item) (*bulkResponse, error) {
	chunk := &Chunk{Items: items}
	req := &conn.Request{
		Method: http.MethodPost,
		Path:   "/_bulk",
		Params: s.cfg.Params,
		Header: http.Header{"Content-Type": []string{"application/x-ndjson"}},
		Body:   chunk.Payload(),
	}
	res, err := s.performer.Perform(s.ctx, req)
	if err != nil {
		return nil, err
	}
	var parsed bulkResponse
	if err := s.cfg.Serializer.Loads(res.Body, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// sleep waits for the backoff delay, reporting false if the context
// was cancelled first (the cancellation becomes the stream error).
func (s *Stream) sleep(d time.Duration) bool {
	select {
	case <-s.clock.After(d):
		return true
	case <-s.ctx.Done():
		s.err = s.ctx.Err()
		return false
	}
}

// backoffDelay returns min(maxBackoff, initial * 2^(retry-1)).
func backoffDelay(initial, maxBackoff time.Duration, retry int) time.Duration {
	delay := initial << (retry - 1)
	if delay > maxBackoff || delay < initial {
		delay = maxBackoff
	}
	return delay
}

func singleKey(m map[string]bulkItem) (string, bulkItem) {
	for op, info := range m {
		return op, info
	}
	return "", bulkItem{}
}
