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

// Package scroll drives cursor-based pagination over large result
// sets. A Pager pulls successive pages through a server-held scroll
// cursor and releases the cursor when done; Reindex composes a Pager
// with a bulk stream to copy documents between indices.
package scroll

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalsearch/shoal"
	"github.com/shoalsearch/shoal/conn"
)

// DefaultKeepAlive is how long the server keeps the cursor alive
// between page fetches.
const DefaultKeepAlive = 5 * time.Minute

// PartialError reports a page served by only part of the index's
// shards: the documents of the missing shards are silently absent from
// the result set.
type PartialError struct {
	Successful int
	Skipped    int
	Total      int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("scroll: only %d (+%d skipped) of %d shards responded", e.Successful, e.Skipped, e.Total)
}

// PagerConfig configures a Pager.
type PagerConfig struct {
	// Index is the index (or comma-separated indices) to search.
	Index string
	// Query is the search request body. Nil means match_all with the
	// server's defaults.
	Query any
	// Size is the per-page hit count. Zero uses the server default.
	Size int
	// KeepAlive is the cursor's keep-alive window, refreshed on every
	// fetch. Defaults to DefaultKeepAlive.
	KeepAlive time.Duration
	// FailOnPartial terminates the pager with a *PartialError when a
	// page lacks full shard coverage. When unset, partial pages are
	// logged and paging continues.
	FailOnPartial bool
	// PreserveCursor leaves the cursor alive on Close, for callers
	// that hand it off elsewhere.
	PreserveCursor bool

	// Serializer encodes the query and decodes pages. Defaults to
	// shoal.JSONSerializer.
	Serializer shoal.Serializer
	// Logger receives partial-page warnings. Defaults to a no-op
	// logger.
	Logger zerolog.Logger
}

// searchResponse is the subset of a search/scroll page the pager
// consumes.
type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Shards   struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Skipped    int `json:"skipped"`
	} `json:"_shards"`
	Hits struct {
		Total json.RawMessage   `json:"total"`
		Hits  []json.RawMessage `json:"hits"`
	} `json:"hits"`
}

// Pager iterates over every hit of a query, fetching pages through a
// scroll cursor as needed:
//
//	pager := scroll.NewPager(ctx, transport, cfg)
//	defer pager.Close()
//	for pager.Next() {
//		hit := pager.Hit()
//		...
//	}
//	if err := pager.Err(); err != nil {
//		...
//	}
//
// Close releases the server-side cursor and must be called on every
// exit path, including early termination and errors.
type Pager struct {
	ctx       context.Context
	performer shoal.Performer
	cfg       PagerConfig

	scrollID string
	total    json.RawMessage
	started  bool
	done     bool
	page     []json.RawMessage
	cur      json.RawMessage
	err      error
	closed   bool
}

// NewPager builds a pager. No request is sent until the first Next
// call.
func NewPager(ctx context.Context, p shoal.Performer, cfg PagerConfig) *Pager {
	if cfg.Serializer == nil {
		cfg.Serializer = shoal.JSONSerializer{}
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	return &Pager{ctx: ctx, performer: p, cfg: cfg}
}

// Next advances to the next hit, fetching the next page when the
// current one is exhausted. It returns false at the end of the result
// set or on error; check Err afterwards.
func (p *Pager) Next() bool {
	if p.err != nil || p.closed {
		return false
	}
	for len(p.page) == 0 {
		if p.done {
			return false
		}
		if !p.fetch() {
			return false
		}
	}
	p.cur = p.page[0]
	p.page = p.page[1:]
	return true
}

// Hit returns the raw hit produced by the last successful Next call.
func (p *Pager) Hit() json.RawMessage {
	return p.cur
}

// Err returns the error that terminated paging, if any. Cursor release
// failures in Close never appear here.
func (p *Pager) Err() error {
	return p.err
}

// Total returns the raw hits.total payload of the initial page, or nil
// before the first fetch. It is left raw because its shape differs
// between server versions (a bare number or a value/relation object).
func (p *Pager) Total() json.RawMessage {
	return p.total
}

// Close releases the scroll cursor unless PreserveCursor is set. It is
// idempotent and safe to defer alongside error returns: a release
// failure is reported by Close itself and never masks the pager error.
func (p *Pager) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.scrollID == "" || p.cfg.PreserveCursor {
		return nil
	}
	body, err := p.cfg.Serializer.Dumps(map[string]any{"scroll_id": []string{p.scrollID}})
	if err != nil {
		return err
	}
	_, err = p.performer.Perform(p.ctx, &conn.Request{
		Method: http.MethodDelete,
		Path:   "/_search/scroll",
		Body:   body,
		// the cursor may have expired on its own
		IgnoreStatus: []int{http.StatusNotFound},
	})
	return err
}

// fetch retrieves the next page. It returns false when paging should
// stop, either from an error or an empty page.
func (p *Pager) fetch() bool {
	var res searchResponse
	var err error
	if !p.started {
		p.started = true
		err = p.search(&res)
	} else {
		err = p.continueScroll(&res)
	}
	if err != nil {
		p.err = err
		return false
	}

	p.scrollID = res.ScrollID
	if p.total == nil {
		p.total = res.Hits.Total
	}
	if !p.shardsOK(&res) {
		return false
	}
	p.page = res.Hits.Hits
	if len(res.Hits.Hits) == 0 || res.ScrollID == "" {
		p.done = true
	}
	return len(p.page) > 0
}

func (p *Pager) search(res *searchResponse) error {
	params := url.Values{"scroll": []string{keepAliveParam(p.cfg.KeepAlive)}}
	if p.cfg.Size > 0 {
		params.Set("size", fmt.Sprintf("%d", p.cfg.Size))
	}
	var body []byte
	if p.cfg.Query != nil {
		var err error
		body, err = p.cfg.Serializer.Dumps(p.cfg.Query)
		if err != nil {
			return err
		}
	}
	path := "/_search"
	if p.cfg.Index != "" {
		path = "/" + p.cfg.Index + "/_search"
	}
	return p.perform(&conn.Request{
		Method: http.MethodPost,
		Path:   path,
		Params: params,
		Body:   body,
	}, res)
}

func (p *Pager) continueScroll(res *searchResponse) error {
	body, err := p.cfg.Serializer.Dumps(map[string]any{
		"scroll":    keepAliveParam(p.cfg.KeepAlive),
		"scroll_id": p.scrollID,
	})
	if err != nil {
		return err
	}
	return p.perform(&conn.Request{
		Method: http.MethodPost,
		Path:   "/_search/scroll",
		Body:   body,
	}, res)
}

func (p *Pager) perform(req *conn.Request, res *searchResponse) error {
	httpRes, err := p.performer.Perform(p.ctx, req)
	if err != nil {
		return err
	}
	return p.cfg.Serializer.Loads(httpRes.Body, res)
}

// shardsOK verifies full shard coverage of the page. Skipped shards
// count as covered: the server skipped them because the query cannot
// match there.
func (p *Pager) shardsOK(res *searchResponse) bool {
	shards := res.Shards
	if shards.Total == 0 || shards.Successful+shards.Skipped >= shards.Total {
		return true
	}
	if p.cfg.FailOnPartial {
		p.err = &PartialError{Successful: shards.Successful, Skipped: shards.Skipped, Total: shards.Total}
		return false
	}
	p.cfg.Logger.Warn().
		Int("successful", shards.Successful).
		Int("skipped", shards.Skipped).
		Int("total", shards.Total).
		Msg("Scroll page has incomplete shard coverage")
	return true
}

func keepAliveParam(d time.Duration) string {
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
