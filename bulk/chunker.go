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

// Package bulk streams high-volume write actions to the cluster. A
// Chunker groups serialized actions into size-bounded batches, and a
// Stream dispatches those batches, retrying rate-limited items with
// exponential backoff.
package bulk

import (
	"bytes"

	"github.com/shoalsearch/shoal"
)

// Default chunking bounds.
const (
	DefaultChunkSize     = 500
	DefaultMaxChunkBytes = 100 * 1024 * 1024
)

// Action is one write operation destined for the bulk endpoint.
type Action struct {
	// Op is the operation type: "index", "create", "update" or
	// "delete".
	Op string
	// Index is the target index or data stream.
	Index string
	// DocumentID is the target document. Empty lets the server assign
	// one (for "index" and "create").
	DocumentID string
	// Routing optionally overrides the routing key.
	Routing string
	// Body is the document source ("index"/"create"), the update
	// payload ("update"), or nil ("delete"). It may be any
	// serializable value, including pre-serialized []byte or
	// json.RawMessage.
	Body any
}

// header builds the action's metadata line.
func (a Action) header() map[string]map[string]any {
	meta := map[string]any{}
	if a.Index != "" {
		meta["_index"] = a.Index
	}
	if a.DocumentID != "" {
		meta["_id"] = a.DocumentID
	}
	if a.Routing != "" {
		meta["routing"] = a.Routing
	}
	return map[string]map[string]any{a.Op: meta}
}

// Item is one serialized action inside a chunk.
type Item struct {
	Action Action
	header []byte
	body   []byte
}

func (i Item) size() int {
	// header line + newline, plus body line + newline when present
	n := len(i.header) + 1
	if i.body != nil {
		n += len(i.body) + 1
	}
	return n
}

// Chunk is a bounded batch of serialized actions dispatched as one
// bulk request.
type Chunk struct {
	Items []Item
	Bytes int
}

// Payload renders the chunk as a newline-delimited bulk body.
func (c *Chunk) Payload() []byte {
	var buf bytes.Buffer
	buf.Grow(c.Bytes)
	for _, item := range c.Items {
		buf.Write(item.header)
		buf.WriteByte('\n')
		if item.body != nil {
			buf.Write(item.body)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// Chunker accumulates actions into chunks bounded by an action count
// and a serialized byte size. It is a pure accumulator: it never drops
// or reorders an action, and an action that alone exceeds the byte
// bound is still emitted, in a chunk of its own.
//
// Chunker is not safe for concurrent use.
type Chunker struct {
	serializer shoal.Serializer
	chunkSize  int
	maxBytes   int

	pending      []Item
	pendingBytes int
}

// NewChunker returns a chunker with the given bounds. Zero or negative
// bounds fall back to DefaultChunkSize and DefaultMaxChunkBytes.
func NewChunker(serializer shoal.Serializer, chunkSize, maxBytes int) *Chunker {
	if serializer == nil {
		serializer = shoal.JSONSerializer{}
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}
	return &Chunker{
		serializer: serializer,
		chunkSize:  chunkSize,
		maxBytes:   maxBytes,
	}
}

// Add serializes the action and appends it to the pending chunk. If
// the pending chunk is non-empty and adding the action would exceed
// either bound, the pending chunk is emitted first and the action
// starts the next one. Returns nil when no chunk was completed.
func (c *Chunker) Add(a Action) (*Chunk, error) {
	item, err := c.serialize(a)
	if err != nil {
		return nil, err
	}

	var done *Chunk
	if len(c.pending) > 0 &&
		(c.pendingBytes+item.size() > c.maxBytes || len(c.pending)+1 > c.chunkSize) {
		done = c.emit()
	}
	c.pending = append(c.pending, item)
	c.pendingBytes += item.size()
	return done, nil
}

// Flush emits the pending partial chunk, or nil if nothing is pending.
func (c *Chunker) Flush() *Chunk {
	if len(c.pending) == 0 {
		return nil
	}
	return c.emit()
}

func (c *Chunker) emit() *Chunk {
	chunk := &Chunk{Items: c.pending, Bytes: c.pendingBytes}
	c.pending = nil
	c.pendingBytes = 0
	return chunk
}

func (c *Chunker) serialize(a Action) (Item, error) {
	header, err := c.serializer.Dumps(a.header())
	if err != nil {
		return Item{}, err
	}
	item := Item{Action: a, header: header}
	if a.Body != nil {
		body, err := c.serializer.Dumps(a.Body)
		if err != nil {
			return Item{}, err
		}
		item.body = body
	}
	return item, nil
}
