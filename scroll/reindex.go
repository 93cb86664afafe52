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

package scroll

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalsearch/shoal"
	"github.com/shoalsearch/shoal/bulk"
)

// ReindexConfig configures Reindex.
type ReindexConfig struct {
	// SourceIndex is the index to read from.
	SourceIndex string
	// TargetIndex is the index or data stream to write into.
	TargetIndex string
	// Query optionally restricts which documents are copied.
	Query any
	// OpType is the write operation, "index" by default.
	OpType string
	// TargetDataStream marks the destination as append-only, which
	// forces the "create" operation regardless of OpType.
	TargetDataStream bool

	// ScrollSize and KeepAlive tune the read side; ChunkSize,
	// MaxChunkBytes and MaxRetries tune the write side.
	ScrollSize    int
	KeepAlive     time.Duration
	ChunkSize     int
	MaxChunkBytes int
	MaxRetries    int

	// Serializer is shared by both sides. Defaults to
	// shoal.JSONSerializer.
	Serializer shoal.Serializer
	// Logger receives progress and warning events. Defaults to a
	// no-op logger.
	Logger zerolog.Logger
}

// ReindexStats summarizes a reindex run.
type ReindexStats struct {
	Indexed  int
	Failed   int
	Failures []bulk.Result
}

// reindexHit is the slice of a search hit the reindexer rewrites.
type reindexHit struct {
	ID      string          `json:"_id"`
	Routing string          `json:"_routing"`
	Source  json.RawMessage `json:"_source"`
}

// Reindex copies every document matching the query from the source
// index into the target, streaming reads through a scroll cursor and
// writes through a bulk stream. Each hit keeps its id and routing but
// is re-targeted at the destination; an append-only destination (a
// data stream) forces the "create" operation.
func Reindex(ctx context.Context, p shoal.Performer, cfg ReindexConfig) (ReindexStats, error) {
	if cfg.Serializer == nil {
		cfg.Serializer = shoal.JSONSerializer{}
	}
	opType := cfg.OpType
	if opType == "" {
		opType = "index"
	}
	if cfg.TargetDataStream {
		opType = "create"
	}

	pager := NewPager(ctx, p, PagerConfig{
		Index:         cfg.SourceIndex,
		Query:         cfg.Query,
		Size:          cfg.ScrollSize,
		KeepAlive:     cfg.KeepAlive,
		FailOnPartial: true,
		Serializer:    cfg.Serializer,
		Logger:        cfg.Logger,
	})
	defer func() {
		if err := pager.Close(); err != nil {
			cfg.Logger.Warn().Err(err).Msg("Failed to release scroll cursor")
		}
	}()

	// An undecodable hit is recorded as a failure and skipped; it must
	// not end the stream with the rest of the result set unread.
	var undecodable []bulk.Result
	source := func() (bulk.Action, bool) {
		for pager.Next() {
			var hit reindexHit
			if err := cfg.Serializer.Loads(pager.Hit(), &hit); err != nil {
				cfg.Logger.Warn().Err(err).Msg("Skipping undecodable hit")
				undecodable = append(undecodable, bulk.Result{Err: err})
				continue
			}
			return bulk.Action{
				Op:         opType,
				Index:      cfg.TargetIndex,
				DocumentID: hit.ID,
				Routing:    hit.Routing,
				Body:       hit.Source,
			}, true
		}
		return bulk.Action{}, false
	}

	stream := bulk.NewStream(ctx, p, source, bulk.Config{
		Index:         cfg.TargetIndex,
		ChunkSize:     cfg.ChunkSize,
		MaxChunkBytes: cfg.MaxChunkBytes,
		MaxRetries:    cfg.MaxRetries,
		YieldOK:       true,
		Serializer:    cfg.Serializer,
		Logger:        cfg.Logger,
	})

	var stats ReindexStats
	for stream.Next() {
		result := stream.Result()
		if result.OK {
			stats.Indexed++
		} else {
			stats.Failed++
			stats.Failures = append(stats.Failures, result)
		}
	}
	stats.Failed += len(undecodable)
	stats.Failures = append(stats.Failures, undecodable...)
	if err := stream.Err(); err != nil {
		return stats, err
	}
	if err := pager.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}
