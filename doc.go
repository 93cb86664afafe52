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

// Package shoal is the resiliency core of an HTTP client for
// Elasticsearch-compatible clusters. It decides which node receives a
// request, recovers from failing nodes, and refreshes its view of the
// cluster topology.
//
// The building blocks, leaf to root:
//
//   - conn.Conn performs one HTTP exchange against one node.
//   - selector.Selector picks a connection from the live set.
//   - ConnectionPool owns the live/dead state machine: failed
//     connections go into a dead heap with an exponentially growing
//     resurrection delay, and come back once the delay has passed (or
//     early, if nothing else is live).
//   - Transport and SharedTransport orchestrate retries across nodes
//     and rediscover topology by sniffing the cluster's node endpoint.
//     Transport blocks the calling goroutine for everything;
//     SharedTransport coordinates many concurrent callers so that a
//     due sniff runs exactly once and is awaited jointly.
//
// The bulk subpackage streams high-volume writes in size-bounded
// chunks with per-item backoff retry, and the scroll subpackage drives
// cursor-based pagination over large result sets, including a
// reindexing helper composed from the two.
//
// The per-endpoint request shaping (paths, query parameters, body
// construction) is deliberately outside this module: callers hand the
// transport an already shaped conn.Request and receive a buffered
// response or a typed error.
package shoal
