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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shoalsearch/shoal/conn"
)

// sniffPath is the node discovery endpoint. The response enumerates
// every node's HTTP publish address.
const sniffPath = "/_nodes/_all/http"

// nodesResponse is the discovery response shape. Nodes without an HTTP
// publish address (for example dedicated master nodes with HTTP
// disabled) are skipped.
type nodesResponse struct {
	Nodes map[string]struct {
		HTTP struct {
			PublishAddress string `json:"publish_address"`
		} `json:"http"`
	} `json:"nodes"`
}

// discoverNodes asks the cluster for its current topology. Candidates
// are tried in order until one answers; the caller passes live
// connections first, then dead ones, then seeds, so a healthy node is
// preferred but a fully dead pool can still recover through a seed.
func discoverNodes(ctx context.Context, candidates []conn.Conn, timeout time.Duration, ser Serializer) ([]conn.Host, error) {
	if len(candidates) == 0 {
		return nil, errors.New("shoal: no connections to sniff through")
	}
	req := &conn.Request{Method: http.MethodGet, Path: sniffPath}
	var lastErr error
	for _, c := range candidates {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := c.Perform(attemptCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if res.Status >= 300 {
			lastErr = &StatusError{Method: req.Method, Path: req.Path, Status: res.Status, Body: res.Body}
			continue
		}
		hosts, err := parseNodes(res.Body, c.Host().Scheme, ser)
		if err != nil {
			lastErr = err
			continue
		}
		return hosts, nil
	}
	return nil, fmt.Errorf("shoal: sniffing failed on all %d connections: %w", len(candidates), lastErr)
}

func parseNodes(body []byte, scheme string, ser Serializer) ([]conn.Host, error) {
	var parsed nodesResponse
	if err := ser.Loads(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Nodes) == 0 {
		return nil, errors.New("shoal: discovery response listed no nodes")
	}
	hosts := make([]conn.Host, 0, len(parsed.Nodes))
	for _, node := range parsed.Nodes {
		addr := parsePublishAddress(node.HTTP.PublishAddress)
		if addr == "" {
			continue
		}
		hosts = append(hosts, conn.Host{Scheme: scheme, Addr: addr})
	}
	if len(hosts) == 0 {
		return nil, errors.New("shoal: no node advertised an HTTP address")
	}
	return hosts, nil
}

// parsePublishAddress handles both address forms the server emits:
// "172.17.0.2:9200" and "hostname/172.17.0.2:9200". For the latter the
// hostname is preferred, keeping TLS certificate names valid.
func parsePublishAddress(addr string) string {
	if addr == "" {
		return ""
	}
	if fqdn, rest, ok := strings.Cut(addr, "/"); ok {
		host := fqdn
		if i := strings.LastIndex(rest, ":"); i >= 0 {
			return host + rest[i:]
		}
		return host
	}
	return addr
}

// rebuildConns maps a freshly discovered topology onto connections.
// Existing connections (pooled or seed) whose host is unchanged are
// reused so warm sockets and TLS sessions survive the rebuild; hosts
// with no existing connection get a new one. The second return value
// lists pooled connections dropped by the new topology, which the
// caller should close. Seed connections are never returned as dropped:
// they are the recovery path of last resort and stay open.
func rebuildConns(hosts []conn.Host, existing, seeds []conn.Conn, newConn func(conn.Host) conn.Conn) (rebuilt, dropped []conn.Conn) {
	byHost := make(map[conn.Host][]conn.Conn, len(existing))
	for _, c := range existing {
		byHost[c.Host()] = append(byHost[c.Host()], c)
	}
	for _, c := range seeds {
		byHost[c.Host()] = append(byHost[c.Host()], c)
	}

	rebuilt = make([]conn.Conn, 0, len(hosts))
	used := make(map[conn.Conn]struct{}, len(hosts))
	for _, host := range hosts {
		var reused conn.Conn
		for _, candidate := range byHost[host] {
			if _, ok := used[candidate]; !ok {
				reused = candidate
				break
			}
		}
		if reused == nil {
			reused = newConn(host)
		}
		used[reused] = struct{}{}
		rebuilt = append(rebuilt, reused)
	}

	seedSet := make(map[conn.Conn]struct{}, len(seeds))
	for _, c := range seeds {
		seedSet[c] = struct{}{}
	}
	for _, c := range existing {
		if _, usedNow := used[c]; usedNow {
			continue
		}
		if _, isSeed := seedSet[c]; isSeed {
			continue
		}
		dropped = append(dropped, c)
	}
	return rebuilt, dropped
}
