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
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IndexError aggregates the items of a bulk dispatch that the server
// rejected. Each failure carries the action, operation type, status,
// and the server's error payload, enough context to retry items
// individually.
type IndexError struct {
	Failures []Result
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("bulk: %d document(s) failed to index", len(e.Failures))
}

var metricBulkRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "shoal_bulk_item_retries_total",
	Help: "Total number of rate-limited bulk items resubmitted",
})
