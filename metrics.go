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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for transport and pool behavior.
var (
	metricRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shoal_request_retries_total",
		Help: "Total number of request retries by cause",
	}, []string{"cause"})

	metricConnectionsDeadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shoal_connections_dead_total",
		Help: "Total number of times a connection was marked dead",
	})

	metricConnectionsResurrectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shoal_connections_resurrected_total",
		Help: "Total number of connection resurrections, by whether they were forced",
	}, []string{"forced"})

	metricSniffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shoal_sniffs_total",
		Help: "Total number of topology sniffs by trigger and outcome",
	}, []string{"trigger", "outcome"})
)

const (
	retryCauseConnection = "connection"
	retryCauseTimeout    = "timeout"
	retryCauseStatus     = "status"
)
