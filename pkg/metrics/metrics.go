/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the engine's prometheus collectors. Operational
// counters live here; tenant-visible observations are additionally persisted
// as system.metric shards by the components that produce them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shardstream"

var (
	SyncDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dispatches_total",
		Help:      "Sync jobs dispatched, by provider and admission outcome.",
	}, []string{"provider", "outcome"})

	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "leases_reclaimed_total",
		Help:      "Expired sync-job leases reclaimed after a worker crash.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current depth per queue.",
	}, []string{"queue"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Messages moved to a dead-letter stream, by queue.",
	}, []string{"queue"})

	IngestionLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "ingestion_lag_seconds",
		Help:      "Delay between external observation and shard persistence.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	RecordsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "records_normalized_total",
		Help:      "External records normalized into shards, by provider and result.",
	}, []string{"provider", "result"})

	EnrichmentEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "enrichment_entities_total",
		Help:      "Entity shards produced by enrichment, by entity kind.",
	}, []string{"kind"})

	WritebackConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writeback",
		Name:      "conflicts_total",
		Help:      "Write-back conflicts, by resolution policy.",
	}, []string{"policy"})

	Searches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "searches_total",
		Help:      "Retrieval queries, by mode and scope.",
	}, []string{"mode", "scoped"})

	SearchScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "search_top_score",
		Help:      "Best similarity score per search.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "credentials",
		Name:      "refreshes_total",
		Help:      "Credential refresh attempts, by result.",
	}, []string{"result"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "adapter",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions, by provider and state.",
	}, []string{"provider", "state"})

	AdapterRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "adapter",
		Name:      "requests_total",
		Help:      "Adapter HTTP requests, by provider and error kind (empty on success).",
	}, []string{"provider", "error_kind"})

	BackpressurePauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "backpressure_pauses_total",
		Help:      "Tenant admissions skipped because a queue crossed its depth threshold.",
	}, []string{"tenant"})
)
