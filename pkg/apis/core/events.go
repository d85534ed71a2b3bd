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

package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// IngestionSource distinguishes webhook-pushed events from scheduled pulls;
// they carry different dead-letter thresholds.
type IngestionSource string

const (
	SourceWebhook   IngestionSource = "webhook"
	SourceScheduled IngestionSource = "scheduled"
)

// IngestionEvent is one raw external record on the ingestion-events queue.
// Record stays opaque until the conversion engine runs.
type IngestionEvent struct {
	TenantID      string          `json:"tenantId"`
	IntegrationID string          `json:"integrationId"`
	ProviderID    string          `json:"providerId"`
	Entity        string          `json:"entity"`
	ExternalID    string          `json:"externalId"`
	ObservedAt    time.Time       `json:"observedAt"`
	Source        IngestionSource `json:"source"`
	Record        json.RawMessage `json:"record"`
	// Deleted marks tombstone events from the source system.
	Deleted bool `json:"deleted,omitempty"`
}

// DedupKey keys idempotent consumption of duplicate deliveries.
func (e IngestionEvent) DedupKey() string {
	return fmt.Sprintf("%s/%s/%s/%s@%d", e.TenantID, e.ProviderID, e.Entity, e.ExternalID, e.ObservedAt.UnixMilli())
}

// ScheduledSync is the scheduler's dispatch message to the pull worker.
type ScheduledSync struct {
	JobID         string    `json:"jobId"`
	TenantID      string    `json:"tenantId"`
	IntegrationID string    `json:"integrationId"`
	ProviderID    string    `json:"providerId"`
	Entity        string    `json:"entity"`
	Cursor        string    `json:"cursor,omitempty"`
	DispatchedAt  time.Time `json:"dispatchedAt"`
	// Continuation marks a re-enqueue after MAX_RECORDS_PER_SYNC was hit.
	Continuation bool `json:"continuation,omitempty"`
}

// EnrichmentJob asks the enrichment worker to extract entities and recompute
// embeddings for a persisted shard. Idempotent by (ShardID, ModelVersion).
type EnrichmentJob struct {
	TenantID     string `json:"tenantId"`
	ShardID      string `json:"shardId"`
	ModelVersion string `json:"modelVersion,omitempty"`
}

// OutboundOp is the write-back operation kind.
type OutboundOp string

const (
	OutboundCreate OutboundOp = "create"
	OutboundUpdate OutboundOp = "update"
	OutboundDelete OutboundOp = "delete"
)

// OutboundChange is one local mutation to replicate to the external system.
// Messages sharing SessionKey() serialize on the sync-outbound queue.
type OutboundChange struct {
	TenantID      string     `json:"tenantId"`
	IntegrationID string     `json:"integrationId"`
	ProviderID    string     `json:"providerId"`
	Entity        string     `json:"entity"`
	ExternalID    string     `json:"externalId,omitempty"`
	ShardID       string     `json:"shardId"`
	Op            OutboundOp `json:"op"`
	// LastKnownExternalModifiedAt feeds last_write_wins comparison.
	LastKnownExternalModifiedAt time.Time `json:"lastKnownExternalModifiedAt,omitempty"`
	LocalModifiedAt             time.Time `json:"localModifiedAt"`
	SchemaVersion               int       `json:"schemaVersion"`
}

// SessionKey serializes per-record operations.
func (c OutboundChange) SessionKey() string {
	return fmt.Sprintf("%s/%s/%s", c.TenantID, c.IntegrationID, c.ExternalID)
}

// ChangeKind names a change-feed mutation.
type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeUpdated    ChangeKind = "updated"
	ChangeSoftDelete ChangeKind = "softDeleted"
	ChangeRestored   ChangeKind = "restored"
)

// ChangeEvent is one entry on the shard store's change feed. Ordered per shard
// id by Version.
type ChangeEvent struct {
	TenantID   string     `json:"tenantId"`
	ShardID    string     `json:"shardId"`
	ShardType  string     `json:"shardTypeId"`
	Kind       ChangeKind `json:"kind"`
	Version    int64      `json:"version"`
	// Actor records who wrote the change; system.* actors are pipeline
	// writes and never echo back out as outbound changes.
	Actor  string `json:"actor,omitempty"`
	Before *Shard `json:"before,omitempty"`
	After      *Shard     `json:"after,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}
