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
	"fmt"
	"time"
)

// AuditEventKind names the mutation an audit record captures.
type AuditEventKind string

const (
	AuditCreate     AuditEventKind = "create"
	AuditUpdate     AuditEventKind = "update"
	AuditSoftDelete AuditEventKind = "softDelete"
	AuditRestore    AuditEventKind = "restore"
)

// FieldChange is one changed field path. Before/After are recorded for scalar
// values only; large blobs are omitted.
type FieldChange struct {
	Path   string  `json:"path"`
	Before *string `json:"before,omitempty"`
	After  *string `json:"after,omitempty"`
}

// AuditRecord is the payload of a system.audit_log shard. Exactly one exists
// per (TargetShardID, Version).
type AuditRecord struct {
	TargetShardID string         `json:"targetShardId"`
	Version       int64          `json:"version"`
	Actor         string         `json:"actor"`
	EventKind     AuditEventKind `json:"eventKind"`
	Changes       []FieldChange  `json:"changes,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// MetricKind names one observation family recorded as a system.metric shard.
type MetricKind string

const (
	MetricIngestionLag    MetricKind = "ingestion_lag"
	MetricChangeMissRate  MetricKind = "change_miss_rate"
	MetricVectorHitRatio  MetricKind = "vector_hit_ratio"
	MetricConfidenceDrift MetricKind = "confidence_drift"
	MetricSyncDispatch    MetricKind = "sync_dispatch"
)

// MetricRecord is the payload of a system.metric shard.
type MetricRecord struct {
	Kind          MetricKind `json:"kind"`
	Value         float64    `json:"value"`
	Period        string     `json:"period,omitempty"`
	TenantID      string     `json:"tenantId"`
	IntegrationID string     `json:"integrationId,omitempty"`
	ObservedAt    time.Time  `json:"observedAt"`
}

// MetricShard wraps the record as a tenant-readable system.metric shard.
func MetricShard(record MetricRecord) *Shard {
	structured := map[string]interface{}{
		"kind":       string(record.Kind),
		"value":      record.Value,
		"tenantId":   record.TenantID,
		"observedAt": record.ObservedAt.Format(time.RFC3339),
	}
	if record.Period != "" {
		structured["period"] = record.Period
	}
	if record.IntegrationID != "" {
		structured["integrationId"] = record.IntegrationID
	}
	return &Shard{
		ID:             fmt.Sprintf("metric/%s/%s/%d", record.TenantID, record.Kind, record.ObservedAt.Unix()),
		TenantID:       record.TenantID,
		ShardTypeID:    ShardTypeMetric,
		Name:           string(record.Kind),
		Status:         ShardStatusActive,
		StructuredData: structured,
		ACL:            []ACLEntry{{Principal: "tenant", Permission: PermissionRead}},
	}
}
