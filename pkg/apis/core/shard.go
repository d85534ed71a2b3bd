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

// Package core defines the canonical record model shared by every component:
// shards, relationships, providers, integrations, sync jobs, and the payloads
// exchanged over the pipeline queues.
package core

import (
	"fmt"
	"time"
)

// ShardStatus is the lifecycle state of a shard. Deleted shards are soft-deleted:
// hidden from queries but addressable by id until their TTL purge.
type ShardStatus string

const (
	ShardStatusActive   ShardStatus = "active"
	ShardStatusArchived ShardStatus = "archived"
	ShardStatusDeleted  ShardStatus = "deleted"
)

// Well-known shard types. Tenant-specific types share the "c_" prefix.
const (
	ShardTypeProject      = "c_project"
	ShardTypeOpportunity  = "c_opportunity"
	ShardTypeAccount      = "c_account"
	ShardTypeContact      = "c_contact"
	ShardTypeOrganization = "c_organization"
	ShardTypeLocation     = "c_location"
	ShardTypeDate         = "c_date"
	ShardTypeDocument     = "c_document"
	ShardTypeMessage      = "c_message"
	ShardTypeInsightKPI   = "c_insight_kpi"
	ShardTypeConflict     = "system.sync_conflict"
	ShardTypeAuditLog     = "system.audit_log"
	ShardTypeMetric       = "system.metric"
)

// RelationshipKind classifies a directed edge between two shards of the same tenant.
type RelationshipKind string

const (
	RelationshipReferences  RelationshipKind = "references"
	RelationshipDerivedFrom RelationshipKind = "derivedFrom"
	RelationshipMentions    RelationshipKind = "mentions"
	RelationshipPartOf      RelationshipKind = "partOf"
	RelationshipProvenance  RelationshipKind = "provenance"
)

// RelationshipMetadata carries the trust annotations used by the project
// resolver when gating traversal.
type RelationshipMetadata struct {
	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`
	// Source names the producer of the edge: crm, messaging, llm, manual, auto.
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// InternalRelationship is a directed edge to another shard within the tenant.
type InternalRelationship struct {
	ShardID     string               `json:"shardId"`
	ShardTypeID string               `json:"shardTypeId"`
	Kind        RelationshipKind     `json:"kind"`
	Metadata    RelationshipMetadata `json:"metadata"`
}

// ExternalSyncStatus tracks the replication state of an external binding.
type ExternalSyncStatus string

const (
	ExternalSynced  ExternalSyncStatus = "synced"
	ExternalPending ExternalSyncStatus = "pending"
	ExternalError   ExternalSyncStatus = "error"
)

// ExternalRelationship binds a shard to one record in an external system.
// (tenantId, system, systemType, externalId) is unique across the store.
type ExternalRelationship struct {
	System        string             `json:"system"`
	SystemType    string             `json:"systemType"`
	ExternalID    string             `json:"externalId"`
	LastSyncedAt  time.Time          `json:"lastSyncedAt,omitempty"`
	SyncStatus    ExternalSyncStatus `json:"syncStatus"`
	SyncDirection SyncDirection      `json:"syncDirection,omitempty"`
}

// Permission is the access level granted by an ACL entry.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// ACLEntry grants a principal (user id, group id, or "tenant") a permission.
type ACLEntry struct {
	Principal  string     `json:"principal"`
	Permission Permission `json:"permission"`
}

// Vector is one embedding computed over the shard's content.
type Vector struct {
	Embedding   []float32 `json:"embedding"`
	Model       string    `json:"model"`
	Dimensions  int       `json:"dimensions"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Validate checks the dimensions invariant.
func (v Vector) Validate() error {
	if v.Dimensions != len(v.Embedding) {
		return fmt.Errorf("vector dimensions %d do not match embedding length %d", v.Dimensions, len(v.Embedding))
	}
	return nil
}

// Redaction records one field path replaced at write time.
type Redaction struct {
	Path          string    `json:"path"`
	PolicyVersion int       `json:"policyVersion"`
	RedactedAt    time.Time `json:"redactedAt"`
}

// ShardMetadata is bookkeeping attached to every shard.
type ShardMetadata struct {
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	CreatedBy     string      `json:"createdBy,omitempty"`
	UpdatedBy     string      `json:"updatedBy,omitempty"`
	SchemaVersion int         `json:"schemaVersion,omitempty"`
	Redactions    []Redaction `json:"redactions,omitempty"`
	// Version increments on every mutation and keys the audit trail.
	Version int64 `json:"version"`
	// PurgeAt is set on soft delete; the row is reclaimable until then.
	PurgeAt *time.Time `json:"purgeAt,omitempty"`
}

// Shard is the canonical persisted record. TenantID is the partition key and
// never changes after creation.
type Shard struct {
	ID                    string                 `json:"id"`
	TenantID              string                 `json:"tenantId"`
	ShardTypeID           string                 `json:"shardTypeId"`
	Name                  string                 `json:"name"`
	StructuredData        map[string]interface{} `json:"structuredData,omitempty"`
	UnstructuredData      string                 `json:"unstructuredData,omitempty"`
	Status                ShardStatus            `json:"status"`
	Metadata              ShardMetadata          `json:"metadata"`
	Vectors               []Vector               `json:"vectors,omitempty"`
	InternalRelationships []InternalRelationship `json:"internalRelationships,omitempty"`
	ExternalRelationships []ExternalRelationship `json:"externalRelationships,omitempty"`
	ACL                   []ACLEntry             `json:"acl,omitempty"`
}

// HasProvenance reports whether the shard links to at least one source shard.
func (s *Shard) HasProvenance() bool {
	for _, rel := range s.InternalRelationships {
		if rel.Kind == RelationshipProvenance {
			return true
		}
	}
	return false
}

// PermittedFor reports whether the principal holds at least the requested
// permission. Write implies read; admin implies both.
func (s *Shard) PermittedFor(principal string, perm Permission) bool {
	rank := map[Permission]int{PermissionRead: 0, PermissionWrite: 1, PermissionAdmin: 2}
	for _, entry := range s.ACL {
		if entry.Principal != principal && entry.Principal != "tenant" {
			continue
		}
		if rank[entry.Permission] >= rank[perm] {
			return true
		}
	}
	return false
}
