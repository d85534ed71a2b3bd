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

import "time"

// ConnectionStatus reflects the health of an integration's credential.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionExpired  ConnectionStatus = "expired"
	ConnectionError    ConnectionStatus = "error"
	ConnectionDisabled ConnectionStatus = "disabled"
)

// FrequencyKind selects how nextRunAt is computed for a sync job.
type FrequencyKind string

const (
	FrequencyInterval FrequencyKind = "interval"
	FrequencyCron     FrequencyKind = "cron"
	FrequencyManual   FrequencyKind = "manual"
)

// FrequencySpec describes the schedule of an integration entity.
type FrequencySpec struct {
	Kind FrequencyKind `json:"kind"`
	// IntervalMinutes applies when Kind is interval.
	IntervalMinutes int `json:"intervalMinutes,omitempty"`
	// CronExpr and Timezone apply when Kind is cron. The expression is
	// evaluated in the tenant-declared timezone.
	CronExpr string `json:"cronExpr,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ConflictPolicy selects write-back conflict resolution.
type ConflictPolicy string

const (
	ConflictLastWriteWins ConflictPolicy = "last_write_wins"
	ConflictExternalWins  ConflictPolicy = "external_wins"
	ConflictInternalWins  ConflictPolicy = "internal_wins"
	ConflictManual        ConflictPolicy = "manual"
)

// EntityMapping binds one external entity to the conversion schema used to
// normalize it.
type EntityMapping struct {
	Entity   string `json:"entity"`
	SchemaID string `json:"schemaId"`
}

// SyncConfig is the per-integration sync configuration.
type SyncConfig struct {
	Direction      SyncDirection     `json:"direction"`
	Frequency      FrequencySpec     `json:"frequency"`
	EntityMappings []EntityMapping   `json:"entityMappings"`
	Filters        map[string]string `json:"filters,omitempty"`
	ConflictPolicy ConflictPolicy    `json:"conflictPolicy,omitempty"`
}

// Integration is a tenant's configured use of a provider. All persistent
// adapter state (cursors, webhook subscription ids) lives here; adapters
// themselves are stateless outside their session.
type Integration struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	ProviderID string `json:"providerId"`
	// Label is unique per (tenantId, providerId, label).
	Label            string `json:"label"`
	CredentialHandle string `json:"credentialHandle"`
	// AllowedShardTypes: nil means all supported types, empty means none.
	AllowedShardTypes *[]string        `json:"allowedShardTypes,omitempty"`
	SearchEnabled     bool             `json:"searchEnabled"`
	UserScoped        bool             `json:"userScoped"`
	OwnerUserID       string           `json:"ownerUserId,omitempty"`
	Sync              SyncConfig       `json:"sync"`
	ConnectionStatus  ConnectionStatus `json:"connectionStatus"`
	// ExternalAccountID identifies the remote account so webhook events can be
	// routed back to this integration.
	ExternalAccountID string `json:"externalAccountId,omitempty"`
	// Cursors holds the last persisted pull cursor per entity.
	Cursors map[string]string `json:"cursors,omitempty"`
	// WebhookSubscriptions holds registered subscription ids per entity.
	WebhookSubscriptions map[string]string `json:"webhookSubscriptions,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// SchemaFor returns the conversion schema id configured for the entity.
func (i *Integration) SchemaFor(entity string) (string, bool) {
	for _, m := range i.Sync.EntityMappings {
		if m.Entity == entity {
			return m.SchemaID, true
		}
	}
	return "", false
}

// AllowsShardType applies the nil-vs-empty semantics of AllowedShardTypes.
func (i *Integration) AllowsShardType(shardType string) bool {
	if i.AllowedShardTypes == nil {
		return true
	}
	for _, t := range *i.AllowedShardTypes {
		if t == shardType {
			return true
		}
	}
	return false
}
