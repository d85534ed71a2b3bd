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
	"time"

	"github.com/samber/lo"
)

// ProviderCategory groups providers by the kind of system they integrate.
type ProviderCategory string

const (
	CategoryCRM       ProviderCategory = "crm"
	CategoryMessaging ProviderCategory = "messaging"
	CategoryStorage   ProviderCategory = "storage"
	CategoryCatalog   ProviderCategory = "catalog"
)

// Capability is one operation a provider declares support for.
type Capability string

const (
	CapabilityRead        Capability = "read"
	CapabilityWrite       Capability = "write"
	CapabilityDelete      Capability = "delete"
	CapabilitySearch      Capability = "search"
	CapabilityRealtime    Capability = "realtime"
	CapabilityBulk        Capability = "bulk"
	CapabilityAttachments Capability = "attachments"
)

// SyncDirection declares which way records flow for an entity.
type SyncDirection string

const (
	SyncPull          SyncDirection = "pull"
	SyncPush          SyncDirection = "push"
	SyncBidirectional SyncDirection = "bidirectional"
)

// AuthKind is the credential shape a provider expects.
type AuthKind string

const (
	AuthOAuth2 AuthKind = "oauth2"
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
	AuthCustom AuthKind = "custom"
)

// ProviderStatus is admin-controlled; providers are soft-disabled, never deleted
// while in use.
type ProviderStatus string

const (
	ProviderActive     ProviderStatus = "active"
	ProviderBeta       ProviderStatus = "beta"
	ProviderDeprecated ProviderStatus = "deprecated"
	ProviderDisabled   ProviderStatus = "disabled"
)

// ProviderAudience restricts who may enable a provider.
type ProviderAudience string

const (
	AudienceSystem ProviderAudience = "system"
	AudienceTenant ProviderAudience = "tenant"
)

// OAuthEndpoints holds the provider's authorization and token endpoints.
type OAuthEndpoints struct {
	AuthURL  string   `json:"authUrl,omitempty"`
	TokenURL string   `json:"tokenUrl,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// RateLimit is the declared per-provider quota floor.
type RateLimit struct {
	RequestsPerSecond float64       `json:"requestsPerSecond"`
	MinSyncInterval   time.Duration `json:"minSyncInterval"`
}

// Provider is a catalog entry describing an external system.
type Provider struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Category       ProviderCategory `json:"category"`
	Capabilities   []Capability     `json:"capabilities"`
	SyncDirections []SyncDirection  `json:"syncDirections"`
	AuthKind       AuthKind         `json:"authKind"`
	OAuth          OAuthEndpoints   `json:"oauth,omitempty"`
	Entities       []string         `json:"entities"`
	Status         ProviderStatus   `json:"status"`
	Audience       ProviderAudience `json:"audience"`
	RateLimit      RateLimit        `json:"rateLimit"`
	// WebhookSecret verifies inbound webhook signatures for this provider.
	WebhookSecret string `json:"-"`
}

// Supports reports whether the provider declares the capability.
func (p *Provider) Supports(cap Capability) bool {
	return lo.Contains(p.Capabilities, cap)
}

// SourceTrust is the baseline confidence assigned to relationships derived from
// this provider's records.
func (p *Provider) SourceTrust() float64 {
	switch p.Category {
	case CategoryCRM:
		return 0.9
	case CategoryMessaging:
		return 0.5
	default:
		return 0.6
	}
}
