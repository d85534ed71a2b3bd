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

// CredentialScope restricts who the credential acts as.
type CredentialScope string

const (
	CredentialScopeSystem CredentialScope = "system"
	CredentialScopeTenant CredentialScope = "tenant"
	CredentialScopeUser   CredentialScope = "user"
)

// CredentialStatus is the lifecycle state of a stored credential.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialExpired CredentialStatus = "expired"
	CredentialRevoked CredentialStatus = "revoked"
	CredentialError   CredentialStatus = "error"
)

// CredentialMetadata describes a stored credential. The payload itself lives in
// the secret store, encrypted; only the handle circulates.
type CredentialMetadata struct {
	Handle          string           `json:"handle"`
	TenantID        string           `json:"tenantId"`
	IntegrationID   string           `json:"integrationId"`
	ProviderID      string           `json:"providerId"`
	Scope           CredentialScope  `json:"scope"`
	Status          CredentialStatus `json:"status"`
	KeyID           string           `json:"keyId"`
	ExpiresAt       time.Time        `json:"expiresAt,omitempty"`
	LastValidatedAt time.Time        `json:"lastValidatedAt,omitempty"`
}

// CredentialPayload is the decrypted credential material handed to adapters.
// Exactly one of the groups is populated depending on the provider's AuthKind.
type CredentialPayload struct {
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenExpiry  time.Time `json:"tokenExpiry,omitempty"`

	APIKey string `json:"apiKey,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	Custom map[string]string `json:"custom,omitempty"`
}
