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

// Package framework defines the polymorphic adapter contract every provider
// implements, plus the shared HTTP, rate-limit, retry, and circuit-breaker
// machinery adapters consume. Adapters are stateless outside their session;
// cursors and webhook subscription ids live on the integration record.
package framework

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
)

// Session is an adapter's live connection state for one integration. Values
// carries adapter-specific data such as the resolved instance URL.
type Session struct {
	TenantID      string
	IntegrationID string
	ProviderID    string
	Credentials   core.CredentialPayload
	Values        map[string]string
}

// Record is one external record in adapter-normalized form: the external id
// and modification time are lifted out, the rest stays opaque for the
// conversion engine.
type Record struct {
	ExternalID string          `json:"externalId"`
	ModifiedAt time.Time       `json:"modifiedAt,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	Fields     json.RawMessage `json:"fields"`
}

// FetchPage is one page of an incremental pull. NextCursor restarts the pull
// from this point; Done signals the source is exhausted.
type FetchPage struct {
	Records    []Record
	NextCursor string
	Done       bool
}

// WebhookEvent is a verified, canonicalized webhook delivery.
type WebhookEvent struct {
	ExternalAccountID string
	Entity            string
	ExternalID        string
	ObservedAt        time.Time
	Deleted           bool
	Record            json.RawMessage
}

// Adapter is the capability set every provider implements. Operations beyond
// the read path may return ErrNotSupported when the provider does not declare
// the capability.
type Adapter interface {
	Provider() *core.Provider

	Connect(ctx context.Context, integration *core.Integration, creds core.CredentialPayload) (*Session, error)
	Disconnect(ctx context.Context, session *Session) error
	// TestConnection performs a cheap round-trip such as fetching user info.
	TestConnection(ctx context.Context, session *Session) error

	FetchRecords(ctx context.Context, session *Session, entity, cursor string, filters map[string]string) (FetchPage, error)

	CreateRecord(ctx context.Context, session *Session, entity string, fields map[string]interface{}) (string, error)
	UpdateRecord(ctx context.Context, session *Session, entity, externalID string, fields map[string]interface{}) error
	DeleteRecord(ctx context.Context, session *Session, entity, externalID string) error

	RegisterWebhook(ctx context.Context, session *Session, entity, callbackURL string) (string, error)
	VerifyWebhook(rawBody []byte, headers http.Header) (WebhookEvent, error)

	// Refresh exchanges expiring credentials for fresh ones (OAuth).
	Refresh(ctx context.Context, creds core.CredentialPayload) (core.CredentialPayload, error)
}

// ErrNotSupported is returned for operations outside a provider's declared
// capabilities.
var ErrNotSupported = errors.Newf(errors.KindFatal, "operation not supported by provider")

// Conflict is the cause adapters attach to a conflict rejection when the
// provider reports the remote record's current modification time. Write-back
// uses it to arbitrate last_write_wins; without it the remote side is assumed
// newer.
type Conflict struct {
	RemoteModifiedAt time.Time
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("remote record modified at %s", c.RemoteModifiedAt.Format(time.RFC3339))
}

// Registry holds the configured adapters by provider id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Provider().ID] = adapter
}

func (r *Registry) Get(providerID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[providerID]
	if !ok {
		return nil, errors.Newf(errors.KindFatal, "no adapter registered for provider %q", providerID)
	}
	return adapter, nil
}

func (r *Registry) Providers() []*core.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Provider, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Provider())
	}
	return out
}

// Key identifies the per-(tenant, provider) buckets used by rate limiters and
// circuit breakers.
func Key(tenantID, providerID string) string {
	return fmt.Sprintf("%s/%s", tenantID, providerID)
}
