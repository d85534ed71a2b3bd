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

// Package webhooks receives provider push deliveries. The body stays opaque
// to the host: the adapter verifies the signature and canonicalizes the
// event, and unverifiable deliveries are rejected at the edge without ever
// touching a queue.
package webhooks

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/providers/framework"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// maxBody caps accepted payloads at 1 MB.
const maxBody = 1 << 20

// defaultTenantRate bounds webhook deliveries per tenant per second.
const defaultTenantRate = 50

// Adapters resolves the verifying adapter.
type Adapters interface {
	Get(providerID string) (framework.Adapter, error)
}

// Integrations routes a delivery back to the integration owning the remote
// account.
type Integrations interface {
	ByExternalAccount(ctx context.Context, providerID, externalAccountID string) (*core.Integration, error)
}

// Publisher enqueues verified events onto ingestion-events.
type Publisher interface {
	Publish(ctx context.Context, payload interface{}) error
}

// Handler serves POST /webhooks/{provider}.
type Handler struct {
	adapters Adapters
	ints     Integrations
	events   Publisher
	clk      clock.Clock

	tenantRate rate.Limit
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
}

// Option customizes a Handler.
type Option func(*Handler)

// WithTenantRate overrides the per-tenant delivery budget.
func WithTenantRate(limit rate.Limit) Option {
	return func(h *Handler) { h.tenantRate = limit }
}

func NewHandler(adapters Adapters, ints Integrations, events Publisher, clk clock.Clock, opts ...Option) *Handler {
	h := &Handler{
		adapters:   adapters,
		ints:       ints,
		events:     events,
		clk:        clk,
		tenantRate: defaultTenantRate,
		limiters:   map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the webhook endpoint on an existing router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhooks/{provider}", h.handle)
}

// Routes mounts the webhook endpoint on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID := chi.URLParam(r, "provider")
	log := logging.FromContext(ctx).WithValues("provider", providerID)

	adapter, err := h.adapters.Get(providerID)
	if err != nil {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	event, err := adapter.VerifyWebhook(body, r.Header)
	if err != nil {
		if errors.Is(err, errors.KindSignatureInvalid) {
			log.Info("rejecting delivery with bad signature")
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
		log.Error(err, "verifying webhook")
		http.Error(w, "verification error", http.StatusInternalServerError)
		return
	}

	integration, err := h.ints.ByExternalAccount(ctx, providerID, event.ExternalAccountID)
	if err != nil {
		if errors.Is(err, errors.KindNotFound) {
			http.Error(w, "no integration for account", http.StatusNotFound)
			return
		}
		http.Error(w, "routing error", http.StatusInternalServerError)
		return
	}

	if !h.allow(integration.TenantID) {
		http.Error(w, "tenant throttled", http.StatusTooManyRequests)
		return
	}

	observed := event.ObservedAt
	if observed.IsZero() {
		observed = h.clk.Now().UTC()
	}
	ingestion := core.IngestionEvent{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		ProviderID:    providerID,
		Entity:        event.Entity,
		ExternalID:    event.ExternalID,
		ObservedAt:    observed,
		Source:        core.SourceWebhook,
		Record:        event.Record,
		Deleted:       event.Deleted,
	}
	if err := h.events.Publish(ctx, ingestion); err != nil {
		log.Error(err, "enqueueing webhook event")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// allow applies the per-tenant delivery budget.
func (h *Handler) allow(tenantID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	limiter, ok := h.limiters[tenantID]
	if !ok {
		burst := int(h.tenantRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(h.tenantRate, burst)
		h.limiters[tenantID] = limiter
	}
	return limiter.Allow()
}
