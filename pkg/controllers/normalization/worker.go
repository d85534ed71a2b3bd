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

// Package normalization turns raw ingestion events into canonical shards:
// conversion through the tenant's schema, upsert keyed by dedup, and an
// enrichment hand-off. Upsert idempotence makes at-least-once delivery safe.
package normalization

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/conversion"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/governance"
	"github.com/shardstream/shardstream/pkg/metrics"
	"github.com/shardstream/shardstream/pkg/providers/framework"
	"github.com/shardstream/shardstream/pkg/queue"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// concurrency bounds parallel handlers per worker instance.
const concurrency = 16

const actor = "system.normalization"

// ShardStore is the persistence surface the worker drives.
type ShardStore interface {
	Upsert(ctx context.Context, actor, dedupKey string, shard *core.Shard) (bool, error)
	ResolveExternal(ctx context.Context, tenantID, system, systemType, externalID string) (string, error)
	SoftDelete(ctx context.Context, actor, tenantID, id string) error
	HardDelete(ctx context.Context, tenantID, id string) error
}

// SchemaSource loads the conversion schema for a provider entity.
type SchemaSource interface {
	Get(ctx context.Context, tenantID, providerID, entity string) (*conversion.Schema, error)
}

// IntegrationSource loads the integration that produced an event.
type IntegrationSource interface {
	Get(ctx context.Context, id string) (*core.Integration, error)
}

// Publisher enqueues enrichment jobs.
type Publisher interface {
	Publish(ctx context.Context, payload interface{}) error
}

// Worker consumes ingestion-events.
type Worker struct {
	events     *queue.Queue
	engine     *conversion.Engine
	store      ShardStore
	schemas    SchemaSource
	ints       IntegrationSource
	enrichment Publisher
	clk        clock.Clock
}

func NewWorker(events *queue.Queue, engine *conversion.Engine, store ShardStore,
	schemas SchemaSource, ints IntegrationSource, enrichment Publisher, clk clock.Clock) *Worker {
	return &Worker{
		events:     events,
		engine:     engine,
		store:      store,
		schemas:    schemas,
		ints:       ints,
		enrichment: enrichment,
		clk:        clk,
	}
}

func (w *Worker) Name() string { return "normalization-worker" }

// Run consumes with bounded parallelism. Ordering across records is not
// needed here; the dedup-keyed upsert absorbs races on the same record.
func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", w.Name(), i)
		group.Go(func() error {
			return w.events.Consume(ctx, consumer, w.Handle)
		})
	}
	return group.Wait()
}

// Handle normalizes one ingestion event.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var event core.IngestionEvent
	if err := msg.Decode(&event); err != nil {
		return fmt.Errorf("decoding ingestion event, %w", err)
	}
	log := logging.FromContext(ctx).WithValues(
		"provider", event.ProviderID, "entity", event.Entity, "externalID", event.ExternalID)

	integration, err := w.ints.Get(ctx, event.IntegrationID)
	if err != nil {
		return err
	}
	schema, err := w.schemas.Get(ctx, event.TenantID, event.ProviderID, event.Entity)
	if err != nil {
		return err
	}

	output, err := w.engine.Convert(ctx, schema, framework.Record{
		ExternalID: event.ExternalID,
		ModifiedAt: event.ObservedAt,
		Deleted:    event.Deleted,
		Fields:     event.Record,
	})
	if err != nil {
		if errors.Is(err, errors.KindValidation) {
			// Re-delivery cannot fix a schema mismatch; count and drop.
			metrics.RecordsNormalized.WithLabelValues(event.ProviderID, "rejected").Inc()
			log.Error(err, "record rejected by schema")
			return nil
		}
		return err
	}

	if output.Deleted {
		return w.applyTombstone(ctx, schema, event)
	}

	if !integration.AllowsShardType(output.ShardType) {
		metrics.RecordsNormalized.WithLabelValues(event.ProviderID, "filtered").Inc()
		return nil
	}

	shard := w.shardFrom(integration, output)
	created, err := w.store.Upsert(ctx, actor, output.DedupKey, shard)
	if err != nil {
		return err
	}
	outcome := "updated"
	if created {
		outcome = "created"
	}
	metrics.RecordsNormalized.WithLabelValues(event.ProviderID, outcome).Inc()
	metrics.IngestionLag.Observe(w.clk.Now().UTC().Sub(event.ObservedAt).Seconds())

	return w.enrichment.Publish(ctx, core.EnrichmentJob{
		TenantID: event.TenantID,
		ShardID:  shard.ID,
	})
}

// applyTombstone runs the schema's missing-source policy for a source-side
// delete.
func (w *Worker) applyTombstone(ctx context.Context, schema *conversion.Schema, event core.IngestionEvent) error {
	if schema.OnMissing == conversion.MissingIgnore || schema.OnMissing == "" {
		metrics.RecordsNormalized.WithLabelValues(event.ProviderID, "tombstone_ignored").Inc()
		return nil
	}
	shardID, err := w.store.ResolveExternal(ctx, event.TenantID, event.ProviderID, event.Entity, event.ExternalID)
	if err != nil {
		if errors.Is(err, errors.KindNotFound) {
			// Nothing was ever materialized for this record.
			return nil
		}
		return err
	}
	switch schema.OnMissing {
	case conversion.MissingSoftDelete:
		err = w.store.SoftDelete(ctx, actor, event.TenantID, shardID)
	case conversion.MissingHardDelete:
		err = w.store.HardDelete(ctx, event.TenantID, shardID)
	}
	if err != nil {
		return err
	}
	metrics.RecordsNormalized.WithLabelValues(event.ProviderID, "tombstone_applied").Inc()
	return nil
}

func (w *Worker) shardFrom(integration *core.Integration, output *conversion.Output) *core.Shard {
	name, _ := output.Structured["name"].(string)
	text, _ := output.Structured["text"].(string)
	scope := core.CredentialScopeTenant
	if integration.UserScoped {
		scope = core.CredentialScopeUser
	}
	return &core.Shard{
		ID:                    uuid.NewString(),
		TenantID:              integration.TenantID,
		ShardTypeID:           output.ShardType,
		Name:                  name,
		StructuredData:        output.Structured,
		UnstructuredData:      text,
		Status:                core.ShardStatusActive,
		ExternalRelationships: []core.ExternalRelationship{output.ExternalRef},
		ACL:                   governance.DefaultACL(scope, integration.OwnerUserID),
	}
}
