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

// Package enrichment links persisted shards to shared entity shards and
// keeps their embeddings current. Runs are idempotent per (shard, embedding
// model): a shard whose vector is newer than its last mutation is skipped.
package enrichment

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/extractor"
	"github.com/shardstream/shardstream/pkg/metrics"
	"github.com/shardstream/shardstream/pkg/queue"
	"github.com/shardstream/shardstream/pkg/retrieval"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

const actor = "system.enrichment"

// ShardStore is the persistence surface enrichment needs.
type ShardStore interface {
	FindByID(ctx context.Context, tenantID, id string) (*core.Shard, error)
	Upsert(ctx context.Context, actor, dedupKey string, shard *core.Shard) (bool, error)
	UpdateRelationships(ctx context.Context, tenantID, id string, internal []core.InternalRelationship) error
	UpdateVectors(ctx context.Context, tenantID, id string, vectors []core.Vector) error
}

// ProviderSource supplies the source-trust baseline for extracted edges.
type ProviderSource interface {
	Get(ctx context.Context, id string) (*core.Provider, error)
}

// Worker consumes enrichment-jobs.
type Worker struct {
	jobs      *queue.Queue
	store     ShardStore
	extract   extractor.Extractor
	embedder  retrieval.Embedder
	providers ProviderSource
	clk       clock.Clock
}

func NewWorker(jobs *queue.Queue, store ShardStore, extract extractor.Extractor,
	embedder retrieval.Embedder, providers ProviderSource, clk clock.Clock) *Worker {
	return &Worker{
		jobs:      jobs,
		store:     store,
		extract:   extract,
		embedder:  embedder,
		providers: providers,
		clk:       clk,
	}
}

func (w *Worker) Name() string { return "enrichment-worker" }

func (w *Worker) Run(ctx context.Context) error {
	return w.jobs.Consume(ctx, w.Name(), w.Handle)
}

// Handle enriches one shard: entity extraction, edge maintenance, embedding.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var job core.EnrichmentJob
	if err := msg.Decode(&job); err != nil {
		return fmt.Errorf("decoding enrichment job, %w", err)
	}
	log := logging.FromContext(ctx).WithValues("shardID", job.ShardID)

	shard, err := w.store.FindByID(ctx, job.TenantID, job.ShardID)
	if err != nil {
		return err
	}
	if w.alreadyEnriched(shard) {
		log.V(1).Info("embedding already current, skipping")
		return nil
	}

	trust, source := w.sourceTrust(ctx, shard)
	edges := shard.InternalRelationships

	if shard.UnstructuredData != "" {
		entities, err := w.extract.Extract(ctx, shard.UnstructuredData)
		if err != nil {
			return err
		}
		for _, entity := range entities {
			entityShard, err := w.upsertEntity(ctx, job.TenantID, entity)
			if err != nil {
				return err
			}
			metrics.EnrichmentEntities.WithLabelValues(string(entity.Kind)).Inc()

			confidence := entity.Confidence
			if trust < confidence {
				confidence = trust
			}
			edges = appendEdge(edges, core.InternalRelationship{
				ShardID:     entityShard.ID,
				ShardTypeID: entityShard.ShardTypeID,
				Kind:        core.RelationshipMentions,
				Metadata: core.RelationshipMetadata{
					Confidence: confidence,
					Source:     source,
					CreatedAt:  w.clk.Now().UTC(),
				},
			})
		}
		if len(edges) != len(shard.InternalRelationships) {
			if err := w.store.UpdateRelationships(ctx, job.TenantID, job.ShardID, edges); err != nil {
				return err
			}
		}
	}

	return w.refreshEmbedding(ctx, job.TenantID, shard)
}

// alreadyEnriched reports whether the current model's vector postdates the
// shard's last mutation.
func (w *Worker) alreadyEnriched(shard *core.Shard) bool {
	for _, vector := range shard.Vectors {
		if vector.Model == w.embedder.Model() && !vector.GeneratedAt.Before(shard.Metadata.UpdatedAt) {
			return true
		}
	}
	return false
}

// sourceTrust maps the shard's originating provider category to the edge
// confidence ceiling. Shards without an external origin count as derived.
func (w *Worker) sourceTrust(ctx context.Context, shard *core.Shard) (float64, string) {
	if len(shard.ExternalRelationships) == 0 {
		return 0.6, "llm"
	}
	provider, err := w.providers.Get(ctx, shard.ExternalRelationships[0].System)
	if err != nil {
		return 0.6, "llm"
	}
	return provider.SourceTrust(), string(provider.Category)
}

func (w *Worker) upsertEntity(ctx context.Context, tenantID string, entity extractor.Entity) (*core.Shard, error) {
	key := extractor.StableKey(entity)
	structured := map[string]interface{}{"key": key}
	for name, value := range entity.Attributes {
		structured[name] = value
	}
	shard := &core.Shard{
		ID:             entityShardID(tenantID, entity.Kind, key),
		TenantID:       tenantID,
		ShardTypeID:    extractor.ShardType(entity.Kind),
		Name:           entity.Name,
		StructuredData: structured,
		Status:         core.ShardStatusActive,
		ACL:            []core.ACLEntry{{Principal: "tenant", Permission: core.PermissionWrite}},
	}
	dedupKey := fmt.Sprintf("%s/entity/%s/%s", tenantID, entity.Kind, key)
	if _, err := w.store.Upsert(ctx, actor, dedupKey, shard); err != nil {
		return nil, err
	}
	return shard, nil
}

func (w *Worker) refreshEmbedding(ctx context.Context, tenantID string, shard *core.Shard) error {
	text := embeddingText(shard)
	if text == "" {
		return nil
	}
	embedding, err := w.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	return w.store.UpdateVectors(ctx, tenantID, shard.ID, []core.Vector{{
		Embedding:   embedding,
		Model:       w.embedder.Model(),
		Dimensions:  len(embedding),
		GeneratedAt: w.clk.Now().UTC(),
	}})
}

// entityShardID is deterministic so concurrent extractions of the same
// real-world entity converge on one shard.
func entityShardID(tenantID string, kind extractor.Kind, key string) string {
	return fmt.Sprintf("entity/%s/%s/%s", tenantID, kind, strings.ReplaceAll(key, " ", "-"))
}

func embeddingText(shard *core.Shard) string {
	parts := make([]string, 0, 2)
	if shard.Name != "" {
		parts = append(parts, shard.Name)
	}
	if shard.UnstructuredData != "" {
		parts = append(parts, shard.UnstructuredData)
	}
	return strings.Join(parts, "\n")
}

// appendEdge adds the edge unless one to the same target already exists.
func appendEdge(edges []core.InternalRelationship, edge core.InternalRelationship) []core.InternalRelationship {
	for _, existing := range edges {
		if existing.ShardID == edge.ShardID && existing.Kind == edge.Kind {
			return edges
		}
	}
	return append(edges, edge)
}
