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

// Package autoattach links freshly created shards to the projects they
// overlap with. Attachment edges land on the project, never the shard, so a
// shard's own provenance stays untouched.
package autoattach

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/graph"
	"github.com/shardstream/shardstream/pkg/queue"
	"github.com/shardstream/shardstream/pkg/storage"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// ShardStore is the persistence surface auto-attach needs.
type ShardStore interface {
	FindByID(ctx context.Context, tenantID, id string) (*core.Shard, error)
	QueryByTenant(ctx context.Context, tenantID string, filter storage.Filter) ([]*core.Shard, error)
	UpdateRelationships(ctx context.Context, tenantID, id string, internal []core.InternalRelationship) error
}

// Invalidator drops cached project contexts whose membership changed.
type Invalidator interface {
	InvalidateShard(tenantID, shardID string)
}

// Worker consumes the shard-created fan-out.
type Worker struct {
	events   *queue.Queue
	store    ShardStore
	resolver Invalidator
	clk      clock.Clock
}

func NewWorker(events *queue.Queue, store ShardStore, resolver Invalidator, clk clock.Clock) *Worker {
	return &Worker{events: events, store: store, resolver: resolver, clk: clk}
}

func (w *Worker) Name() string { return "autoattach-worker" }

func (w *Worker) Run(ctx context.Context) error {
	return w.events.Consume(ctx, w.Name(), w.Handle)
}

// Handle evaluates one created shard against every active project in its
// tenant.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var event core.ChangeEvent
	if err := msg.Decode(&event); err != nil {
		return fmt.Errorf("decoding change event, %w", err)
	}
	// Every mutation evicts cached contexts the shard is a member of, not
	// just the kinds that can attach. Updates and soft-deletes would
	// otherwise serve stale membership until the cache TTL.
	w.resolver.InvalidateShard(event.TenantID, event.ShardID)
	if event.Kind != core.ChangeCreated && event.Kind != core.ChangeRestored {
		return nil
	}
	// Projects and system shards are never attachment candidates.
	if event.ShardType == core.ShardTypeProject || strings.HasPrefix(event.ShardType, "system.") {
		return nil
	}
	log := logging.FromContext(ctx).WithValues("shardID", event.ShardID)

	shard := event.After
	if shard == nil {
		var err error
		shard, err = w.store.FindByID(ctx, event.TenantID, event.ShardID)
		if err != nil {
			return err
		}
	}
	if shard.Status != core.ShardStatusActive {
		return nil
	}

	projects, err := w.store.QueryByTenant(ctx, event.TenantID, storage.Filter{
		ShardTypes: []string{core.ShardTypeProject},
	})
	if err != nil {
		return err
	}

	now := w.clk.Now().UTC()
	for _, project := range projects {
		if project.Status != core.ShardStatusActive || hasEdgeTo(project, shard.ID) {
			continue
		}
		signals := graph.OverlapSignals(project, shard)
		if !graph.ShouldAttach(signals) {
			continue
		}
		edges := append(project.InternalRelationships, graph.Attachment(shard, signals, now))
		if err := w.store.UpdateRelationships(ctx, event.TenantID, project.ID, edges); err != nil {
			return err
		}
		w.resolver.InvalidateShard(event.TenantID, project.ID)
		log.V(1).Info("attached shard to project",
			"projectID", project.ID, "signals", signals,
			"confidence", graph.AttachmentConfidence(signals))
	}
	return nil
}

func hasEdgeTo(project *core.Shard, shardID string) bool {
	for _, edge := range project.InternalRelationships {
		if edge.ShardID == shardID {
			return true
		}
	}
	return false
}
