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

// Package insight recomputes KPI shards when CRM shards change. KPI shards
// have deterministic ids, so every recomputation supersedes the previous
// version instead of accumulating rows; a nightly batch closes missed-event
// gaps.
package insight

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/insights"
	"github.com/shardstream/shardstream/pkg/queue"
	"github.com/shardstream/shardstream/pkg/storage"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

const actor = "system.insights"

// Config bounds the batch recomputation.
type Config struct {
	RecomputeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = 24 * time.Hour
	}
	return c
}

// ShardStore is the persistence surface insight computation needs.
type ShardStore interface {
	QueryByTenant(ctx context.Context, tenantID string, filter storage.Filter) ([]*core.Shard, error)
	Upsert(ctx context.Context, actor, dedupKey string, shard *core.Shard) (bool, error)
}

// TenantSource enumerates tenants for the batch pass.
type TenantSource interface {
	Tenants(ctx context.Context) ([]string, error)
}

// Worker consumes the change-feed fan-out and runs the nightly batch.
type Worker struct {
	events  *queue.Queue
	store   ShardStore
	tenants TenantSource
	config  Config
	clk     clock.WithTicker
}

func NewWorker(events *queue.Queue, store ShardStore, tenants TenantSource,
	config Config, clk clock.WithTicker) *Worker {
	return &Worker{
		events:  events,
		store:   store,
		tenants: tenants,
		config:  config.withDefaults(),
		clk:     clk,
	}
}

func (w *Worker) Name() string { return "insight-worker" }

func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.events.Consume(ctx, w.Name(), w.Handle)
	})
	group.Go(func() error {
		return w.runBatch(ctx)
	})
	return group.Wait()
}

func (w *Worker) runBatch(ctx context.Context) error {
	ticker := w.clk.NewTicker(w.config.RecomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := w.RecomputeAll(ctx); err != nil {
				logging.FromContext(ctx).Error(err, "batch KPI recomputation")
			}
		}
	}
}

// Handle recomputes the tenant's KPIs after any CRM shard mutation.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var event core.ChangeEvent
	if err := msg.Decode(&event); err != nil {
		return fmt.Errorf("decoding change event, %w", err)
	}
	if event.ShardType != core.ShardTypeOpportunity && event.ShardType != core.ShardTypeAccount {
		return nil
	}
	return w.Recompute(ctx, event.TenantID)
}

// Recompute rebuilds every KPI shard for one tenant from the current
// opportunity set.
func (w *Worker) Recompute(ctx context.Context, tenantID string) error {
	opportunities, err := w.store.QueryByTenant(ctx, tenantID, storage.Filter{
		ShardTypes: []string{core.ShardTypeOpportunity},
	})
	if err != nil {
		return err
	}
	now := w.clk.Now().UTC()
	for _, kpi := range insights.Compute(opportunities, now) {
		shard := insights.Shard(tenantID, kpi, now)
		if _, err := w.store.Upsert(ctx, actor, shard.ID, shard); err != nil {
			return fmt.Errorf("upserting %s, %w", shard.ID, err)
		}
	}
	logging.FromContext(ctx).V(1).Info("recomputed KPIs",
		"tenantID", tenantID, "opportunities", len(opportunities))
	return nil
}

// RecomputeAll runs the batch pass over every tenant.
func (w *Worker) RecomputeAll(ctx context.Context) error {
	tenants, err := w.tenants.Tenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if err := w.Recompute(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}
