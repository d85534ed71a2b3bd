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

// Package changefeed drains the store's outbox rows into the Redis fan-out
// stream and turns local mutations of externally bound shards into outbound
// changes. Delivery is at-least-once: the cursor advances only after a batch
// is fully published, so a crash replays the tail.
package changefeed

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// Config bounds the poll loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// Feed reads the store's change outbox.
type Feed interface {
	ChangeFeed(ctx context.Context, tenantID string, since int64, limit int) ([]core.ChangeEvent, int64, error)
}

// Integrations resolves which integrations push local changes back out.
type Integrations interface {
	ByTenant(ctx context.Context, tenantID string) ([]*core.Integration, error)
}

// Publisher fans events out to the shard-created stream.
type Publisher interface {
	Publish(ctx context.Context, payload interface{}) error
}

// SessionPublisher enqueues outbound changes, serialized per record.
type SessionPublisher interface {
	PublishSession(ctx context.Context, sessionKey string, payload interface{}) error
}

// Cursor persists the drain position across restarts.
type Cursor interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, seq int64) error
}

// RedisCursor keeps the drain position in Redis alongside the streams it
// feeds.
type RedisCursor struct {
	client redis.UniversalClient
	key    string
}

func NewRedisCursor(client redis.UniversalClient, key string) *RedisCursor {
	return &RedisCursor{client: client, key: key}
}

func (c *RedisCursor) Load(ctx context.Context) (int64, error) {
	seq, err := c.client.Get(ctx, c.key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return seq, err
}

func (c *RedisCursor) Save(ctx context.Context, seq int64) error {
	return c.client.Set(ctx, c.key, seq, 0).Err()
}

// Drain polls the outbox and republishes.
type Drain struct {
	feed     Feed
	ints     Integrations
	fanout   Publisher
	outbound SessionPublisher
	cursor   Cursor
	config   Config
	clk      clock.WithTicker
}

func NewDrain(feed Feed, ints Integrations, fanout Publisher,
	outbound SessionPublisher, cursor Cursor, config Config, clk clock.WithTicker) *Drain {
	return &Drain{
		feed:     feed,
		ints:     ints,
		fanout:   fanout,
		outbound: outbound,
		cursor:   cursor,
		config:   config.withDefaults(),
		clk:      clk,
	}
}

func (d *Drain) Name() string { return "changefeed-drain" }

func (d *Drain) Run(ctx context.Context) error {
	ticker := d.clk.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := d.DrainOnce(ctx); err != nil {
				logging.FromContext(ctx).Error(err, "draining change feed")
			}
		}
	}
}

// DrainOnce drains batches until the outbox is caught up.
func (d *Drain) DrainOnce(ctx context.Context) error {
	for {
		n, err := d.drainBatch(ctx)
		if err != nil || n < d.config.BatchSize {
			return err
		}
	}
}

func (d *Drain) drainBatch(ctx context.Context) (int, error) {
	since, err := d.cursor.Load(ctx)
	if err != nil {
		return 0, err
	}
	events, next, err := d.feed.ChangeFeed(ctx, "", since, d.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	pushTargets := map[string][]*core.Integration{}
	for _, event := range events {
		if err := d.fanout.Publish(ctx, event); err != nil {
			return 0, err
		}
		if err := d.emitOutbound(ctx, event, pushTargets); err != nil {
			return 0, err
		}
	}
	if err := d.cursor.Save(ctx, next); err != nil {
		return 0, err
	}
	logging.FromContext(ctx).V(1).Info("drained change batch", "events", len(events), "cursor", next)
	return len(events), nil
}

// emitOutbound turns one local mutation into outbound changes for every
// push-capable binding. Pipeline writes carry a system.* actor and never
// echo back out.
func (d *Drain) emitOutbound(ctx context.Context, event core.ChangeEvent,
	pushTargets map[string][]*core.Integration) error {
	if strings.HasPrefix(event.Actor, "system.") {
		return nil
	}
	if strings.HasPrefix(event.ShardType, "system.") {
		return nil
	}
	shard := event.After
	if shard == nil {
		shard = event.Before
	}
	if shard == nil || len(shard.ExternalRelationships) == 0 {
		return nil
	}

	integrations, ok := pushTargets[event.TenantID]
	if !ok {
		var err error
		integrations, err = d.ints.ByTenant(ctx, event.TenantID)
		if err != nil {
			return err
		}
		pushTargets[event.TenantID] = integrations
	}

	for _, ref := range shard.ExternalRelationships {
		integration := pushIntegration(integrations, ref.System)
		if integration == nil {
			continue
		}
		change := core.OutboundChange{
			TenantID:                    event.TenantID,
			IntegrationID:               integration.ID,
			ProviderID:                  ref.System,
			Entity:                      ref.SystemType,
			ExternalID:                  ref.ExternalID,
			ShardID:                     event.ShardID,
			Op:                          outboundOp(event.Kind),
			LastKnownExternalModifiedAt: ref.LastSyncedAt,
			LocalModifiedAt:             event.OccurredAt,
		}
		if err := d.outbound.PublishSession(ctx, change.SessionKey(), change); err != nil {
			return err
		}
	}
	return nil
}

func pushIntegration(integrations []*core.Integration, providerID string) *core.Integration {
	for _, integration := range integrations {
		if integration.ProviderID != providerID {
			continue
		}
		switch integration.Sync.Direction {
		case core.SyncPush, core.SyncBidirectional:
			return integration
		}
	}
	return nil
}

func outboundOp(kind core.ChangeKind) core.OutboundOp {
	if kind == core.ChangeSoftDelete {
		return core.OutboundDelete
	}
	// Created shards with a binding already exist externally, so creation
	// and restoration both replicate as updates.
	return core.OutboundUpdate
}
