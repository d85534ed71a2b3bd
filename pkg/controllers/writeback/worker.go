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

// Package writeback replicates local shard mutations to the owning external
// system. Messages for the same external record serialize on their session
// key, so operations on one record apply in order.
package writeback

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/conversion"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/metrics"
	"github.com/shardstream/shardstream/pkg/providers/framework"
	"github.com/shardstream/shardstream/pkg/queue"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

const actor = "system.writeback"

// ShardStore is the persistence surface write-back needs.
type ShardStore interface {
	FindByID(ctx context.Context, tenantID, id string) (*core.Shard, error)
	Create(ctx context.Context, actor string, shard *core.Shard) error
	BindExternal(ctx context.Context, tenantID, shardID string, ref core.ExternalRelationship) error
}

// Integrations loads integration config, including the conflict policy.
type Integrations interface {
	Get(ctx context.Context, id string) (*core.Integration, error)
}

// Credentials hands the decrypted payload to the adapter.
type Credentials interface {
	Fetch(ctx context.Context, handle string) (core.CredentialMetadata, core.CredentialPayload, error)
}

// Adapters resolves the provider adapter.
type Adapters interface {
	Get(providerID string) (framework.Adapter, error)
}

// Schemas supplies the conversion schema whose direct mappings are inverted
// into provider field names.
type Schemas interface {
	Get(ctx context.Context, tenantID, providerID, entity string) (*conversion.Schema, error)
}

// Worker consumes sync-outbound messages.
type Worker struct {
	outbound *queue.Queue
	store    ShardStore
	ints     Integrations
	creds    Credentials
	adapters Adapters
	schemas  Schemas
	clk      clock.Clock
}

func NewWorker(outbound *queue.Queue, store ShardStore, ints Integrations,
	creds Credentials, adapters Adapters, schemas Schemas, clk clock.Clock) *Worker {
	return &Worker{
		outbound: outbound,
		store:    store,
		ints:     ints,
		creds:    creds,
		adapters: adapters,
		schemas:  schemas,
		clk:      clk,
	}
}

func (w *Worker) Name() string { return "writeback-worker" }

func (w *Worker) Run(ctx context.Context) error {
	return w.outbound.Consume(ctx, w.Name(), w.Handle)
}

// Handle pushes one outbound change, arbitrating conflicts per the
// integration's policy.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var change core.OutboundChange
	if err := msg.Decode(&change); err != nil {
		return fmt.Errorf("decoding outbound change, %w", err)
	}
	log := logging.FromContext(ctx).WithValues(
		"shardID", change.ShardID, "provider", change.ProviderID,
		"entity", change.Entity, "op", change.Op)

	integration, err := w.ints.Get(ctx, change.IntegrationID)
	if err != nil {
		return err
	}
	adapter, err := w.adapters.Get(change.ProviderID)
	if err != nil {
		return err
	}
	_, payload, err := w.creds.Fetch(ctx, integration.CredentialHandle)
	if err != nil {
		return err
	}
	session, err := adapter.Connect(ctx, integration, payload)
	if err != nil {
		return err
	}
	defer func() {
		if err := adapter.Disconnect(ctx, session); err != nil {
			log.Error(err, "disconnecting session")
		}
	}()

	if change.Op == core.OutboundDelete {
		err := adapter.DeleteRecord(ctx, session, change.Entity, change.ExternalID)
		if errors.Is(err, errors.KindNotFound) {
			log.V(1).Info("record already gone on the remote side")
			return nil
		}
		return err
	}

	shard, err := w.store.FindByID(ctx, change.TenantID, change.ShardID)
	if errors.Is(err, errors.KindNotFound) {
		log.Info("shard vanished before write-back, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	schema, err := w.schemas.Get(ctx, change.TenantID, change.ProviderID, change.Entity)
	if err != nil {
		return err
	}
	fields := conversion.ReverseFields(schema, shard.StructuredData)

	if change.Op == core.OutboundCreate {
		externalID, err := adapter.CreateRecord(ctx, session, change.Entity, fields)
		if err != nil {
			return err
		}
		log.V(1).Info("created remote record", "externalID", externalID)
		return w.bind(ctx, change, externalID)
	}

	err = adapter.UpdateRecord(ctx, session, change.Entity, change.ExternalID, fields)
	if errors.Is(err, errors.KindConflict) {
		return w.resolveConflict(ctx, session, adapter, integration, change, shard, fields, err)
	}
	if err != nil {
		return err
	}
	return w.bind(ctx, change, change.ExternalID)
}

// resolveConflict applies the integration's conflict policy after the remote
// side rejected an update as concurrently modified.
func (w *Worker) resolveConflict(ctx context.Context, session *framework.Session,
	adapter framework.Adapter, integration *core.Integration, change core.OutboundChange,
	shard *core.Shard, fields map[string]interface{}, cause error) error {
	policy := integration.Sync.ConflictPolicy
	if policy == "" {
		policy = core.ConflictLastWriteWins
	}
	metrics.WritebackConflicts.WithLabelValues(string(policy)).Inc()
	log := logging.FromContext(ctx).WithValues(
		"shardID", change.ShardID, "externalID", change.ExternalID, "policy", policy)

	switch policy {
	case core.ConflictExternalWins:
		log.Info("external change wins, discarding local update")
		return nil

	case core.ConflictInternalWins:
		return w.force(ctx, session, adapter, change, fields)

	case core.ConflictManual:
		log.Info("conflict held for manual resolution")
		if err := w.recordConflict(ctx, change, shard, policy, remoteModifiedAt(cause)); err != nil {
			return err
		}
		return w.markErrored(ctx, change)

	default: // last_write_wins
		remote := remoteModifiedAt(cause)
		// A conflict without a reported remote time still means the record
		// moved past lastKnownExternalModifiedAt, so the remote side is
		// treated as newer.
		if remote.IsZero() || !change.LocalModifiedAt.After(remote) {
			log.Info("remote record is newer, discarding local update", "remoteModifiedAt", remote)
			return w.recordConflict(ctx, change, shard, policy, remote)
		}
		log.Info("local change is newer, forcing", "remoteModifiedAt", remote)
		return w.force(ctx, session, adapter, change, fields)
	}
}

// force re-issues the update unconditionally; a second rejection goes back to
// the queue for retry.
func (w *Worker) force(ctx context.Context, session *framework.Session,
	adapter framework.Adapter, change core.OutboundChange, fields map[string]interface{}) error {
	if err := adapter.UpdateRecord(ctx, session, change.Entity, change.ExternalID, fields); err != nil {
		return err
	}
	return w.bind(ctx, change, change.ExternalID)
}

// recordConflict materializes the losing update as a conflict shard
// referencing the local version, so it survives for audit and manual replay.
func (w *Worker) recordConflict(ctx context.Context, change core.OutboundChange,
	shard *core.Shard, policy core.ConflictPolicy, remote time.Time) error {
	now := w.clk.Now().UTC()
	structured := map[string]interface{}{
		"shardId":         change.ShardID,
		"shardVersion":    shard.Metadata.Version,
		"integrationId":   change.IntegrationID,
		"entity":          change.Entity,
		"externalId":      change.ExternalID,
		"policy":          string(policy),
		"localModifiedAt": change.LocalModifiedAt.UTC().Format(time.RFC3339),
		"detectedAt":      now.Format(time.RFC3339),
	}
	if !remote.IsZero() {
		structured["externalModifiedAt"] = remote.UTC().Format(time.RFC3339)
	}
	return w.store.Create(ctx, actor, &core.Shard{
		ID:             uuid.NewString(),
		TenantID:       change.TenantID,
		ShardTypeID:    core.ShardTypeConflict,
		Name:           fmt.Sprintf("Sync conflict on %s/%s", change.Entity, change.ExternalID),
		StructuredData: structured,
		Status:         core.ShardStatusActive,
		InternalRelationships: []core.InternalRelationship{{
			ShardID:     change.ShardID,
			ShardTypeID: shard.ShardTypeID,
			Kind:        core.RelationshipReferences,
			Metadata: core.RelationshipMetadata{
				Confidence: 1,
				Source:     "system",
				CreatedAt:  now,
			},
		}},
		ACL: []core.ACLEntry{{Principal: "tenant", Permission: core.PermissionWrite}},
	})
}

func (w *Worker) bind(ctx context.Context, change core.OutboundChange, externalID string) error {
	return w.store.BindExternal(ctx, change.TenantID, change.ShardID, core.ExternalRelationship{
		System:        change.ProviderID,
		SystemType:    change.Entity,
		ExternalID:    externalID,
		LastSyncedAt:  w.clk.Now().UTC(),
		SyncStatus:    core.ExternalSynced,
		SyncDirection: core.SyncPush,
	})
}

// markErrored flags the binding so the record reads as out of sync until the
// conflict is resolved.
func (w *Worker) markErrored(ctx context.Context, change core.OutboundChange) error {
	return w.store.BindExternal(ctx, change.TenantID, change.ShardID, core.ExternalRelationship{
		System:        change.ProviderID,
		SystemType:    change.Entity,
		ExternalID:    change.ExternalID,
		LastSyncedAt:  change.LastKnownExternalModifiedAt,
		SyncStatus:    core.ExternalError,
		SyncDirection: core.SyncPush,
	})
}

func remoteModifiedAt(err error) time.Time {
	var conflict *framework.Conflict
	if stderrors.As(err, &conflict) {
		return conflict.RemoteModifiedAt
	}
	return time.Time{}
}
