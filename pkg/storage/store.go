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

// Package storage persists shards, integrations, and sync jobs in Postgres.
// Shards carry a pgvector embedding column for similarity search. Every
// mutation writes its audit shard and change-feed row in the same
// transaction, so the trail can never drift from the data.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/governance"
)

const (
	// Soft-deleted shards stay addressable until their purge deadline.
	defaultPurgeTTL  = 90 * 24 * time.Hour
	documentPurgeTTL = 30 * 24 * time.Hour

	// graphActor stamps relationship maintenance on the change feed.
	graphActor = "system.graph"
)

// PolicyFetcher supplies the tenant's redaction policy to the write path.
// A nil policy means the tenant redacts nothing.
type PolicyFetcher interface {
	RedactionPolicy(ctx context.Context, tenantID string) (*governance.RedactionPolicy, error)
}

// Store is the shard store. All operations are tenant-checked; cross-tenant
// access fails with KindTenantViolation.
type Store struct {
	db       *sqlx.DB
	clk      clock.Clock
	policies PolicyFetcher
}

func New(db *sqlx.DB, clk clock.Clock, policies PolicyFetcher) *Store {
	return &Store{db: db, clk: clk, policies: policies}
}

// DB exposes the underlying handle for repositories sharing the pool.
func (s *Store) DB() *sqlx.DB { return s.db }

type shardRow struct {
	ID       string `db:"id"`
	TenantID string `db:"tenant_id"`
	Version  int64  `db:"version"`
	Doc      []byte `db:"doc"`
}

func (r shardRow) shard() (*core.Shard, error) {
	var shard core.Shard
	if err := json.Unmarshal(r.Doc, &shard); err != nil {
		return nil, fmt.Errorf("decoding shard %s, %w", r.ID, err)
	}
	return &shard, nil
}

// Create persists a new shard. Redaction is applied before the write; the
// audit record and change-feed row commit atomically with it.
func (s *Store) Create(ctx context.Context, actor string, shard *core.Shard) error {
	return s.createWithKey(ctx, actor, shard, "")
}

func (s *Store) createWithKey(ctx context.Context, actor string, shard *core.Shard, dedupKey string) error {
	if err := validateVectors(shard); err != nil {
		return err
	}
	now := s.clk.Now().UTC()
	if err := s.redact(ctx, shard, now); err != nil {
		return err
	}
	shard.Metadata.CreatedAt = now
	shard.Metadata.UpdatedAt = now
	shard.Metadata.CreatedBy = actor
	shard.Metadata.Version = 1
	if shard.Status == "" {
		shard.Status = core.ShardStatusActive
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertShard(ctx, tx, shard, dedupKey, now); err != nil {
			return err
		}
		audit := core.AuditRecord{
			TargetShardID: shard.ID,
			Version:       1,
			Actor:         actor,
			EventKind:     core.AuditCreate,
			Changes:       governance.Diff(nil, shard.StructuredData),
			OccurredAt:    now,
		}
		if err := s.writeAudit(ctx, tx, shard, audit); err != nil {
			return err
		}
		if err := s.writeChange(ctx, tx, core.ChangeEvent{
			TenantID:   shard.TenantID,
			ShardID:    shard.ID,
			ShardType:  shard.ShardTypeID,
			Kind:       core.ChangeCreated,
			Version:    1,
			Actor:      actor,
			After:      shard,
			OccurredAt: now,
		}); err != nil {
			return err
		}
		return s.bindExternalRefs(ctx, tx, shard)
	})
}

// Update persists a mutation to an existing shard. When nothing actually
// changed the call is a no-op: no version bump, no audit, no feed entry, so
// duplicate deliveries collapse.
func (s *Store) Update(ctx context.Context, actor string, shard *core.Shard) error {
	if err := validateVectors(shard); err != nil {
		return err
	}
	now := s.clk.Now().UTC()
	if err := s.redact(ctx, shard, now); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockShard(ctx, tx, shard.ID)
		if err != nil {
			return err
		}
		if existing.TenantID != shard.TenantID {
			return errors.Newf(errors.KindTenantViolation,
				"shard %s belongs to another tenant", shard.ID)
		}
		before, err := existing.shard()
		if err != nil {
			return err
		}

		changes := governance.Diff(before.StructuredData, shard.StructuredData)
		if len(changes) == 0 && before.Name == shard.Name &&
			before.UnstructuredData == shard.UnstructuredData && before.Status == shard.Status {
			return nil
		}

		// Pipeline writers carry the default ACL on re-built docs; persisting
		// it would revert grants an admin made since the last sync. Only a
		// human or API actor may change the ACL.
		if strings.HasPrefix(actor, "system.") {
			shard.ACL = before.ACL
		}

		version := existing.Version + 1
		shard.Metadata.CreatedAt = before.Metadata.CreatedAt
		shard.Metadata.CreatedBy = before.Metadata.CreatedBy
		shard.Metadata.UpdatedAt = now
		shard.Metadata.UpdatedBy = actor
		shard.Metadata.Version = version

		if err := updateShard(ctx, tx, shard, version, now); err != nil {
			return err
		}
		audit := core.AuditRecord{
			TargetShardID: shard.ID,
			Version:       version,
			Actor:         actor,
			EventKind:     core.AuditUpdate,
			Changes:       changes,
			OccurredAt:    now,
		}
		if err := s.writeAudit(ctx, tx, shard, audit); err != nil {
			return err
		}
		if err := s.writeChange(ctx, tx, core.ChangeEvent{
			TenantID:   shard.TenantID,
			ShardID:    shard.ID,
			ShardType:  shard.ShardTypeID,
			Kind:       core.ChangeUpdated,
			Version:    version,
			Actor:      actor,
			Before:     before,
			After:      shard,
			OccurredAt: now,
		}); err != nil {
			return err
		}
		return s.bindExternalRefs(ctx, tx, shard)
	})
}

// Upsert creates the shard when its dedup key is unseen and updates the
// existing shard otherwise. This is the normalization worker's entry point
// and the idempotence anchor for at-least-once delivery.
func (s *Store) Upsert(ctx context.Context, actor, dedupKey string, shard *core.Shard) (created bool, err error) {
	var id string
	err = s.db.GetContext(ctx, &id,
		`SELECT id FROM shards WHERE tenant_id = $1 AND dedup_key = $2`, shard.TenantID, dedupKey)
	if stderrors.Is(err, sql.ErrNoRows) {
		return true, s.createWithKey(ctx, actor, shard, dedupKey)
	}
	if err != nil {
		return false, fmt.Errorf("resolving dedup key %q, %w", dedupKey, err)
	}
	shard.ID = id
	return false, s.Update(ctx, actor, shard)
}

// SoftDelete hides the shard from queries and stamps its purge deadline.
func (s *Store) SoftDelete(ctx context.Context, actor, tenantID, id string) error {
	return s.transition(ctx, actor, tenantID, id,
		core.ShardStatusDeleted, core.AuditSoftDelete, core.ChangeSoftDelete)
}

// Restore brings a soft-deleted shard back before its purge deadline.
func (s *Store) Restore(ctx context.Context, actor, tenantID, id string) error {
	return s.transition(ctx, actor, tenantID, id,
		core.ShardStatusActive, core.AuditRestore, core.ChangeRestored)
}

func (s *Store) transition(ctx context.Context, actor, tenantID, id string,
	status core.ShardStatus, auditKind core.AuditEventKind, changeKind core.ChangeKind) error {
	now := s.clk.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockShard(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing.TenantID != tenantID {
			return errors.Newf(errors.KindTenantViolation, "shard %s belongs to another tenant", id)
		}
		before, err := existing.shard()
		if err != nil {
			return err
		}
		if before.Status == status {
			return nil
		}

		shard := *before
		shard.Status = status
		shard.Metadata.UpdatedAt = now
		shard.Metadata.UpdatedBy = actor
		shard.Metadata.Version = existing.Version + 1
		if status == core.ShardStatusDeleted {
			purgeAt := now.Add(purgeTTL(shard.ShardTypeID))
			shard.Metadata.PurgeAt = &purgeAt
		} else {
			shard.Metadata.PurgeAt = nil
		}

		if err := updateShard(ctx, tx, &shard, shard.Metadata.Version, now); err != nil {
			return err
		}
		audit := core.AuditRecord{
			TargetShardID: id,
			Version:       shard.Metadata.Version,
			Actor:         actor,
			EventKind:     auditKind,
			OccurredAt:    now,
		}
		if err := s.writeAudit(ctx, tx, &shard, audit); err != nil {
			return err
		}
		return s.writeChange(ctx, tx, core.ChangeEvent{
			TenantID:   tenantID,
			ShardID:    id,
			ShardType:  shard.ShardTypeID,
			Kind:       changeKind,
			Version:    shard.Metadata.Version,
			Actor:      actor,
			Before:     before,
			After:      &shard,
			OccurredAt: now,
		})
	})
}

// HardDelete removes the row outright. Callers gate this behind admin
// permission; the cascade drops the shard's external bindings.
func (s *Store) HardDelete(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM shards WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting shard %s, %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "shard %s not found", id)
	}
	return nil
}

// FindByID returns the shard regardless of status, so soft-deleted shards
// stay addressable for restore until purged.
func (s *Store) FindByID(ctx context.Context, tenantID, id string) (*core.Shard, error) {
	var row shardRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, tenant_id, version, doc FROM shards WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "shard %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading shard %s, %w", id, err)
	}
	if row.TenantID != tenantID {
		return nil, errors.Newf(errors.KindTenantViolation, "shard %s belongs to another tenant", id)
	}
	return row.shard()
}

// Filter narrows QueryByTenant. Zero values leave the dimension open.
type Filter struct {
	ShardTypes     []string
	NameContains   string
	UpdatedSince   time.Time
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// QueryByTenant lists the tenant's shards, newest first. Soft-deleted shards
// are hidden unless the filter opts in.
func (s *Store) QueryByTenant(ctx context.Context, tenantID string, filter Filter) ([]*core.Shard, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, tenant_id, version, doc FROM shards WHERE tenant_id = $1`)
	args := []interface{}{tenantID}

	if !filter.IncludeDeleted {
		query.WriteString(` AND status != 'deleted'`)
	}
	if len(filter.ShardTypes) > 0 {
		args = append(args, filter.ShardTypes)
		fmt.Fprintf(&query, ` AND shard_type_id = ANY($%d)`, len(args))
	}
	if filter.NameContains != "" {
		args = append(args, "%"+filter.NameContains+"%")
		fmt.Fprintf(&query, ` AND doc->>'name' ILIKE $%d`, len(args))
	}
	if !filter.UpdatedSince.IsZero() {
		args = append(args, filter.UpdatedSince)
		fmt.Fprintf(&query, ` AND updated_at >= $%d`, len(args))
	}
	query.WriteString(` ORDER BY updated_at DESC`)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&query, ` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&query, ` OFFSET $%d`, len(args))
	}

	var rows []shardRow
	if err := s.db.SelectContext(ctx, &rows, query.String(), args...); err != nil {
		return nil, fmt.Errorf("querying shards for %s, %w", tenantID, err)
	}
	shards := make([]*core.Shard, 0, len(rows))
	for _, row := range rows {
		shard, err := row.shard()
		if err != nil {
			return nil, err
		}
		shards = append(shards, shard)
	}
	return shards, nil
}

// Tenants lists every tenant holding at least one shard. Batch recomputation
// iterates this.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	if err := s.db.SelectContext(ctx, &tenants,
		`SELECT DISTINCT tenant_id FROM shards ORDER BY tenant_id`); err != nil {
		return nil, fmt.Errorf("listing tenants, %w", err)
	}
	return tenants, nil
}

type changeRow struct {
	Seq        int64     `db:"seq"`
	TenantID   string    `db:"tenant_id"`
	ShardID    string    `db:"shard_id"`
	ShardType  string    `db:"shard_type_id"`
	Kind       string    `db:"kind"`
	Version    int64     `db:"version"`
	Actor      string    `db:"actor"`
	Before     []byte    `db:"before"`
	After      []byte    `db:"after"`
	OccurredAt time.Time `db:"occurred_at"`
}

// ChangeFeed returns change events after the cursor, oldest first, plus the
// cursor to resume from. An empty tenant id streams every tenant.
func (s *Store) ChangeFeed(ctx context.Context, tenantID string, since int64, limit int) ([]core.ChangeEvent, int64, error) {
	query := `SELECT seq, tenant_id, shard_id, shard_type_id, kind, version, actor, before, after, occurred_at
		FROM change_feed WHERE seq > $1`
	args := []interface{}{since}
	if tenantID != "" {
		args = append(args, tenantID)
		query += ` AND tenant_id = $2`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY seq ASC LIMIT $%d`, len(args))

	var rows []changeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, since, fmt.Errorf("reading change feed, %w", err)
	}
	events := make([]core.ChangeEvent, 0, len(rows))
	cursor := since
	for _, row := range rows {
		event := core.ChangeEvent{
			TenantID:   row.TenantID,
			ShardID:    row.ShardID,
			ShardType:  row.ShardType,
			Kind:       core.ChangeKind(row.Kind),
			Version:    row.Version,
			Actor:      row.Actor,
			OccurredAt: row.OccurredAt,
		}
		if len(row.Before) > 0 {
			event.Before = &core.Shard{}
			if err := json.Unmarshal(row.Before, event.Before); err != nil {
				return nil, since, fmt.Errorf("decoding change %d, %w", row.Seq, err)
			}
		}
		if len(row.After) > 0 {
			event.After = &core.Shard{}
			if err := json.Unmarshal(row.After, event.After); err != nil {
				return nil, since, fmt.Errorf("decoding change %d, %w", row.Seq, err)
			}
		}
		events = append(events, event)
		cursor = row.Seq
	}
	return events, cursor, nil
}

// ResolveExternal maps an external record reference to its shard id.
func (s *Store) ResolveExternal(ctx context.Context, tenantID, system, systemType, externalID string) (string, error) {
	var shardID string
	err := s.db.GetContext(ctx, &shardID,
		`SELECT shard_id FROM ext_refs
		 WHERE tenant_id = $1 AND system = $2 AND system_type = $3 AND external_id = $4`,
		tenantID, system, systemType, externalID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", errors.Newf(errors.KindNotFound,
			"no shard bound to %s/%s/%s", system, systemType, externalID)
	}
	if err != nil {
		return "", fmt.Errorf("resolving external reference, %w", err)
	}
	return shardID, nil
}

// BindExternal upserts one external binding outside a shard write, used by
// the write-back worker after creating a remote record.
func (s *Store) BindExternal(ctx context.Context, tenantID, shardID string, ref core.ExternalRelationship) error {
	_, err := s.db.ExecContext(ctx, upsertExtRef,
		tenantID, ref.System, ref.SystemType, ref.ExternalID,
		shardID, ref.LastSyncedAt, string(ref.SyncStatus), string(ref.SyncDirection))
	if err != nil {
		return fmt.Errorf("binding %s to %s/%s/%s, %w", shardID, ref.System, ref.SystemType, ref.ExternalID, err)
	}
	return nil
}

// UpdateVectors replaces the shard's embeddings. Machine-derived, so it
// bumps neither the version nor the audit trail.
func (s *Store) UpdateVectors(ctx context.Context, tenantID, id string, vectors []core.Vector) error {
	for _, v := range vectors {
		if err := v.Validate(); err != nil {
			return errors.New(errors.KindValidation, err)
		}
	}
	encoded, err := json.Marshal(vectors)
	if err != nil {
		return fmt.Errorf("encoding vectors, %w", err)
	}
	var embedding interface{}
	if len(vectors) > 0 {
		embedding = vectorLiteral(vectors[0].Embedding)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE shards SET embedding = $1::vector, doc = jsonb_set(doc, '{vectors}', $2::jsonb)
		 WHERE id = $3 AND tenant_id = $4`,
		embedding, string(encoded), id, tenantID)
	if err != nil {
		return fmt.Errorf("updating vectors for %s, %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "shard %s not found", id)
	}
	return nil
}

// UpdateRelationships replaces the shard's internal relationship set.
// Machine-maintained like vectors, so no version bump and no audit, but a
// feed entry still goes out so cached project contexts invalidate.
func (s *Store) UpdateRelationships(ctx context.Context, tenantID, id string, internal []core.InternalRelationship) error {
	now := s.clk.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockShard(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing.TenantID != tenantID {
			return errors.Newf(errors.KindTenantViolation, "shard %s belongs to another tenant", id)
		}
		before, err := existing.shard()
		if err != nil {
			return err
		}
		after, err := existing.shard()
		if err != nil {
			return err
		}
		after.InternalRelationships = internal
		if err := updateShard(ctx, tx, after, existing.Version, now); err != nil {
			return err
		}
		return s.writeChange(ctx, tx, core.ChangeEvent{
			TenantID:   tenantID,
			ShardID:    id,
			ShardType:  after.ShardTypeID,
			Kind:       core.ChangeUpdated,
			Version:    existing.Version,
			Actor:      graphActor,
			Before:     before,
			After:      after,
			OccurredAt: now,
		})
	})
}

// ScoredShard is one vector-search hit.
type ScoredShard struct {
	Shard *core.Shard
	// Score is cosine similarity in [0,1], higher is closer.
	Score float64
}

// VectorSearchOptions narrow a similarity query.
type VectorSearchOptions struct {
	// ShardIDs restricts the search to a resolved set, e.g. a project scope.
	ShardIDs []string
	// Keyword pre-filters on name and unstructured text for hybrid search.
	Keyword  string
	TopK     int
	MinScore float64
}

// VectorSearch runs a cosine-similarity query over active shards.
func (s *Store) VectorSearch(ctx context.Context, tenantID string, embedding []float32, opts VectorSearchOptions) ([]ScoredShard, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, tenant_id, version, doc, 1 - (embedding <=> $1::vector) AS score
		FROM shards WHERE tenant_id = $2 AND status = 'active' AND embedding IS NOT NULL`)
	args := []interface{}{vectorLiteral(embedding), tenantID}

	if len(opts.ShardIDs) > 0 {
		args = append(args, opts.ShardIDs)
		fmt.Fprintf(&query, ` AND id = ANY($%d)`, len(args))
	}
	if opts.Keyword != "" {
		args = append(args, "%"+opts.Keyword+"%")
		fmt.Fprintf(&query, ` AND (doc->>'name' ILIKE $%d OR doc->>'unstructuredData' ILIKE $%d)`, len(args), len(args))
	}
	if opts.MinScore > 0 {
		args = append(args, opts.MinScore)
		fmt.Fprintf(&query, ` AND 1 - (embedding <=> $1::vector) >= $%d`, len(args))
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	args = append(args, topK)
	fmt.Fprintf(&query, ` ORDER BY embedding <=> $1::vector ASC LIMIT $%d`, len(args))

	type scoredRow struct {
		shardRow
		Score float64 `db:"score"`
	}
	var rows []scoredRow
	if err := s.db.SelectContext(ctx, &rows, query.String(), args...); err != nil {
		return nil, fmt.Errorf("vector search for %s, %w", tenantID, err)
	}
	hits := make([]ScoredShard, 0, len(rows))
	for _, row := range rows {
		shard, err := row.shard()
		if err != nil {
			return nil, err
		}
		hits = append(hits, ScoredShard{Shard: shard, Score: row.Score})
	}
	return hits, nil
}

func (s *Store) redact(ctx context.Context, shard *core.Shard, now time.Time) error {
	if s.policies == nil {
		return nil
	}
	policy, err := s.policies.RedactionPolicy(ctx, shard.TenantID)
	if err != nil {
		return fmt.Errorf("loading redaction policy for %s, %w", shard.TenantID, err)
	}
	if applied := governance.Redact(policy, shard.StructuredData, now); len(applied) > 0 {
		shard.Metadata.Redactions = append(shard.Metadata.Redactions, applied...)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction, %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction, %w", err)
	}
	return nil
}

func lockShard(ctx context.Context, tx *sqlx.Tx, id string) (*shardRow, error) {
	var row shardRow
	err := tx.GetContext(ctx, &row,
		`SELECT id, tenant_id, version, doc FROM shards WHERE id = $1 FOR UPDATE`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "shard %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("locking shard %s, %w", id, err)
	}
	return &row, nil
}

func insertShard(ctx context.Context, tx *sqlx.Tx, shard *core.Shard, dedupKey string, now time.Time) error {
	doc, err := json.Marshal(shard)
	if err != nil {
		return fmt.Errorf("encoding shard %s, %w", shard.ID, err)
	}
	var key interface{}
	if dedupKey != "" {
		key = dedupKey
	}
	var embedding interface{}
	if len(shard.Vectors) > 0 {
		embedding = vectorLiteral(shard.Vectors[0].Embedding)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO shards (id, tenant_id, shard_type_id, status, dedup_key, version, purge_at, embedding, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, NULL, $6::vector, $7, $8, $8)`,
		shard.ID, shard.TenantID, shard.ShardTypeID, string(shard.Status), key, embedding, string(doc), now)
	if err != nil {
		return fmt.Errorf("inserting shard %s, %w", shard.ID, err)
	}
	return nil
}

func updateShard(ctx context.Context, tx *sqlx.Tx, shard *core.Shard, version int64, now time.Time) error {
	doc, err := json.Marshal(shard)
	if err != nil {
		return fmt.Errorf("encoding shard %s, %w", shard.ID, err)
	}
	var embedding interface{}
	if len(shard.Vectors) > 0 {
		embedding = vectorLiteral(shard.Vectors[0].Embedding)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE shards SET status = $1, version = $2, purge_at = $3, embedding = $4::vector, doc = $5, updated_at = $6
		 WHERE id = $7`,
		string(shard.Status), version, shard.Metadata.PurgeAt, embedding, string(doc), now, shard.ID)
	if err != nil {
		return fmt.Errorf("updating shard %s, %w", shard.ID, err)
	}
	return nil
}

// writeAudit inserts the audit shard keyed by (target, version). Replays of
// the same version collapse on the deterministic id.
func (s *Store) writeAudit(ctx context.Context, tx *sqlx.Tx, target *core.Shard, record core.AuditRecord) error {
	audit := governance.NewAuditShard(target, record)
	doc, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("encoding audit shard, %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO shards (id, tenant_id, shard_type_id, status, version, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, 'active', 1, $4, $5, $5)
		 ON CONFLICT (id) DO NOTHING`,
		audit.ID, audit.TenantID, audit.ShardTypeID, string(doc), record.OccurredAt)
	if err != nil {
		return fmt.Errorf("inserting audit shard %s, %w", audit.ID, err)
	}
	return nil
}

func (s *Store) writeChange(ctx context.Context, tx *sqlx.Tx, event core.ChangeEvent) error {
	var before, after interface{}
	if event.Before != nil {
		encoded, err := json.Marshal(event.Before)
		if err != nil {
			return fmt.Errorf("encoding change before-image, %w", err)
		}
		before = string(encoded)
	}
	if event.After != nil {
		encoded, err := json.Marshal(event.After)
		if err != nil {
			return fmt.Errorf("encoding change after-image, %w", err)
		}
		after = string(encoded)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_feed (tenant_id, shard_id, shard_type_id, kind, version, actor, before, after, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.TenantID, event.ShardID, event.ShardType, string(event.Kind), event.Version, event.Actor, before, after, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("appending change feed entry for %s, %w", event.ShardID, err)
	}
	return nil
}

const upsertExtRef = `INSERT INTO ext_refs (tenant_id, system, system_type, external_id, shard_id, last_synced_at, sync_status, sync_direction)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (tenant_id, system, system_type, external_id)
	DO UPDATE SET shard_id = EXCLUDED.shard_id, last_synced_at = EXCLUDED.last_synced_at,
		sync_status = EXCLUDED.sync_status, sync_direction = EXCLUDED.sync_direction`

func (s *Store) bindExternalRefs(ctx context.Context, tx *sqlx.Tx, shard *core.Shard) error {
	for _, ref := range shard.ExternalRelationships {
		_, err := tx.ExecContext(ctx, upsertExtRef,
			shard.TenantID, ref.System, ref.SystemType, ref.ExternalID,
			shard.ID, ref.LastSyncedAt, string(ref.SyncStatus), string(ref.SyncDirection))
		if err != nil {
			return fmt.Errorf("binding %s to %s/%s/%s, %w", shard.ID, ref.System, ref.SystemType, ref.ExternalID, err)
		}
	}
	return nil
}

func validateVectors(shard *core.Shard) error {
	for _, v := range shard.Vectors {
		if err := v.Validate(); err != nil {
			return errors.New(errors.KindValidation, err)
		}
	}
	return nil
}

func purgeTTL(shardType string) time.Duration {
	if shardType == core.ShardTypeDocument {
		return documentPurgeTTL
	}
	return defaultPurgeTTL
}
