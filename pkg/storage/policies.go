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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"

	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/governance"
)

const policyCacheTTL = time.Minute

// Policies stores per-tenant redaction configuration. Reads are cached
// briefly since the write path consults the policy on every shard mutation.
type Policies struct {
	db    *sqlx.DB
	cache *cache.Cache
}

func NewPolicies(db *sqlx.DB) *Policies {
	return &Policies{db: db, cache: cache.New(policyCacheTTL, 2*policyCacheTTL)}
}

// RedactionPolicy returns the tenant's policy, nil when none is configured.
func (p *Policies) RedactionPolicy(ctx context.Context, tenantID string) (*governance.RedactionPolicy, error) {
	if cached, ok := p.cache.Get(tenantID); ok {
		return cached.(*governance.RedactionPolicy), nil
	}
	var doc []byte
	err := p.db.GetContext(ctx, &doc,
		`SELECT doc FROM redaction_policies WHERE tenant_id = $1`, tenantID)
	if stderrors.Is(err, sql.ErrNoRows) {
		p.cache.SetDefault(tenantID, (*governance.RedactionPolicy)(nil))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading redaction policy for %s, %w", tenantID, err)
	}
	policy := &governance.RedactionPolicy{}
	if err := json.Unmarshal(doc, policy); err != nil {
		return nil, fmt.Errorf("decoding redaction policy for %s, %w", tenantID, err)
	}
	p.cache.SetDefault(tenantID, policy)
	return policy, nil
}

// Put stores the tenant's policy, bumping its version past the stored one.
func (p *Policies) Put(ctx context.Context, policy *governance.RedactionPolicy) error {
	if err := policy.Validate(); err != nil {
		return errors.New(errors.KindValidation, err)
	}
	var current int
	err := p.db.GetContext(ctx, &current,
		`SELECT version FROM redaction_policies WHERE tenant_id = $1`, policy.TenantID)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("loading redaction policy version for %s, %w", policy.TenantID, err)
	}
	policy.Version = current + 1

	doc, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encoding redaction policy, %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO redaction_policies (tenant_id, version, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id) DO UPDATE SET version = EXCLUDED.version, doc = EXCLUDED.doc`,
		policy.TenantID, policy.Version, string(doc))
	if err != nil {
		return fmt.Errorf("storing redaction policy for %s, %w", policy.TenantID, err)
	}
	p.cache.Delete(policy.TenantID)
	return nil
}

// Delete removes the tenant's policy.
func (p *Policies) Delete(ctx context.Context, tenantID string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM redaction_policies WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("deleting redaction policy for %s, %w", tenantID, err)
	}
	p.cache.Delete(tenantID)
	return nil
}
