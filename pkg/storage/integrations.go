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

	"github.com/jmoiron/sqlx"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
)

// Providers stores the system-wide provider catalog.
type Providers struct {
	db *sqlx.DB
}

func NewProviders(db *sqlx.DB) *Providers {
	return &Providers{db: db}
}

func (p *Providers) Get(ctx context.Context, id string) (*core.Provider, error) {
	var doc []byte
	err := p.db.GetContext(ctx, &doc, `SELECT doc FROM providers WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "provider %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading provider %s, %w", id, err)
	}
	provider := &core.Provider{}
	if err := json.Unmarshal(doc, provider); err != nil {
		return nil, fmt.Errorf("decoding provider %s, %w", id, err)
	}
	return provider, nil
}

func (p *Providers) Put(ctx context.Context, provider *core.Provider) error {
	doc, err := json.Marshal(provider)
	if err != nil {
		return fmt.Errorf("encoding provider %s, %w", provider.ID, err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO providers (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		provider.ID, string(doc))
	if err != nil {
		return fmt.Errorf("storing provider %s, %w", provider.ID, err)
	}
	return nil
}

// Integrations stores integration instances: one connected provider account
// per tenant, with its cursors, mappings, and webhook subscriptions.
type Integrations struct {
	db *sqlx.DB
}

func NewIntegrations(db *sqlx.DB) *Integrations {
	return &Integrations{db: db}
}

func (r *Integrations) Get(ctx context.Context, id string) (*core.Integration, error) {
	var doc []byte
	err := r.db.GetContext(ctx, &doc, `SELECT doc FROM integrations WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "integration %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading integration %s, %w", id, err)
	}
	return decodeIntegration(id, doc)
}

// ByExternalAccount resolves the integration owning an inbound webhook: the
// adapter extracts the external account id from the verified payload.
func (r *Integrations) ByExternalAccount(ctx context.Context, providerID, externalAccountID string) (*core.Integration, error) {
	var row struct {
		ID  string `db:"id"`
		Doc []byte `db:"doc"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT id, doc FROM integrations WHERE provider_id = $1 AND external_account_id = $2`,
		providerID, externalAccountID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound,
			"no integration for %s account %s", providerID, externalAccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving integration for %s/%s, %w", providerID, externalAccountID, err)
	}
	return decodeIntegration(row.ID, row.Doc)
}

// ByTenant lists a tenant's integrations.
func (r *Integrations) ByTenant(ctx context.Context, tenantID string) ([]*core.Integration, error) {
	var rows []struct {
		ID  string `db:"id"`
		Doc []byte `db:"doc"`
	}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT id, doc FROM integrations WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, fmt.Errorf("listing integrations for %s, %w", tenantID, err)
	}
	out := make([]*core.Integration, 0, len(rows))
	for _, row := range rows {
		integration, err := decodeIntegration(row.ID, row.Doc)
		if err != nil {
			return nil, err
		}
		out = append(out, integration)
	}
	return out, nil
}

func (r *Integrations) Put(ctx context.Context, integration *core.Integration) error {
	doc, err := json.Marshal(integration)
	if err != nil {
		return fmt.Errorf("encoding integration %s, %w", integration.ID, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO integrations (id, tenant_id, provider_id, external_account_id, doc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET external_account_id = EXCLUDED.external_account_id, doc = EXCLUDED.doc`,
		integration.ID, integration.TenantID, integration.ProviderID, integration.ExternalAccountID, string(doc))
	if err != nil {
		return fmt.Errorf("storing integration %s, %w", integration.ID, err)
	}
	return nil
}

// SaveCursor persists one entity cursor without rewriting the whole record,
// so concurrent pull workers on different entities do not clobber each other.
func (r *Integrations) SaveCursor(ctx context.Context, id, entity, cursor string) error {
	encoded, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encoding cursor, %w", err)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE integrations SET doc = jsonb_set(doc, ARRAY['cursors', $1], $2::jsonb, true) WHERE id = $3`,
		entity, string(encoded), id)
	if err != nil {
		return fmt.Errorf("saving cursor for %s/%s, %w", id, entity, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "integration %s not found", id)
	}
	return nil
}

// SetConnectionStatus flips the integration's connection state, used when a
// credential refresh fails or recovers.
func (r *Integrations) SetConnectionStatus(ctx context.Context, id string, status core.ConnectionStatus) error {
	encoded, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding connection status, %w", err)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE integrations SET doc = jsonb_set(doc, '{connectionStatus}', $1::jsonb) WHERE id = $2`,
		string(encoded), id)
	if err != nil {
		return fmt.Errorf("setting connection status for %s, %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "integration %s not found", id)
	}
	return nil
}

// ByCredentialHandle lists integrations that depend on a credential, used to
// cascade an expired refresh onto their connection status.
func (r *Integrations) ByCredentialHandle(ctx context.Context, handle string) ([]*core.Integration, error) {
	var rows []struct {
		ID  string `db:"id"`
		Doc []byte `db:"doc"`
	}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT id, doc FROM integrations WHERE doc->>'credentialHandle' = $1`, handle); err != nil {
		return nil, fmt.Errorf("listing integrations for credential %s, %w", handle, err)
	}
	out := make([]*core.Integration, 0, len(rows))
	for _, row := range rows {
		integration, err := decodeIntegration(row.ID, row.Doc)
		if err != nil {
			return nil, err
		}
		out = append(out, integration)
	}
	return out, nil
}

func decodeIntegration(id string, doc []byte) (*core.Integration, error) {
	integration := &core.Integration{}
	if err := json.Unmarshal(doc, integration); err != nil {
		return nil, fmt.Errorf("decoding integration %s, %w", id, err)
	}
	return integration, nil
}
