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

	"github.com/shardstream/shardstream/pkg/conversion"
	"github.com/shardstream/shardstream/pkg/errors"
)

// Schemas stores the tenant's conversion schemas keyed by
// (tenant, provider, entity). The normalization worker resolves one per
// consumed record, so lookups are cached.
type Schemas struct {
	db    *sqlx.DB
	cache *cache.Cache
}

func NewSchemas(db *sqlx.DB) *Schemas {
	return &Schemas{db: db, cache: cache.New(time.Minute, 2*time.Minute)}
}

func schemaKey(tenantID, providerID, entity string) string {
	return tenantID + "/" + providerID + "/" + entity
}

// Get returns the schema for one external entity, KindNotFound when the
// tenant has not mapped it.
func (s *Schemas) Get(ctx context.Context, tenantID, providerID, entity string) (*conversion.Schema, error) {
	key := schemaKey(tenantID, providerID, entity)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*conversion.Schema), nil
	}
	var doc []byte
	err := s.db.GetContext(ctx, &doc,
		`SELECT doc FROM conversion_schemas WHERE tenant_id = $1 AND provider_id = $2 AND entity = $3`,
		tenantID, providerID, entity)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound,
			"no conversion schema for %s/%s/%s", tenantID, providerID, entity)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversion schema %s, %w", key, err)
	}
	schema := &conversion.Schema{}
	if err := json.Unmarshal(doc, schema); err != nil {
		return nil, fmt.Errorf("decoding conversion schema %s, %w", key, err)
	}
	s.cache.SetDefault(key, schema)
	return schema, nil
}

// Put validates and stores a schema.
func (s *Schemas) Put(ctx context.Context, schema *conversion.Schema) error {
	if err := schema.Validate(); err != nil {
		return errors.New(errors.KindValidation, err)
	}
	doc, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encoding conversion schema %s, %w", schema.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversion_schemas (tenant_id, provider_id, entity, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, provider_id, entity) DO UPDATE SET doc = EXCLUDED.doc`,
		schema.TenantID, schema.ProviderID, schema.Entity, string(doc))
	if err != nil {
		return fmt.Errorf("storing conversion schema %s, %w", schema.ID, err)
	}
	s.cache.Delete(schemaKey(schema.TenantID, schema.ProviderID, schema.Entity))
	return nil
}
