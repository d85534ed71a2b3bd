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

package conversion

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/providers/framework"
)

// ValidationError reports a required target field that is absent after all
// mappings ran. It is retryable only with re-fetched input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// TransformError reports a type mismatch or a failed transform step.
type TransformError struct {
	Field string
	Op    TransformOp
	Cause error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("field %q, transform %s: %v", e.Field, e.Op, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// Resolver maps an external record reference to an internal shard id for
// lookup mappings. Implementations return KindNotFound when no shard is
// bound to the reference yet.
type Resolver interface {
	ResolveExternal(ctx context.Context, tenantID, system, systemType, externalID string) (string, error)
}

// Output is the result of converting one source record.
type Output struct {
	ShardType   string
	Structured  map[string]interface{}
	DedupKey    string
	ExternalRef core.ExternalRelationship
	// Deleted marks a tombstone from the source; Structured is empty and the
	// schema's missing-source policy decides what happens to the shard.
	Deleted bool
}

// Engine converts source records through declarative schemas. It holds no
// per-record state and is safe for concurrent use.
type Engine struct {
	resolver Resolver
}

func NewEngine(resolver Resolver) *Engine {
	return &Engine{resolver: resolver}
}

// Convert maps one source record into its canonical shape. Apart from lookup
// resolution it performs no I/O.
func (e *Engine) Convert(ctx context.Context, schema *Schema, rec framework.Record) (*Output, error) {
	out := &Output{
		ShardType:  schema.ShardType,
		Structured: map[string]interface{}{},
		ExternalRef: core.ExternalRelationship{
			System:        schema.ProviderID,
			SystemType:    schema.Entity,
			ExternalID:    rec.ExternalID,
			LastSyncedAt:  rec.ModifiedAt,
			SyncStatus:    core.ExternalSynced,
			SyncDirection: core.SyncPull,
		},
		Deleted: rec.Deleted,
	}
	if rec.Deleted {
		key, err := dedupKey(schema, rec.ExternalID, nil)
		if err != nil {
			return nil, err
		}
		out.DedupKey = key
		return out, nil
	}

	for _, mapping := range schema.Mappings {
		value, err := e.evaluate(ctx, schema, mapping, rec.Fields)
		if err != nil {
			return nil, err
		}
		if value == nil {
			if mapping.Required {
				return nil, errors.New(errors.KindValidation,
					&ValidationError{Field: mapping.Target, Reason: "required field absent after mapping"})
			}
			continue
		}
		out.Structured[mapping.Target] = value
	}

	key, err := dedupKey(schema, rec.ExternalID, out.Structured)
	if err != nil {
		return nil, err
	}
	out.DedupKey = key
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, schema *Schema, mapping FieldMapping, raw []byte) (interface{}, error) {
	switch mapping.Kind {
	case KindDirect:
		return valueAt(raw, mapping.Source), nil
	case KindTransform:
		value := valueAt(raw, mapping.Source)
		for _, t := range mapping.Transforms {
			next, err := applyTransform(t, value)
			if err != nil {
				return nil, errors.New(errors.KindValidation,
					&TransformError{Field: mapping.Target, Op: t.Op, Cause: err})
			}
			value = next
		}
		return value, nil
	case KindConditional:
		value := valueAt(raw, mapping.Source)
		for _, c := range mapping.Cases {
			ok, err := matches(c, value)
			if err != nil {
				return nil, errors.New(errors.KindValidation,
					&TransformError{Field: mapping.Target, Op: TransformOp(c.Operator), Cause: err})
			}
			if ok {
				return c.Result, nil
			}
		}
		return mapping.Default, nil
	case KindDefault:
		if mapping.Template != "" {
			return renderTemplate(mapping.Template, raw), nil
		}
		return mapping.Default, nil
	case KindComposite:
		if mapping.Template != "" {
			return renderTemplate(mapping.Template, raw), nil
		}
		parts := make([]string, 0, len(mapping.Sources))
		for _, source := range mapping.Sources {
			if v := valueAt(raw, source); v != nil {
				s, err := asString(v)
				if err != nil {
					return nil, errors.New(errors.KindValidation,
						&TransformError{Field: mapping.Target, Op: "composite", Cause: err})
				}
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return nil, nil
		}
		return strings.Join(parts, mapping.Separator), nil
	case KindFlatten:
		path := mapping.Source
		if mapping.Path != "" {
			path = mapping.Source + "." + mapping.Path
		}
		return valueAt(raw, path), nil
	case KindLookup:
		externalID := valueAt(raw, mapping.Source)
		if externalID == nil {
			return nil, nil
		}
		id, err := asString(externalID)
		if err != nil {
			return nil, errors.New(errors.KindValidation,
				&TransformError{Field: mapping.Target, Op: "lookup", Cause: err})
		}
		shardID, err := e.resolver.ResolveExternal(ctx, schema.TenantID, schema.ProviderID, mapping.LookupType, id)
		if err != nil {
			if errors.Is(err, errors.KindNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return shardID, nil
	}
	return nil, fmt.Errorf("unknown mapping kind %q", mapping.Kind)
}

// valueAt picks a dot-path value out of the raw record, nil when absent.
func valueAt(raw []byte, path string) interface{} {
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

var templateRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// renderTemplate interpolates ${path} references against the raw record.
// Unresolved references render empty.
func renderTemplate(template string, raw []byte) string {
	return templateRef.ReplaceAllStringFunc(template, func(ref string) string {
		path := ref[2 : len(ref)-1]
		return gjson.GetBytes(raw, path).String()
	})
}
