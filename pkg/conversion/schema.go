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

// Package conversion turns raw provider records into canonical shard fields
// through declarative, tenant-owned schemas. The engine is pure: given a
// schema and a source record it produces the structured payload, the dedup
// key, and the external-relationship binding, with no store writes.
package conversion

import (
	"github.com/go-playground/validator/v10"
)

// MappingKind selects how one target field is produced.
type MappingKind string

const (
	KindDirect      MappingKind = "direct"
	KindTransform   MappingKind = "transform"
	KindConditional MappingKind = "conditional"
	KindDefault     MappingKind = "default"
	KindComposite   MappingKind = "composite"
	KindFlatten     MappingKind = "flatten"
	KindLookup      MappingKind = "lookup"
)

// TransformOp is one primitive in a transform chain.
type TransformOp string

const (
	OpUppercase       TransformOp = "uppercase"
	OpLowercase       TransformOp = "lowercase"
	OpTrim            TransformOp = "trim"
	OpTruncate        TransformOp = "truncate"
	OpReplace         TransformOp = "replace"
	OpRegexReplace    TransformOp = "regex-replace"
	OpSplit           TransformOp = "split"
	OpConcat          TransformOp = "concat"
	OpRound           TransformOp = "round"
	OpMultiply        TransformOp = "multiply"
	OpDivide          TransformOp = "divide"
	OpParseDate       TransformOp = "parse-date"
	OpFormatDate      TransformOp = "format-date"
	OpAddDays         TransformOp = "add-days"
	OpToString        TransformOp = "to-string"
	OpToNumber        TransformOp = "to-number"
	OpToBool          TransformOp = "to-bool"
	OpToArray         TransformOp = "to-array"
	OpToDate          TransformOp = "to-date"
	OpCurrencyConvert TransformOp = "currency-convert"
)

// Transform is one step in an ordered transform chain. Only the parameters
// relevant to the op are consulted.
type Transform struct {
	Op          TransformOp `json:"op" validate:"required"`
	Pattern     string      `json:"pattern,omitempty"`
	Replacement string      `json:"replacement,omitempty"`
	Separator   string      `json:"separator,omitempty"`
	Value       string      `json:"value,omitempty"`
	Layout      string      `json:"layout,omitempty"`
	Length      int         `json:"length,omitempty"`
	Precision   int         `json:"precision,omitempty"`
	Factor      float64     `json:"factor,omitempty"`
	Days        int         `json:"days,omitempty"`
}

// ConditionOp compares a source value against a case operand.
type ConditionOp string

const (
	CondEq         ConditionOp = "eq"
	CondNeq        ConditionOp = "neq"
	CondGt         ConditionOp = "gt"
	CondGte        ConditionOp = "gte"
	CondLt         ConditionOp = "lt"
	CondLte        ConditionOp = "lte"
	CondContains   ConditionOp = "contains"
	CondStartsWith ConditionOp = "starts-with"
	CondEndsWith   ConditionOp = "ends-with"
	CondIn         ConditionOp = "in"
	CondNotIn      ConditionOp = "not-in"
	CondExists     ConditionOp = "exists"
)

// ConditionalCase is one branch of a conditional mapping. Cases are evaluated
// in order and the first match wins.
type ConditionalCase struct {
	Operator ConditionOp   `json:"operator" validate:"required"`
	Operand  interface{}   `json:"operand,omitempty"`
	Operands []interface{} `json:"operands,omitempty"`
	Result   interface{}   `json:"result"`
}

// FieldMapping produces one target field of the canonical shape.
type FieldMapping struct {
	Target   string      `json:"target" validate:"required"`
	Kind     MappingKind `json:"kind" validate:"required,oneof=direct transform conditional default composite flatten lookup"`
	Required bool        `json:"required,omitempty"`

	// Source is the dot-path into the raw record for direct, transform,
	// conditional, flatten, and lookup mappings.
	Source string `json:"source,omitempty"`

	Transforms []Transform       `json:"transforms,omitempty" validate:"dive"`
	Cases      []ConditionalCase `json:"cases,omitempty" validate:"dive"`
	// Default is the static value for default mappings and the fallback for
	// conditional mappings with no matching case.
	Default interface{} `json:"default,omitempty"`
	// Template interpolates ${path} references against the raw record for
	// default and composite mappings.
	Template  string   `json:"template,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Separator string   `json:"separator,omitempty"`
	// Path selects a nested value out of the field named by Source for
	// flatten mappings; empty means Source itself is the full path.
	Path string `json:"path,omitempty"`
	// LookupType is the external system type resolved for lookup mappings.
	LookupType string `json:"lookupType,omitempty"`
}

// DedupStrategy decides how the upsert key for a converted record is built.
type DedupStrategy string

const (
	DedupExternalID DedupStrategy = "external_id"
	DedupFieldMatch DedupStrategy = "field_match"
	DedupComposite  DedupStrategy = "composite"
)

// DedupSpec declares the schema's deduplication strategy.
type DedupSpec struct {
	Strategy DedupStrategy `json:"strategy" validate:"required,oneof=external_id field_match composite"`
	Fields   []string      `json:"fields,omitempty"`
}

// MissingSourcePolicy decides what happens to the shard when the external
// record disappears from the source system.
type MissingSourcePolicy string

const (
	MissingIgnore     MissingSourcePolicy = "ignore"
	MissingSoftDelete MissingSourcePolicy = "soft_delete"
	MissingHardDelete MissingSourcePolicy = "hard_delete"
)

// Schema maps one external entity to one canonical shard type.
type Schema struct {
	ID         string `json:"id" validate:"required"`
	TenantID   string `json:"tenantId" validate:"required"`
	ProviderID string `json:"providerId" validate:"required"`
	// Entity is the external type this schema consumes, e.g. "Opportunity".
	Entity string `json:"entity" validate:"required"`
	// ShardType is the canonical target, e.g. "c_opportunity".
	ShardType string              `json:"shardType" validate:"required"`
	Mappings  []FieldMapping      `json:"mappings" validate:"required,min=1,dive"`
	Dedup     DedupSpec           `json:"dedup"`
	OnMissing MissingSourcePolicy `json:"onMissing,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the schema's structural constraints before it is accepted
// into the engine.
func (s *Schema) Validate() error {
	return validate.Struct(s)
}
