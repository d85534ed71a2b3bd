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

// Package governance implements the policy overlay applied to every shard
// write and read: field redaction, ACL checks, and the audit trail. Redaction
// and auditing run inside the store's write path; ACL filtering runs in the
// retrieval and API layers.
package governance

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/shardstream/shardstream/pkg/apis/core"
)

// DefaultSentinel replaces redacted values when a policy does not declare one.
const DefaultSentinel = "[REDACTED]"

// RedactionPolicy is the tenant's redaction configuration. Paths are dot
// notation over structuredData.
type RedactionPolicy struct {
	TenantID  string    `json:"tenantId" validate:"required"`
	Version   int       `json:"version"`
	Sentinel  string    `json:"sentinel,omitempty"`
	Paths     []string  `json:"paths" validate:"dive,required"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (p *RedactionPolicy) Validate() error {
	return validate.Struct(p)
}

func (p *RedactionPolicy) sentinel() string {
	if p.Sentinel == "" {
		return DefaultSentinel
	}
	return p.Sentinel
}

// Redact replaces every configured path present in structured with the
// policy's sentinel, in place, and returns one record per replaced path.
// Absent paths and values already equal to the sentinel are skipped so that
// re-running the policy on a stored shard is a no-op.
func Redact(policy *RedactionPolicy, structured map[string]interface{}, now time.Time) []core.Redaction {
	if policy == nil || len(policy.Paths) == 0 || structured == nil {
		return nil
	}
	var applied []core.Redaction
	for _, path := range policy.Paths {
		if replaceAt(structured, strings.Split(path, "."), policy.sentinel()) {
			applied = append(applied, core.Redaction{
				Path:          path,
				PolicyVersion: policy.Version,
				RedactedAt:    now,
			})
		}
	}
	return applied
}

func replaceAt(node map[string]interface{}, segments []string, sentinel string) bool {
	key := segments[0]
	value, ok := node[key]
	if !ok {
		return false
	}
	if len(segments) == 1 {
		if s, isString := value.(string); isString && s == sentinel {
			return false
		}
		node[key] = sentinel
		return true
	}
	child, ok := value.(map[string]interface{})
	if !ok {
		return false
	}
	return replaceAt(child, segments[1:], sentinel)
}
