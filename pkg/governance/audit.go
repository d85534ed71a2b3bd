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

package governance

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/shardstream/shardstream/pkg/apis/core"
)

// maxScalarLength caps recorded before/after values; longer strings are
// treated as blobs and only the changed path is kept.
const maxScalarLength = 256

// AuditShardID is deterministic so replayed writes collapse onto the same
// audit shard instead of duplicating the trail.
func AuditShardID(targetID string, version int64) string {
	return fmt.Sprintf("%s@%d.audit", targetID, version)
}

// Diff computes the changed field paths between two structured payloads,
// ordered by path. Values are diffed after redaction so the trail never
// leaks what a policy removed.
func Diff(before, after map[string]interface{}) []core.FieldChange {
	changes := map[string]core.FieldChange{}
	diffInto(changes, "", before, after)
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	out := make([]core.FieldChange, 0, len(paths))
	for _, path := range paths {
		out = append(out, changes[path])
	}
	return out
}

func diffInto(changes map[string]core.FieldChange, prefix string, before, after map[string]interface{}) {
	for key, beforeValue := range before {
		path := join(prefix, key)
		afterValue, ok := after[key]
		if !ok {
			changes[path] = core.FieldChange{Path: path, Before: scalar(beforeValue)}
			continue
		}
		diffValue(changes, path, beforeValue, afterValue)
	}
	for key, afterValue := range after {
		if _, ok := before[key]; ok {
			continue
		}
		path := join(prefix, key)
		changes[path] = core.FieldChange{Path: path, After: scalar(afterValue)}
	}
}

func diffValue(changes map[string]core.FieldChange, path string, before, after interface{}) {
	beforeMap, beforeIsMap := before.(map[string]interface{})
	afterMap, afterIsMap := after.(map[string]interface{})
	if beforeIsMap && afterIsMap {
		diffInto(changes, path, beforeMap, afterMap)
		return
	}
	if equalValue(before, after) {
		return
	}
	changes[path] = core.FieldChange{Path: path, Before: scalar(before), After: scalar(after)}
}

func equalValue(left, right interface{}) bool {
	ls, lok := format(left)
	rs, rok := format(right)
	if lok && rok {
		return ls == rs
	}
	return reflect.DeepEqual(left, right)
}

// scalar renders a value for the audit trail; non-scalars and oversized
// strings return nil so the record stays compact.
func scalar(value interface{}) *string {
	s, ok := format(value)
	if !ok || len(s) > maxScalarLength {
		return nil
	}
	return &s
}

func format(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case time.Time:
		return v.Format(time.RFC3339), true
	}
	return fmt.Sprintf("%v", value), false
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// NewAuditShard wraps an audit record into its system.audit_log shard. The
// shard inherits the target's ACL so the trail is exactly as visible as the
// record it describes.
func NewAuditShard(target *core.Shard, record core.AuditRecord) *core.Shard {
	return &core.Shard{
		ID:          AuditShardID(record.TargetShardID, record.Version),
		TenantID:    target.TenantID,
		ShardTypeID: core.ShardTypeAuditLog,
		Name:        fmt.Sprintf("%s %s", record.EventKind, record.TargetShardID),
		StructuredData: map[string]interface{}{
			"targetShardId": record.TargetShardID,
			"version":       record.Version,
			"actor":         record.Actor,
			"eventKind":     string(record.EventKind),
			"changes":       record.Changes,
			"occurredAt":    record.OccurredAt.Format(time.RFC3339),
		},
		Status: core.ShardStatusActive,
		Metadata: core.ShardMetadata{
			CreatedAt: record.OccurredAt,
			UpdatedAt: record.OccurredAt,
			CreatedBy: record.Actor,
			Version:   1,
		},
		InternalRelationships: []core.InternalRelationship{{
			ShardID:     record.TargetShardID,
			ShardTypeID: target.ShardTypeID,
			Kind:        core.RelationshipReferences,
			Metadata:    core.RelationshipMetadata{Confidence: 1, Source: "system", CreatedAt: record.OccurredAt},
		}},
		ACL: target.ACL,
	}
}
