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

package apiserver

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/governance"
	"github.com/shardstream/shardstream/pkg/storage"
)

func (s *Server) getRedactionConfig(w http.ResponseWriter, r *http.Request) {
	policy, err := s.policies.RedactionPolicy(r.Context(), callerOf(r).tenantID)
	if err != nil {
		respondError(w, err)
		return
	}
	if policy == nil {
		respondError(w, errors.Newf(errors.KindNotFound, "no redaction policy configured"))
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

// putRedactionConfig stores the policy. Tenant and author always come from
// the request identity regardless of the body.
func (s *Server) putRedactionConfig(w http.ResponseWriter, r *http.Request) {
	var policy governance.RedactionPolicy
	if err := decodeBody(r, &policy); err != nil {
		respondError(w, err)
		return
	}
	id := callerOf(r)
	policy.TenantID = id.tenantID
	policy.UpdatedBy = id.principal
	policy.UpdatedAt = s.clk.Now().UTC()

	if err := s.policies.Put(r.Context(), &policy); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &policy)
}

func (s *Server) deleteRedactionConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(r.Context(), callerOf(r).tenantID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// timeRange parses from/to query params, RFC 3339.
func timeRange(r *http.Request) (from, to time.Time, err error) {
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, errors.Newf(errors.KindValidation, "invalid from %q", raw)
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, errors.Newf(errors.KindValidation, "invalid to %q", raw)
		}
	}
	return from, to, nil
}

func inRange(ts time.Time, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}

type auditTrailResponse struct {
	Entries []*core.Shard `json:"entries"`
}

// auditTrail lists audit shards newest first, optionally narrowed by target
// shard, actor, and occurrence window.
func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		respondError(w, err)
		return
	}
	id := callerOf(r)
	shards, err := s.store.QueryByTenant(r.Context(), id.tenantID, storage.Filter{
		ShardTypes: []string{core.ShardTypeAuditLog},
	})
	if err != nil {
		respondError(w, err)
		return
	}

	target := r.URL.Query().Get("target")
	actor := r.URL.Query().Get("actor")
	entries := make([]*core.Shard, 0, len(shards))
	for _, shard := range governance.FilterReadable(shards, id.principal) {
		if target != "" && structuredString(shard, "targetShardId") != target {
			continue
		}
		if actor != "" && structuredString(shard, "actor") != actor {
			continue
		}
		occurred, ok := structuredTime(shard, "occurredAt")
		if (!from.IsZero() || !to.IsZero()) && (!ok || !inRange(occurred, from, to)) {
			continue
		}
		entries = append(entries, shard)
	}
	respondJSON(w, http.StatusOK, auditTrailResponse{Entries: entries})
}

type metricsResponse struct {
	Metrics []*core.Shard `json:"metrics"`
}

func (s *Server) listMetrics(w http.ResponseWriter, r *http.Request) {
	shards, err := s.metricShards(r)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, metricsResponse{Metrics: shards})
}

type aggregatedResponse struct {
	Kind       string  `json:"kind"`
	Field      string  `json:"field"`
	Percentile float64 `json:"percentile"`
	Value      float64 `json:"value"`
	Count      int     `json:"count"`
}

// aggregatedMetrics reports a percentile over one metric family. The field
// defaults to the record's value; search-usage shards expose ratios under
// their own keys.
func (s *Server) aggregatedMetrics(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		respondError(w, errors.Newf(errors.KindValidation, "kind is required"))
		return
	}
	percentile := 0.95
	if raw := r.URL.Query().Get("percentile"); raw != "" {
		parsed, err := parsePercentile(raw)
		if err != nil {
			respondError(w, err)
			return
		}
		percentile = parsed
	}
	field := r.URL.Query().Get("field")
	if field == "" {
		field = "value"
	}

	shards, err := s.metricShards(r)
	if err != nil {
		respondError(w, err)
		return
	}
	values := make([]float64, 0, len(shards))
	for _, shard := range shards {
		if value, ok := structuredFloat(shard, field); ok {
			values = append(values, value)
		}
	}
	respondJSON(w, http.StatusOK, aggregatedResponse{
		Kind:       kind,
		Field:      field,
		Percentile: percentile,
		Value:      percentileOf(values, percentile),
		Count:      len(values),
	})
}

// metricShards lists readable system.metric shards matching the kind and
// time-range filters.
func (s *Server) metricShards(r *http.Request) ([]*core.Shard, error) {
	from, to, err := timeRange(r)
	if err != nil {
		return nil, err
	}
	id := callerOf(r)
	shards, err := s.store.QueryByTenant(r.Context(), id.tenantID, storage.Filter{
		ShardTypes: []string{core.ShardTypeMetric},
	})
	if err != nil {
		return nil, err
	}

	kind := r.URL.Query().Get("kind")
	matched := make([]*core.Shard, 0, len(shards))
	for _, shard := range governance.FilterReadable(shards, id.principal) {
		if kind != "" && metricKind(shard) != kind {
			continue
		}
		if !from.IsZero() || !to.IsZero() {
			observed, ok := structuredTime(shard, "observedAt")
			if !ok {
				observed, ok = structuredTime(shard, "windowClosedAt")
			}
			if !ok || !inRange(observed, from, to) {
				continue
			}
		}
		matched = append(matched, shard)
	}
	return matched, nil
}

// metricKind reads the family name. Usage shards label it "metric", record
// shards label it "kind".
func metricKind(shard *core.Shard) string {
	if kind := structuredString(shard, "kind"); kind != "" {
		return kind
	}
	return structuredString(shard, "metric")
}

func structuredString(shard *core.Shard, key string) string {
	value, _ := shard.StructuredData[key].(string)
	return value
}

func structuredTime(shard *core.Shard, key string) (time.Time, bool) {
	raw := structuredString(shard, key)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	return ts, err == nil
}

// structuredFloat tolerates the numeric types JSON round-trips produce.
func structuredFloat(shard *core.Shard, key string) (float64, bool) {
	switch value := shard.StructuredData[key].(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		parsed, err := value.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// parsePercentile accepts 0.95 and 95 alike.
func parsePercentile(raw string) (float64, error) {
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 || parsed > 100 {
		return 0, errors.Newf(errors.KindValidation, "invalid percentile %q", raw)
	}
	if parsed > 1 {
		parsed /= 100
	}
	return parsed, nil
}

// percentileOf is the nearest-rank percentile of values.
func percentileOf(values []float64, percentile float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(percentile*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
