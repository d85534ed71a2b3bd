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

// Package insights computes tenant KPIs over CRM shards and materializes them
// as insight shards. Every KPI shard carries provenance links to the source
// shards it was computed from; retrieval refuses insight shards without them.
package insights

import (
	"fmt"
	"strings"
	"time"

	"github.com/shardstream/shardstream/pkg/apis/core"
)

// KPIKind names one computed metric.
type KPIKind string

const (
	KPIDealValue        KPIKind = "deal_value"
	KPIWinRate          KPIKind = "win_rate"
	KPICycleTime        KPIKind = "cycle_time_days"
	KPICloseProbability KPIKind = "close_probability"
)

// KPI is one computed value plus the shards that fed it.
type KPI struct {
	Kind       KPIKind
	Value      float64
	Unit       string
	SampleSize int
	SourceIDs  []string
}

// stageProbabilities back the close-probability estimate for open deals.
// Unknown stages count as early-funnel.
var stageProbabilities = map[string]float64{
	"lead":        0.1,
	"qualified":   0.25,
	"proposal":    0.5,
	"negotiation": 0.7,
	"won":         1,
	"lost":        0,
}

// Compute derives the KPI set from the tenant's opportunity shards. KPIs
// whose inputs are absent (e.g. win rate with no closed deals) are omitted
// rather than reported as zero.
func Compute(opportunities []*core.Shard, now time.Time) []KPI {
	var (
		dealValue   KPI
		winRate     KPI
		cycleTime   KPI
		probability KPI

		won, lost     int
		cycleDaysSum  float64
		closedSampled int
		probSum       float64
	)
	dealValue = KPI{Kind: KPIDealValue, Unit: "currency"}
	winRate = KPI{Kind: KPIWinRate, Unit: "ratio"}
	cycleTime = KPI{Kind: KPICycleTime, Unit: "days"}
	probability = KPI{Kind: KPICloseProbability, Unit: "ratio"}

	for _, opp := range opportunities {
		if opp.ShardTypeID != core.ShardTypeOpportunity || opp.Status != core.ShardStatusActive {
			continue
		}
		stage := normalizedStage(opp)
		closed := stage == "won" || stage == "lost"

		if !closed {
			dealValue.Value += amount(opp)
			dealValue.SampleSize++
			dealValue.SourceIDs = append(dealValue.SourceIDs, opp.ID)

			probSum += stageProbability(stage)
			probability.SampleSize++
			probability.SourceIDs = append(probability.SourceIDs, opp.ID)
			continue
		}

		if stage == "won" {
			won++
		} else {
			lost++
		}
		winRate.SampleSize++
		winRate.SourceIDs = append(winRate.SourceIDs, opp.ID)

		if days, ok := cycleDays(opp, now); ok {
			cycleDaysSum += days
			closedSampled++
			cycleTime.SampleSize++
			cycleTime.SourceIDs = append(cycleTime.SourceIDs, opp.ID)
		}
	}

	var kpis []KPI
	if dealValue.SampleSize > 0 {
		kpis = append(kpis, dealValue)
	}
	if winRate.SampleSize > 0 {
		winRate.Value = float64(won) / float64(won+lost)
		kpis = append(kpis, winRate)
	}
	if closedSampled > 0 {
		cycleTime.Value = cycleDaysSum / float64(closedSampled)
		kpis = append(kpis, cycleTime)
	}
	if probability.SampleSize > 0 {
		probability.Value = probSum / float64(probability.SampleSize)
		kpis = append(kpis, probability)
	}
	return kpis
}

// ShardID is deterministic so recomputation supersedes by version instead of
// accumulating duplicates.
func ShardID(tenantID string, kind KPIKind) string {
	return fmt.Sprintf("kpi/%s/%s", tenantID, kind)
}

// Shard materializes one KPI with provenance links to every source shard.
func Shard(tenantID string, kpi KPI, now time.Time) *core.Shard {
	provenance := make([]core.InternalRelationship, 0, len(kpi.SourceIDs))
	for _, sourceID := range kpi.SourceIDs {
		provenance = append(provenance, core.InternalRelationship{
			ShardID:     sourceID,
			ShardTypeID: core.ShardTypeOpportunity,
			Kind:        core.RelationshipProvenance,
			Metadata:    core.RelationshipMetadata{Confidence: 1, Source: "system", CreatedAt: now},
		})
	}
	return &core.Shard{
		ID:          ShardID(tenantID, kpi.Kind),
		TenantID:    tenantID,
		ShardTypeID: core.ShardTypeInsightKPI,
		Name:        strings.ReplaceAll(string(kpi.Kind), "_", " "),
		Status:      core.ShardStatusActive,
		StructuredData: map[string]interface{}{
			"kpi":        string(kpi.Kind),
			"value":      kpi.Value,
			"unit":       kpi.Unit,
			"sampleSize": kpi.SampleSize,
			"computedAt": now.Format(time.RFC3339),
		},
		InternalRelationships: provenance,
		ACL:                   []core.ACLEntry{{Principal: "tenant", Permission: core.PermissionRead}},
	}
}

func normalizedStage(opp *core.Shard) string {
	stage, _ := opp.StructuredData["stage"].(string)
	return strings.ToLower(strings.TrimSpace(stage))
}

func stageProbability(stage string) float64 {
	if p, ok := stageProbabilities[stage]; ok {
		return p
	}
	return stageProbabilities["lead"]
}

func amount(opp *core.Shard) float64 {
	switch v := opp.StructuredData["amount"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// cycleDays measures creation to close. A missing or unparsable closedAt
// falls back to the last update, which tracks the closing mutation.
func cycleDays(opp *core.Shard, now time.Time) (float64, bool) {
	created := opp.Metadata.CreatedAt
	if created.IsZero() {
		return 0, false
	}
	closed := opp.Metadata.UpdatedAt
	if raw, ok := opp.StructuredData["closedAt"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			closed = parsed
		}
	}
	if closed.IsZero() || closed.Before(created) {
		return 0, false
	}
	if closed.After(now) {
		closed = now
	}
	return closed.Sub(created).Hours() / 24, true
}
