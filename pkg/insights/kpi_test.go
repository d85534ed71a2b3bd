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

package insights_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/insights"
)

var now = time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

func opportunity(id, stage string, amount float64, created, closed time.Time) *core.Shard {
	structured := map[string]interface{}{"stage": stage, "amount": amount}
	if !closed.IsZero() {
		structured["closedAt"] = closed.Format(time.RFC3339)
	}
	return &core.Shard{
		ID:             id,
		TenantID:       "t1",
		ShardTypeID:    core.ShardTypeOpportunity,
		Status:         core.ShardStatusActive,
		StructuredData: structured,
		Metadata:       core.ShardMetadata{CreatedAt: created, UpdatedAt: created},
	}
}

var _ = Describe("KPI computation", func() {
	It("should compute the full KPI set from a mixed pipeline", func() {
		created := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
		opps := []*core.Shard{
			opportunity("O1", "negotiation", 50000, created, time.Time{}),
			opportunity("O2", "proposal", 30000, created, time.Time{}),
			opportunity("O3", "Won", 20000, created, created.AddDate(0, 0, 20)),
			opportunity("O4", "lost", 10000, created, created.AddDate(0, 0, 10)),
		}

		kpis := insights.Compute(opps, now)
		byKind := map[insights.KPIKind]insights.KPI{}
		for _, kpi := range kpis {
			byKind[kpi.Kind] = kpi
		}

		Expect(byKind[insights.KPIDealValue].Value).To(BeNumerically("==", 80000))
		Expect(byKind[insights.KPIDealValue].SourceIDs).To(ConsistOf("O1", "O2"))

		Expect(byKind[insights.KPIWinRate].Value).To(BeNumerically("==", 0.5))
		Expect(byKind[insights.KPIWinRate].SourceIDs).To(ConsistOf("O3", "O4"))

		Expect(byKind[insights.KPICycleTime].Value).To(BeNumerically("==", 15))

		// (0.7 + 0.5) / 2 over the two open deals.
		Expect(byKind[insights.KPICloseProbability].Value).To(BeNumerically("~", 0.6, 1e-9))
	})

	It("should omit KPIs whose inputs are absent", func() {
		created := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
		kpis := insights.Compute([]*core.Shard{
			opportunity("O1", "lead", 5000, created, time.Time{}),
		}, now)

		kinds := make([]insights.KPIKind, 0, len(kpis))
		for _, kpi := range kpis {
			kinds = append(kinds, kpi.Kind)
		}
		Expect(kinds).To(ConsistOf(insights.KPIDealValue, insights.KPICloseProbability))
	})

	It("should skip deleted and foreign-type shards", func() {
		created := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
		deleted := opportunity("O1", "negotiation", 50000, created, time.Time{})
		deleted.Status = core.ShardStatusDeleted
		account := opportunity("A1", "negotiation", 9000, created, time.Time{})
		account.ShardTypeID = core.ShardTypeAccount

		Expect(insights.Compute([]*core.Shard{deleted, account}, now)).To(BeEmpty())
	})

	It("should treat unknown stages as early funnel", func() {
		created := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
		kpis := insights.Compute([]*core.Shard{
			opportunity("O1", "Discovery Call", 1000, created, time.Time{}),
		}, now)
		byKind := map[insights.KPIKind]insights.KPI{}
		for _, kpi := range kpis {
			byKind[kpi.Kind] = kpi
		}
		Expect(byKind[insights.KPICloseProbability].Value).To(BeNumerically("==", 0.1))
	})
})

var _ = Describe("KPI shards", func() {
	It("should link provenance to every source shard", func() {
		kpi := insights.KPI{
			Kind: insights.KPIWinRate, Value: 0.5, Unit: "ratio",
			SampleSize: 2, SourceIDs: []string{"O3", "O4"},
		}
		shard := insights.Shard("t1", kpi, now)

		Expect(shard.ID).To(Equal("kpi/t1/win_rate"))
		Expect(shard.ShardTypeID).To(Equal(core.ShardTypeInsightKPI))
		Expect(shard.HasProvenance()).To(BeTrue())
		Expect(shard.InternalRelationships).To(HaveLen(2))
		for _, rel := range shard.InternalRelationships {
			Expect(rel.Kind).To(Equal(core.RelationshipProvenance))
		}
		Expect(shard.StructuredData["value"]).To(BeNumerically("==", 0.5))
		Expect(shard.StructuredData["sampleSize"]).To(Equal(2))
	})

	It("should keep the shard id stable across recomputation", func() {
		kpi := insights.KPI{Kind: insights.KPIDealValue, SourceIDs: []string{"O1"}}
		first := insights.Shard("t1", kpi, now)
		second := insights.Shard("t1", kpi, now.Add(24*time.Hour))
		Expect(first.ID).To(Equal(second.ID))
	})
})
