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

package graph_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/graph"
)

// fakeSource serves shards from memory and counts loads.
type fakeSource struct {
	shards   map[string]*core.Shard
	external map[string]string
	loads    atomic.Int64
}

func (f *fakeSource) FindByID(_ context.Context, tenantID, id string) (*core.Shard, error) {
	f.loads.Add(1)
	shard, ok := f.shards[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "shard %s not found", id)
	}
	if shard.TenantID != tenantID {
		return nil, errors.Newf(errors.KindTenantViolation, "shard %s belongs to another tenant", id)
	}
	return shard, nil
}

func (f *fakeSource) ResolveExternal(_ context.Context, _, system, systemType, externalID string) (string, error) {
	if id, ok := f.external[system+"/"+systemType+"/"+externalID]; ok {
		return id, nil
	}
	return "", errors.Newf(errors.KindNotFound, "unbound")
}

var now = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func edge(target, targetType string, confidence float64) core.InternalRelationship {
	return core.InternalRelationship{
		ShardID:     target,
		ShardTypeID: targetType,
		Kind:        core.RelationshipReferences,
		Metadata:    core.RelationshipMetadata{Confidence: confidence, Source: "manual"},
	}
}

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		source   *fakeSource
		resolver *graph.Resolver
	)

	newShard := func(id, shardType string, rels ...core.InternalRelationship) *core.Shard {
		return &core.Shard{
			ID:                    id,
			TenantID:              "t1",
			ShardTypeID:           shardType,
			Status:                core.ShardStatusActive,
			InternalRelationships: rels,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		source = &fakeSource{shards: map[string]*core.Shard{}, external: map[string]string{}}
		resolver = graph.NewResolver(source, clocktesting.NewFakeClock(now))
	})

	It("should traverse direct and transitive edges with min-along-path confidence", func() {
		source.shards["P"] = newShard("P", core.ShardTypeProject,
			edge("S1", core.ShardTypeOpportunity, 0.9),
			edge("S2", core.ShardTypeAccount, 0.7))
		source.shards["S1"] = newShard("S1", core.ShardTypeOpportunity,
			edge("S3", core.ShardTypeContact, 0.8))
		source.shards["S2"] = newShard("S2", core.ShardTypeAccount)
		source.shards["S3"] = newShard("S3", core.ShardTypeContact)
		source.shards["S4"] = newShard("S4", core.ShardTypeDocument)

		result, err := resolver.Resolve(ctx, "t1", "P", graph.Options{MaxDepth: 2, MinConfidence: 0.6})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ShardIDs()).To(ConsistOf("S1", "S2", "S3"))
		Expect(result.Contains("S4")).To(BeFalse())
		Expect(result.ResolvedAt).To(Equal(now))

		byID := map[string]graph.Member{}
		for _, m := range result.Members {
			byID[m.ShardID] = m
		}
		Expect(byID["S1"].Confidence).To(BeNumerically("==", 0.9))
		Expect(byID["S2"].Confidence).To(BeNumerically("==", 0.7))
		// S3's confidence is the minimum along P -> S1 -> S3.
		Expect(byID["S3"].Confidence).To(BeNumerically("==", 0.8))
		Expect(byID["S3"].Depth).To(Equal(2))
	})

	It("should drop edges below the confidence floor", func() {
		source.shards["P"] = newShard("P", core.ShardTypeProject,
			edge("S1", core.ShardTypeOpportunity, 0.9),
			edge("S5", core.ShardTypeMessage, 0.3))
		source.shards["S1"] = newShard("S1", core.ShardTypeOpportunity,
			edge("S6", core.ShardTypeContact, 0.5))
		source.shards["S5"] = newShard("S5", core.ShardTypeMessage)
		source.shards["S6"] = newShard("S6", core.ShardTypeContact)

		result, err := resolver.Resolve(ctx, "t1", "P", graph.Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ShardIDs()).To(ConsistOf("S1"))
	})

	It("should stop at the depth bound", func() {
		source.shards["P"] = newShard("P", core.ShardTypeProject,
			edge("S1", core.ShardTypeOpportunity, 0.9))
		source.shards["S1"] = newShard("S1", core.ShardTypeOpportunity,
			edge("S2", core.ShardTypeAccount, 0.9))
		source.shards["S2"] = newShard("S2", core.ShardTypeAccount,
			edge("S3", core.ShardTypeContact, 0.9))
		source.shards["S3"] = newShard("S3", core.ShardTypeContact)

		result, err := resolver.Resolve(ctx, "t1", "P", graph.Options{MaxDepth: 2})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ShardIDs()).To(ConsistOf("S1", "S2"))
	})

	It("should cap the visited set at maxShards", func() {
		rels := make([]core.InternalRelationship, 0, 10)
		for i := 0; i < 10; i++ {
			id := string(rune('A' + i))
			rels = append(rels, edge(id, core.ShardTypeContact, 0.9))
			source.shards[id] = newShard(id, core.ShardTypeContact)
		}
		source.shards["P"] = newShard("P", core.ShardTypeProject, rels...)

		result, err := resolver.Resolve(ctx, "t1", "P", graph.Options{MaxShards: 4})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Members).To(HaveLen(4))
	})

	It("should exclude soft-deleted shards from the set", func() {
		source.shards["P"] = newShard("P", core.ShardTypeProject,
			edge("S1", core.ShardTypeOpportunity, 0.9))
		deleted := newShard("S1", core.ShardTypeOpportunity)
		deleted.Status = core.ShardStatusDeleted
		source.shards["S1"] = deleted

		result, err := resolver.Resolve(ctx, "t1", "P", graph.Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Members).To(BeEmpty())
	})

	It("should pull externally bound shards when asked", func() {
		source.shards["P"] = newShard("P", core.ShardTypeProject)
		source.shards["P"].ExternalRelationships = []core.ExternalRelationship{{
			System: "salesforce", SystemType: "Opportunity", ExternalID: "006-A1",
		}}
		source.shards["S9"] = newShard("S9", core.ShardTypeOpportunity)
		source.external["salesforce/Opportunity/006-A1"] = "S9"

		result, err := resolver.Resolve(ctx, "t1", "P", graph.Options{IncludeExternal: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ShardIDs()).To(ConsistOf("S9"))
	})

	It("should serve repeat resolutions from cache until invalidated", func() {
		source.shards["P"] = newShard("P", core.ShardTypeProject,
			edge("S1", core.ShardTypeOpportunity, 0.9))
		source.shards["S1"] = newShard("S1", core.ShardTypeOpportunity)

		_, err := resolver.Resolve(ctx, "t1", "P", graph.Options{})
		Expect(err).ToNot(HaveOccurred())
		loads := source.loads.Load()

		_, err = resolver.Resolve(ctx, "t1", "P", graph.Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(source.loads.Load()).To(Equal(loads))

		resolver.InvalidateShard("t1", "S1")
		_, err = resolver.Resolve(ctx, "t1", "P", graph.Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(source.loads.Load()).To(BeNumerically(">", loads))
	})

	It("should refuse to resolve a non-project shard", func() {
		source.shards["X"] = newShard("X", core.ShardTypeAccount)
		_, err := resolver.Resolve(ctx, "t1", "X", graph.Options{})
		Expect(errors.Is(err, errors.KindValidation)).To(BeTrue())
	})
})

var _ = Describe("Auto-attachment", func() {
	project := &core.Shard{
		ID:          "P",
		TenantID:    "t1",
		ShardTypeID: core.ShardTypeProject,
		Name:        "Acme Renewal",
		StructuredData: map[string]interface{}{
			"participants": []interface{}{"dana@acme.test", "sam@acme.test"},
		},
		InternalRelationships: []core.InternalRelationship{
			{ShardID: "E1", Kind: core.RelationshipReferences, Metadata: core.RelationshipMetadata{Confidence: 0.9}},
		},
	}

	It("should attach on an explicit reference alone", func() {
		shard := &core.Shard{
			ID: "N1", TenantID: "t1", ShardTypeID: core.ShardTypeMessage,
			UnstructuredData: "Kickoff notes for the Acme Renewal push next quarter.",
		}
		signals := graph.OverlapSignals(project, shard)
		Expect(signals).To(ContainElement(graph.SignalReference))
		Expect(graph.ShouldAttach(signals)).To(BeTrue())
	})

	It("should attach on two weak signals", func() {
		shard := &core.Shard{
			ID: "N2", TenantID: "t1", ShardTypeID: core.ShardTypeMessage,
			StructuredData: map[string]interface{}{
				"participants": []interface{}{"dana@acme.test"},
			},
			InternalRelationships: []core.InternalRelationship{
				{ShardID: "E1", Kind: core.RelationshipMentions, Metadata: core.RelationshipMetadata{Confidence: 0.8}},
			},
		}
		signals := graph.OverlapSignals(project, shard)
		Expect(signals).To(ConsistOf(graph.SignalEntity, graph.SignalActor))
		Expect(graph.ShouldAttach(signals)).To(BeTrue())

		rel := graph.Attachment(shard, signals, now)
		Expect(rel.Metadata.Source).To(Equal("auto"))
		Expect(rel.Metadata.Confidence).To(BeNumerically("~", 0.88, 0.001))
	})

	It("should not attach on one weak signal", func() {
		shard := &core.Shard{
			ID: "N3", TenantID: "t1", ShardTypeID: core.ShardTypeMessage,
			StructuredData: map[string]interface{}{
				"participants": []interface{}{"sam@acme.test"},
			},
		}
		signals := graph.OverlapSignals(project, shard)
		Expect(signals).To(ConsistOf(graph.SignalActor))
		Expect(graph.ShouldAttach(signals)).To(BeFalse())
	})
})
