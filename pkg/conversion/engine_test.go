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

package conversion_test

import (
	"context"
	stderrors "errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shardstream/shardstream/pkg/conversion"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/providers/framework"
)

// fakeResolver resolves external ids from a fixed table.
type fakeResolver struct {
	shards map[string]string
}

func (r *fakeResolver) ResolveExternal(_ context.Context, tenantID, system, systemType, externalID string) (string, error) {
	if id, ok := r.shards[tenantID+"/"+system+"/"+systemType+"/"+externalID]; ok {
		return id, nil
	}
	return "", errors.Newf(errors.KindNotFound, "no shard for %s", externalID)
}

var _ = Describe("Engine", func() {
	var (
		ctx      context.Context
		engine   *conversion.Engine
		resolver *fakeResolver
		schema   *conversion.Schema
	)

	record := func(fields string) framework.Record {
		return framework.Record{
			ExternalID: "006-A1",
			ModifiedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
			Fields:     []byte(fields),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		resolver = &fakeResolver{shards: map[string]string{
			"t1/salesforce/Account/001-X9": "shard-account-9",
		}}
		engine = conversion.NewEngine(resolver)
		schema = &conversion.Schema{
			ID:         "sfdc-opportunity",
			TenantID:   "t1",
			ProviderID: "salesforce",
			Entity:     "Opportunity",
			ShardType:  "c_opportunity",
			Dedup:      conversion.DedupSpec{Strategy: conversion.DedupExternalID},
			Mappings: []conversion.FieldMapping{
				{Target: "name", Kind: conversion.KindDirect, Source: "Name", Required: true},
				{
					Target: "stage",
					Kind:   conversion.KindConditional,
					Source: "StageName",
					Cases: []conversion.ConditionalCase{
						{Operator: conversion.CondEq, Operand: "Closed Won", Result: "won"},
						{Operator: conversion.CondEq, Operand: "Closed Lost", Result: "lost"},
					},
					Default: "lead",
				},
				{
					Target: "amount",
					Kind:   conversion.KindTransform,
					Source: "Amount",
					Transforms: []conversion.Transform{
						{Op: conversion.OpToNumber},
						{Op: conversion.OpCurrencyConvert, Factor: 0.92},
					},
				},
				{Target: "ownerName", Kind: conversion.KindComposite, Sources: []string{"Owner.FirstName", "Owner.LastName"}, Separator: " "},
				{Target: "region", Kind: conversion.KindFlatten, Source: "Account", Path: "BillingAddress.state"},
				{Target: "accountShardId", Kind: conversion.KindLookup, Source: "AccountId", LookupType: "Account"},
				{Target: "source", Kind: conversion.KindDefault, Default: "crm"},
			},
		}
		Expect(schema.Validate()).To(Succeed())
	})

	It("should map a full record through every mapping kind", func() {
		out, err := engine.Convert(ctx, schema, record(`{
			"Name": "Acme Renewal",
			"StageName": "Closed Won",
			"Amount": "12000",
			"Owner": {"FirstName": "Dana", "LastName": "Reyes"},
			"Account": {"BillingAddress": {"state": "CA"}},
			"AccountId": "001-X9"
		}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(out.ShardType).To(Equal("c_opportunity"))
		Expect(out.Structured).To(HaveKeyWithValue("name", "Acme Renewal"))
		Expect(out.Structured).To(HaveKeyWithValue("stage", "won"))
		Expect(out.Structured).To(HaveKeyWithValue("amount", 11040.0))
		Expect(out.Structured).To(HaveKeyWithValue("ownerName", "Dana Reyes"))
		Expect(out.Structured).To(HaveKeyWithValue("region", "CA"))
		Expect(out.Structured).To(HaveKeyWithValue("accountShardId", "shard-account-9"))
		Expect(out.Structured).To(HaveKeyWithValue("source", "crm"))
		Expect(out.DedupKey).To(Equal("t1/salesforce/Opportunity/006-A1"))
		Expect(out.ExternalRef.System).To(Equal("salesforce"))
		Expect(out.ExternalRef.ExternalID).To(Equal("006-A1"))
	})

	It("should fall through a conditional to the default", func() {
		out, err := engine.Convert(ctx, schema, record(`{"Name": "Acme", "StageName": "Negotiation"}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Structured).To(HaveKeyWithValue("stage", "lead"))
	})

	It("should fail validation when a required field is absent", func() {
		_, err := engine.Convert(ctx, schema, record(`{"StageName": "Closed Won"}`))
		Expect(errors.Is(err, errors.KindValidation)).To(BeTrue())
		var validation *conversion.ValidationError
		Expect(stderrors.As(err, &validation)).To(BeTrue())
		Expect(validation.Field).To(Equal("name"))
	})

	It("should surface a transform type mismatch", func() {
		_, err := engine.Convert(ctx, schema, record(`{"Name": "Acme", "Amount": "not-a-number"}`))
		Expect(errors.Is(err, errors.KindValidation)).To(BeTrue())
		var transform *conversion.TransformError
		Expect(stderrors.As(err, &transform)).To(BeTrue())
		Expect(transform.Field).To(Equal("amount"))
	})

	It("should leave an unresolved lookup unset instead of failing", func() {
		out, err := engine.Convert(ctx, schema, record(`{"Name": "Acme", "AccountId": "001-unknown"}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Structured).ToNot(HaveKey("accountShardId"))
	})

	It("should convert tombstones without touching the mappings", func() {
		rec := record(`{}`)
		rec.Deleted = true
		out, err := engine.Convert(ctx, schema, rec)
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Deleted).To(BeTrue())
		Expect(out.Structured).To(BeEmpty())
		Expect(out.DedupKey).To(Equal("t1/salesforce/Opportunity/006-A1"))
	})

	Describe("dedup strategies", func() {
		It("should produce a stable field-match key independent of unlisted fields", func() {
			schema.Dedup = conversion.DedupSpec{Strategy: conversion.DedupFieldMatch, Fields: []string{"name"}}
			first, err := engine.Convert(ctx, schema, record(`{"Name": "Acme", "StageName": "Closed Won"}`))
			Expect(err).ToNot(HaveOccurred())
			second, err := engine.Convert(ctx, schema, record(`{"Name": "Acme", "StageName": "Closed Lost"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(first.DedupKey).To(Equal(second.DedupKey))
			Expect(first.DedupKey).To(HavePrefix("t1/salesforce/Opportunity/fields-"))
		})

		It("should vary the composite key with any field", func() {
			schema.Dedup = conversion.DedupSpec{Strategy: conversion.DedupComposite}
			first, err := engine.Convert(ctx, schema, record(`{"Name": "Acme", "StageName": "Closed Won"}`))
			Expect(err).ToNot(HaveOccurred())
			second, err := engine.Convert(ctx, schema, record(`{"Name": "Acme", "StageName": "Closed Lost"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(first.DedupKey).ToNot(Equal(second.DedupKey))
		})
	})

	Describe("templates", func() {
		It("should interpolate record paths into composite templates", func() {
			schema.Mappings = append(schema.Mappings, conversion.FieldMapping{
				Target:   "summary",
				Kind:     conversion.KindComposite,
				Template: "${Name} (${StageName})",
			})
			out, err := engine.Convert(ctx, schema, record(`{"Name": "Acme", "StageName": "Closed Won"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(out.Structured).To(HaveKeyWithValue("summary", "Acme (Closed Won)"))
		})
	})
})
