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

package governance_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/governance"
)

var now = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

var _ = Describe("Redaction", func() {
	var policy *governance.RedactionPolicy

	BeforeEach(func() {
		policy = &governance.RedactionPolicy{
			TenantID: "t1",
			Version:  3,
			Paths:    []string{"email", "billing.cardNumber"},
		}
	})

	It("should replace configured paths and record each application", func() {
		structured := map[string]interface{}{
			"email": "dana@acme.test",
			"name":  "Dana",
			"billing": map[string]interface{}{
				"cardNumber": "4111-1111",
				"city":       "Oakland",
			},
		}
		applied := governance.Redact(policy, structured, now)
		Expect(applied).To(HaveLen(2))
		Expect(applied[0].Path).To(Equal("email"))
		Expect(applied[0].PolicyVersion).To(Equal(3))
		Expect(structured["email"]).To(Equal(governance.DefaultSentinel))
		Expect(structured["billing"]).To(HaveKeyWithValue("cardNumber", governance.DefaultSentinel))
		Expect(structured["billing"]).To(HaveKeyWithValue("city", "Oakland"))
		Expect(structured["name"]).To(Equal("Dana"))
	})

	It("should skip absent paths and be idempotent", func() {
		structured := map[string]interface{}{"email": "dana@acme.test"}
		Expect(governance.Redact(policy, structured, now)).To(HaveLen(1))
		Expect(governance.Redact(policy, structured, now)).To(BeEmpty())
	})

	It("should honor a custom sentinel", func() {
		policy.Sentinel = "***"
		structured := map[string]interface{}{"email": "dana@acme.test"}
		governance.Redact(policy, structured, now)
		Expect(structured["email"]).To(Equal("***"))
	})
})

var _ = Describe("ACL", func() {
	shard := func(acl ...core.ACLEntry) *core.Shard {
		return &core.Shard{ID: "s1", TenantID: "t1", ACL: acl}
	}

	It("should filter unreadable shards", func() {
		shards := []*core.Shard{
			shard(core.ACLEntry{Principal: "u1", Permission: core.PermissionRead}),
			shard(core.ACLEntry{Principal: "u2", Permission: core.PermissionAdmin}),
			shard(core.ACLEntry{Principal: "tenant", Permission: core.PermissionRead}),
		}
		Expect(governance.FilterReadable(shards, "u1")).To(HaveLen(2))
	})

	It("should deny writes to read-only principals", func() {
		s := shard(core.ACLEntry{Principal: "u1", Permission: core.PermissionRead})
		Expect(governance.RequireRead(s, "u1")).To(Succeed())
		err := governance.RequireWrite(s, "u1")
		Expect(errors.Is(err, errors.KindPermissionDenied)).To(BeTrue())
	})

	It("should keep user-scoped shards private to their owner", func() {
		acl := governance.DefaultACL(core.CredentialScopeUser, "u7")
		Expect(acl).To(ConsistOf(core.ACLEntry{Principal: "u7", Permission: core.PermissionAdmin}))

		acl = governance.DefaultACL(core.CredentialScopeTenant, "")
		Expect(acl).To(ConsistOf(core.ACLEntry{Principal: "tenant", Permission: core.PermissionWrite}))
	})
})

var _ = Describe("Audit", func() {
	It("should derive a deterministic audit shard id", func() {
		Expect(governance.AuditShardID("shard-9", 4)).To(Equal("shard-9@4.audit"))
	})

	It("should diff scalars, nested maps, and removals", func() {
		before := map[string]interface{}{
			"stage":  "lead",
			"amount": 100.0,
			"owner":  map[string]interface{}{"name": "Dana", "team": "west"},
			"legacy": "gone",
		}
		after := map[string]interface{}{
			"stage":  "won",
			"amount": 100.0,
			"owner":  map[string]interface{}{"name": "Sam", "team": "west"},
			"region": "CA",
		}
		changes := governance.Diff(before, after)
		paths := []string{}
		for _, c := range changes {
			paths = append(paths, c.Path)
		}
		Expect(paths).To(Equal([]string{"legacy", "owner.name", "region", "stage"}))

		byPath := map[string]core.FieldChange{}
		for _, c := range changes {
			byPath[c.Path] = c
		}
		Expect(*byPath["stage"].Before).To(Equal("lead"))
		Expect(*byPath["stage"].After).To(Equal("won"))
		Expect(byPath["legacy"].After).To(BeNil())
		Expect(byPath["region"].Before).To(BeNil())
	})

	It("should omit values for blobs and oversized strings", func() {
		long := make([]byte, 1024)
		for i := range long {
			long[i] = 'x'
		}
		changes := governance.Diff(
			map[string]interface{}{"body": "short", "tags": []interface{}{"a"}},
			map[string]interface{}{"body": string(long), "tags": []interface{}{"a", "b"}},
		)
		byPath := map[string]core.FieldChange{}
		for _, c := range changes {
			byPath[c.Path] = c
		}
		Expect(byPath).To(HaveKey("body"))
		Expect(byPath["body"].After).To(BeNil())
		Expect(byPath).To(HaveKey("tags"))
		Expect(byPath["tags"].Before).To(BeNil())
		Expect(byPath["tags"].After).To(BeNil())
	})

	It("should inherit the target ACL on the audit shard", func() {
		target := &core.Shard{
			ID:          "shard-9",
			TenantID:    "t1",
			ShardTypeID: core.ShardTypeOpportunity,
			ACL:         []core.ACLEntry{{Principal: "u1", Permission: core.PermissionRead}},
		}
		audit := governance.NewAuditShard(target, core.AuditRecord{
			TargetShardID: "shard-9",
			Version:       2,
			Actor:         "system/normalizer",
			EventKind:     core.AuditUpdate,
			OccurredAt:    now,
		})
		Expect(audit.ID).To(Equal("shard-9@2.audit"))
		Expect(audit.ShardTypeID).To(Equal(core.ShardTypeAuditLog))
		Expect(audit.ACL).To(Equal(target.ACL))
		Expect(audit.InternalRelationships).To(HaveLen(1))
		Expect(audit.InternalRelationships[0].ShardID).To(Equal("shard-9"))
	})
})
