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

package storage_test

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/governance"
	"github.com/shardstream/shardstream/pkg/storage"
)

var now = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

// fakePolicies returns a fixed redaction policy for tenant t1.
type fakePolicies struct{}

func (fakePolicies) RedactionPolicy(_ context.Context, tenantID string) (*governance.RedactionPolicy, error) {
	if tenantID != "t1" {
		return nil, nil
	}
	return &governance.RedactionPolicy{TenantID: "t1", Version: 2, Paths: []string{"email"}}, nil
}

// docContaining matches a jsonb argument whose text includes every needle.
type docContaining []string

func (d docContaining) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, needle := range d {
		if !strings.Contains(s, needle) {
			return false
		}
	}
	return true
}

var _ = Describe("Store", func() {
	var (
		ctx   context.Context
		mock  sqlmock.Sqlmock
		store *storage.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		var db *sqlx.DB
		rawDB, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		db = sqlx.NewDb(rawDB, "sqlmock")
		store = storage.New(db, clocktesting.NewFakeClock(now), fakePolicies{})
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	shard := func() *core.Shard {
		return &core.Shard{
			ID:          "shard-1",
			TenantID:    "t1",
			ShardTypeID: core.ShardTypeContact,
			Name:        "Dana Reyes",
			StructuredData: map[string]interface{}{
				"email": "dana@acme.test",
				"title": "CTO",
			},
			ExternalRelationships: []core.ExternalRelationship{{
				System:     "salesforce",
				SystemType: "Contact",
				ExternalID: "003-A1",
				SyncStatus: core.ExternalSynced,
			}},
		}
	}

	Describe("Create", func() {
		It("should redact, write the audit shard and feed entry in one transaction, and bind external refs", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO shards`).
				WithArgs("shard-1", "t1", core.ShardTypeContact, "active", nil, nil,
					docContaining{governance.DefaultSentinel, `"title":"CTO"`}, now).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO shards`).
				WithArgs("shard-1@1.audit", "t1", core.ShardTypeAuditLog,
					docContaining{`"eventKind":"create"`}, now).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO change_feed`).
				WithArgs("t1", "shard-1", core.ShardTypeContact, "created", int64(1),
					"system/normalizer", nil, docContaining{`"id":"shard-1"`}, now).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec(`INSERT INTO ext_refs`).
				WithArgs("t1", "salesforce", "Contact", "003-A1", "shard-1",
					sqlmock.AnyArg(), "synced", "").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			s := shard()
			Expect(store.Create(ctx, "system/normalizer", s)).To(Succeed())
			Expect(s.StructuredData["email"]).To(Equal(governance.DefaultSentinel))
			Expect(s.Metadata.Redactions).To(HaveLen(1))
			Expect(s.Metadata.Version).To(BeEquivalentTo(1))
		})

		It("should reject a vector whose dimensions disagree with its embedding", func() {
			s := shard()
			s.Vectors = []core.Vector{{Embedding: []float32{1, 2}, Dimensions: 3, Model: "m"}}
			err := store.Create(ctx, "tester", s)
			Expect(errors.Is(err, errors.KindValidation)).To(BeTrue())
		})
	})

	Describe("Update", func() {
		lockedRow := func(s *core.Shard, version int64) *sqlmock.Rows {
			doc, err := json.Marshal(s)
			Expect(err).ToNot(HaveOccurred())
			return sqlmock.NewRows([]string{"id", "tenant_id", "version", "doc"}).
				AddRow(s.ID, s.TenantID, version, doc)
		}

		It("should fail with a tenant violation when the stored shard belongs elsewhere", func() {
			stored := shard()
			stored.TenantID = "t2"
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT id, tenant_id, version, doc FROM shards WHERE id = \$1 FOR UPDATE`).
				WithArgs("shard-1").
				WillReturnRows(lockedRow(stored, 1))
			mock.ExpectRollback()

			err := store.Update(ctx, "tester", shard())
			Expect(errors.Is(err, errors.KindTenantViolation)).To(BeTrue())
		})

		It("should be a no-op when nothing changed", func() {
			stored := shard()
			stored.StructuredData["email"] = governance.DefaultSentinel
			mock.ExpectBegin()
			mock.ExpectQuery(`FOR UPDATE`).
				WithArgs("shard-1").
				WillReturnRows(lockedRow(stored, 3))
			mock.ExpectCommit()

			Expect(store.Update(ctx, "tester", shard())).To(Succeed())
		})

		It("should bump the version and audit the diff on a real change", func() {
			stored := shard()
			stored.StructuredData["email"] = governance.DefaultSentinel
			mock.ExpectBegin()
			mock.ExpectQuery(`FOR UPDATE`).
				WithArgs("shard-1").
				WillReturnRows(lockedRow(stored, 3))
			mock.ExpectExec(`UPDATE shards SET`).
				WithArgs("active", int64(4), nil, nil,
					docContaining{`"title":"VP Engineering"`}, now, "shard-1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO shards`).
				WithArgs("shard-1@4.audit", "t1", core.ShardTypeAuditLog,
					docContaining{`"eventKind":"update"`, "title"}, now).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO change_feed`).
				WithArgs("t1", "shard-1", core.ShardTypeContact, "updated", int64(4),
					"tester", docContaining{`"title":"CTO"`}, docContaining{`"title":"VP Engineering"`}, now).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec(`INSERT INTO ext_refs`).
				WithArgs("t1", "salesforce", "Contact", "003-A1", "shard-1",
					sqlmock.AnyArg(), "synced", "").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			updated := shard()
			updated.StructuredData["title"] = "VP Engineering"
			Expect(store.Update(ctx, "tester", updated)).To(Succeed())
			Expect(updated.Metadata.Version).To(BeEquivalentTo(4))
		})

		It("should keep the stored ACL when a pipeline writer re-syncs the shard", func() {
			stored := shard()
			stored.StructuredData["email"] = governance.DefaultSentinel
			stored.ACL = []core.ACLEntry{
				{Principal: "tenant", Permission: core.PermissionRead},
				{Principal: "user/dana", Permission: core.PermissionAdmin},
			}
			mock.ExpectBegin()
			mock.ExpectQuery(`FOR UPDATE`).
				WithArgs("shard-1").
				WillReturnRows(lockedRow(stored, 3))
			mock.ExpectExec(`UPDATE shards SET`).
				WithArgs("active", int64(4), nil, nil,
					docContaining{`"title":"VP Engineering"`, `"user/dana"`}, now, "shard-1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO shards`).
				WithArgs("shard-1@4.audit", "t1", core.ShardTypeAuditLog,
					docContaining{`"eventKind":"update"`}, now).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO change_feed`).
				WithArgs("t1", "shard-1", core.ShardTypeContact, "updated", int64(4),
					"system.normalization", sqlmock.AnyArg(), docContaining{`"user/dana"`}, now).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec(`INSERT INTO ext_refs`).
				WithArgs("t1", "salesforce", "Contact", "003-A1", "shard-1",
					sqlmock.AnyArg(), "synced", "").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			// A re-normalized doc arrives with the default tenant-wide ACL.
			updated := shard()
			updated.StructuredData["title"] = "VP Engineering"
			updated.ACL = governance.DefaultACL(core.CredentialScopeTenant, "")
			Expect(store.Update(ctx, "system.normalization", updated)).To(Succeed())
			Expect(updated.ACL).To(Equal(stored.ACL))
		})

		It("should let a direct actor change the ACL", func() {
			stored := shard()
			stored.StructuredData["email"] = governance.DefaultSentinel
			stored.ACL = []core.ACLEntry{{Principal: "user/dana", Permission: core.PermissionAdmin}}
			mock.ExpectBegin()
			mock.ExpectQuery(`FOR UPDATE`).
				WithArgs("shard-1").
				WillReturnRows(lockedRow(stored, 3))
			mock.ExpectExec(`UPDATE shards SET`).
				WithArgs("active", int64(4), nil, nil,
					docContaining{`"user/lee"`}, now, "shard-1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO shards`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO change_feed`).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec(`INSERT INTO ext_refs`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			updated := shard()
			updated.StructuredData["title"] = "VP Engineering"
			updated.ACL = []core.ACLEntry{{Principal: "user/lee", Permission: core.PermissionAdmin}}
			Expect(store.Update(ctx, "user/dana", updated)).To(Succeed())
			Expect(updated.ACL).To(HaveLen(1))
			Expect(updated.ACL[0].Principal).To(Equal("user/lee"))
		})
	})

	Describe("Upsert", func() {
		It("should route an unseen dedup key to create", func() {
			mock.ExpectQuery(`SELECT id FROM shards WHERE tenant_id = \$1 AND dedup_key = \$2`).
				WithArgs("t1", "t1/salesforce/Contact/003-A1").
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO shards`).
				WithArgs("shard-1", "t1", core.ShardTypeContact, "active", "t1/salesforce/Contact/003-A1",
					nil, sqlmock.AnyArg(), now).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO shards`).
				WithArgs(sqlmock.AnyArg(), "t1", core.ShardTypeAuditLog, sqlmock.AnyArg(), now).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO change_feed`).
				WithArgs("t1", "shard-1", core.ShardTypeContact, "created", int64(1),
					"system/normalizer", nil, sqlmock.AnyArg(), now).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec(`INSERT INTO ext_refs`).
				WithArgs("t1", "salesforce", "Contact", "003-A1", "shard-1",
					sqlmock.AnyArg(), "synced", "").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			created, err := store.Upsert(ctx, "system/normalizer", "t1/salesforce/Contact/003-A1", shard())
			Expect(err).ToNot(HaveOccurred())
			Expect(created).To(BeTrue())
		})
	})

	Describe("SoftDelete", func() {
		It("should stamp the purge deadline and audit the transition", func() {
			stored := shard()
			stored.StructuredData["email"] = governance.DefaultSentinel
			doc, err := json.Marshal(stored)
			Expect(err).ToNot(HaveOccurred())

			mock.ExpectBegin()
			mock.ExpectQuery(`FOR UPDATE`).
				WithArgs("shard-1").
				WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "version", "doc"}).
					AddRow("shard-1", "t1", int64(1), doc))
			mock.ExpectExec(`UPDATE shards SET`).
				WithArgs("deleted", int64(2), now.Add(90*24*time.Hour), nil,
					docContaining{`"status":"deleted"`}, now, "shard-1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO shards`).
				WithArgs("shard-1@2.audit", "t1", core.ShardTypeAuditLog,
					docContaining{`"eventKind":"softDelete"`}, now).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO change_feed`).
				WithArgs("t1", "shard-1", core.ShardTypeContact, "softDeleted", int64(2),
					"admin", sqlmock.AnyArg(), sqlmock.AnyArg(), now).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()

			Expect(store.SoftDelete(ctx, "admin", "t1", "shard-1")).To(Succeed())
		})
	})

	Describe("FindByID", func() {
		It("should refuse cross-tenant reads", func() {
			stored := shard()
			doc, err := json.Marshal(stored)
			Expect(err).ToNot(HaveOccurred())
			mock.ExpectQuery(`SELECT id, tenant_id, version, doc FROM shards WHERE id = \$1`).
				WithArgs("shard-1").
				WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "version", "doc"}).
					AddRow("shard-1", "t1", int64(1), doc))

			_, err = store.FindByID(ctx, "t2", "shard-1")
			Expect(errors.Is(err, errors.KindTenantViolation)).To(BeTrue())
		})

		It("should return not-found for unknown ids", func() {
			mock.ExpectQuery(`SELECT id, tenant_id, version, doc FROM shards WHERE id = \$1`).
				WithArgs("ghost").
				WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "version", "doc"}))

			_, err := store.FindByID(ctx, "t1", "ghost")
			Expect(errors.Is(err, errors.KindNotFound)).To(BeTrue())
		})
	})

	Describe("ResolveExternal", func() {
		It("should map an external reference to its shard", func() {
			mock.ExpectQuery(`SELECT shard_id FROM ext_refs`).
				WithArgs("t1", "salesforce", "Contact", "003-A1").
				WillReturnRows(sqlmock.NewRows([]string{"shard_id"}).AddRow("shard-1"))

			id, err := store.ResolveExternal(ctx, "t1", "salesforce", "Contact", "003-A1")
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("shard-1"))
		})
	})
})
