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

package pull_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/controllers/pull"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/providers/framework"
	"github.com/shardstream/shardstream/pkg/queue"
)

var now = time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

// fakeAdapter serves canned pages keyed by cursor.
type fakeAdapter struct {
	pages      map[string]framework.FetchPage
	fetchErr   error
	fetchCalls int
}

func (f *fakeAdapter) Provider() *core.Provider {
	return &core.Provider{ID: "salesforce", Category: core.CategoryCRM}
}

func (f *fakeAdapter) Connect(_ context.Context, integration *core.Integration, _ core.CredentialPayload) (*framework.Session, error) {
	return &framework.Session{TenantID: integration.TenantID, IntegrationID: integration.ID}, nil
}

func (f *fakeAdapter) Disconnect(context.Context, *framework.Session) error { return nil }

func (f *fakeAdapter) TestConnection(context.Context, *framework.Session) error { return nil }

func (f *fakeAdapter) FetchRecords(_ context.Context, _ *framework.Session, _, cursor string, _ map[string]string) (framework.FetchPage, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return framework.FetchPage{}, f.fetchErr
	}
	return f.pages[cursor], nil
}

func (f *fakeAdapter) CreateRecord(context.Context, *framework.Session, string, map[string]interface{}) (string, error) {
	return "", framework.ErrNotSupported
}

func (f *fakeAdapter) UpdateRecord(context.Context, *framework.Session, string, string, map[string]interface{}) error {
	return framework.ErrNotSupported
}

func (f *fakeAdapter) DeleteRecord(context.Context, *framework.Session, string, string) error {
	return framework.ErrNotSupported
}

func (f *fakeAdapter) RegisterWebhook(context.Context, *framework.Session, string, string) (string, error) {
	return "", framework.ErrNotSupported
}

func (f *fakeAdapter) VerifyWebhook([]byte, http.Header) (framework.WebhookEvent, error) {
	return framework.WebhookEvent{}, framework.ErrNotSupported
}

func (f *fakeAdapter) Refresh(_ context.Context, creds core.CredentialPayload) (core.CredentialPayload, error) {
	return creds, nil
}

type fakeJobs struct {
	holds       bool
	holdsAfter  int // flips holds to false after this many checks, 0 disables
	checks      int
	leaseGrant  bool
	leased      []string
	completed   map[string]string
	failures    map[string]string
}

func (f *fakeJobs) HoldsLease(context.Context, string, time.Time) (bool, error) {
	f.checks++
	if f.holdsAfter > 0 && f.checks > f.holdsAfter {
		return false, nil
	}
	return f.holds, nil
}

func (f *fakeJobs) Lease(_ context.Context, id string, _, _ time.Time) (bool, error) {
	if f.leaseGrant {
		f.leased = append(f.leased, id)
	}
	return f.leaseGrant, nil
}

func (f *fakeJobs) Complete(_ context.Context, id, cursor string, _ time.Time) error {
	f.completed[id] = cursor
	return nil
}

func (f *fakeJobs) Fail(_ context.Context, id, message string) error {
	f.failures[id] = message
	return nil
}

type fakeIntegrations struct {
	integration *core.Integration
	cursors     []string
}

func (f *fakeIntegrations) Get(context.Context, string) (*core.Integration, error) {
	return f.integration, nil
}

func (f *fakeIntegrations) SaveCursor(_ context.Context, _, _, cursor string) error {
	f.cursors = append(f.cursors, cursor)
	return nil
}

type fakeCreds struct{}

func (fakeCreds) Fetch(context.Context, string) (core.CredentialMetadata, core.CredentialPayload, error) {
	return core.CredentialMetadata{}, core.CredentialPayload{AccessToken: "tok"}, nil
}

type fakeAdapters struct{ adapter framework.Adapter }

func (f *fakeAdapters) Get(string) (framework.Adapter, error) { return f.adapter, nil }

type capturingPublisher struct {
	events   []core.IngestionEvent
	sessions []core.ScheduledSync
	keys     []string
}

func (c *capturingPublisher) Publish(_ context.Context, payload interface{}) error {
	c.events = append(c.events, payload.(core.IngestionEvent))
	return nil
}

func (c *capturingPublisher) PublishSession(_ context.Context, key string, payload interface{}) error {
	c.sessions = append(c.sessions, payload.(core.ScheduledSync))
	c.keys = append(c.keys, key)
	return nil
}

func record(id string) framework.Record {
	return framework.Record{
		ExternalID: id,
		ModifiedAt: now.Add(-time.Hour),
		Fields:     json.RawMessage(fmt.Sprintf(`{"Id": %q}`, id)),
	}
}

func syncMessage(sync core.ScheduledSync) queue.Message {
	body, err := json.Marshal(sync)
	Expect(err).ToNot(HaveOccurred())
	return queue.Message{ID: "1-0", Body: body}
}

var _ = Describe("Pull worker", func() {
	var (
		ctx     context.Context
		adapter *fakeAdapter
		jobs    *fakeJobs
		ints    *fakeIntegrations
		pub     *capturingPublisher
		worker  *pull.Worker
		sync    core.ScheduledSync
	)

	BeforeEach(func() {
		ctx = context.Background()
		adapter = &fakeAdapter{pages: map[string]framework.FetchPage{}}
		jobs = &fakeJobs{holds: true, leaseGrant: true,
			completed: map[string]string{}, failures: map[string]string{}}
		ints = &fakeIntegrations{integration: &core.Integration{
			ID: "int-1", TenantID: "t1", ProviderID: "salesforce",
			CredentialHandle: "cred-1",
		}}
		pub = &capturingPublisher{}
		worker = pull.NewWorker(nil, pub, pub, jobs, ints, fakeCreds{}, &fakeAdapters{adapter: adapter},
			pull.Config{MaxRecordsPerSync: 3}, clocktesting.NewFakeClock(now))
		sync = core.ScheduledSync{
			JobID: "j1", TenantID: "t1", IntegrationID: "int-1",
			ProviderID: "salesforce", Entity: "Opportunity", DispatchedAt: now,
		}
	})

	It("should drain the source and complete with the final cursor", func() {
		adapter.pages[""] = framework.FetchPage{Records: []framework.Record{record("A"), record("B")}, NextCursor: "p2"}
		adapter.pages["p2"] = framework.FetchPage{Records: []framework.Record{record("C")}, NextCursor: "p3", Done: true}

		Expect(worker.Handle(ctx, syncMessage(sync))).To(Succeed())
		Expect(pub.events).To(HaveLen(3))
		Expect(pub.events[0].ExternalID).To(Equal("A"))
		Expect(pub.events[0].Source).To(Equal(core.SourceScheduled))
		Expect(ints.cursors).To(Equal([]string{"p2", "p3"}))
		Expect(jobs.completed).To(HaveKeyWithValue("j1", "p3"))
	})

	It("should re-enqueue a continuation when the record budget is hit", func() {
		adapter.pages[""] = framework.FetchPage{
			Records: []framework.Record{record("A"), record("B"), record("C")}, NextCursor: "p2",
		}

		Expect(worker.Handle(ctx, syncMessage(sync))).To(Succeed())
		Expect(pub.events).To(HaveLen(3))
		Expect(pub.sessions).To(HaveLen(1))
		Expect(pub.sessions[0].Continuation).To(BeTrue())
		Expect(pub.sessions[0].Cursor).To(Equal("p2"))
		Expect(pub.keys).To(ConsistOf("t1/int-1/Opportunity"))
		Expect(jobs.completed).To(HaveKeyWithValue("j1", "p2"))
	})

	It("should take a fresh lease for a continuation", func() {
		adapter.pages["p2"] = framework.FetchPage{Records: []framework.Record{record("D")}, Done: true}
		sync.Cursor = "p2"
		sync.Continuation = true

		Expect(worker.Handle(ctx, syncMessage(sync))).To(Succeed())
		Expect(jobs.leased).To(ConsistOf("j1"))
		Expect(pub.events).To(HaveLen(1))
	})

	It("should drop a continuation that loses the lease race", func() {
		jobs.leaseGrant = false
		sync.Continuation = true

		Expect(worker.Handle(ctx, syncMessage(sync))).To(Succeed())
		Expect(adapter.fetchCalls).To(BeZero())
		Expect(jobs.completed).To(BeEmpty())
	})

	It("should abandon a sync whose lease is lost mid-run", func() {
		adapter.pages[""] = framework.FetchPage{Records: []framework.Record{record("A")}, NextCursor: "p2"}
		adapter.pages["p2"] = framework.FetchPage{Records: []framework.Record{record("B")}, Done: true}
		jobs.holdsAfter = 1 // true for the initial check, lost after page one

		Expect(worker.Handle(ctx, syncMessage(sync))).To(Succeed())
		// The first page landed before the lease was lost.
		Expect(pub.events).To(HaveLen(1))
		Expect(ints.cursors).To(Equal([]string{"p2"}))
		Expect(jobs.completed).To(BeEmpty())
	})

	It("should resume from the saved entity cursor when a prior run died mid-sync", func() {
		// Pages A and B landed before the crash; only C remains.
		ints.integration.Cursors = map[string]string{"Opportunity": "p3"}
		adapter.pages["p3"] = framework.FetchPage{Records: []framework.Record{record("C")}, NextCursor: "p4", Done: true}

		Expect(worker.Handle(ctx, syncMessage(sync))).To(Succeed())
		Expect(pub.events).To(HaveLen(1))
		Expect(pub.events[0].ExternalID).To(Equal("C"))
		Expect(jobs.completed).To(HaveKeyWithValue("j1", "p4"))
	})

	It("should record the failure and surface fetch errors for retry", func() {
		adapter.fetchErr = errors.Newf(errors.KindRateLimited, "throttled")

		err := worker.Handle(ctx, syncMessage(sync))
		Expect(errors.Is(err, errors.KindRateLimited)).To(BeTrue())
		Expect(jobs.failures).To(HaveKey("j1"))
	})

	It("should pass tombstones through as deleted events", func() {
		tombstone := record("A")
		tombstone.Deleted = true
		adapter.pages[""] = framework.FetchPage{Records: []framework.Record{tombstone}, Done: true}

		Expect(worker.Handle(ctx, syncMessage(sync))).To(Succeed())
		Expect(pub.events[0].Deleted).To(BeTrue())
	})

	It("should stop on an open empty page", func() {
		adapter.pages[""] = framework.FetchPage{NextCursor: ""}

		Expect(worker.Handle(ctx, syncMessage(sync))).To(Succeed())
		Expect(pub.events).To(BeEmpty())
		Expect(jobs.completed).To(HaveKey("j1"))
	})
})
