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

package credentialrefresh_test

import (
	"context"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/multierr"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/controllers/credentialrefresh"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/providers/framework"
)

var now = time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

type fakeCredentials struct {
	expiring []core.CredentialMetadata
	payloads map[string]core.CredentialPayload
	rotated  map[string]core.CredentialPayload
	statuses map[string]core.CredentialStatus
}

func (f *fakeCredentials) ListExpiring(context.Context, time.Duration) ([]core.CredentialMetadata, error) {
	return f.expiring, nil
}

func (f *fakeCredentials) Fetch(_ context.Context, handle string) (core.CredentialMetadata, core.CredentialPayload, error) {
	payload, ok := f.payloads[handle]
	if !ok {
		return core.CredentialMetadata{}, core.CredentialPayload{},
			errors.Newf(errors.KindNotFound, "credential %s not found", handle)
	}
	return core.CredentialMetadata{Handle: handle}, payload, nil
}

func (f *fakeCredentials) Rotate(_ context.Context, handle string, payload core.CredentialPayload) error {
	f.rotated[handle] = payload
	return nil
}

func (f *fakeCredentials) SetStatus(_ context.Context, handle string, status core.CredentialStatus) error {
	f.statuses[handle] = status
	return nil
}

type fakeIntegrations struct {
	byHandle map[string][]*core.Integration
	statuses map[string]core.ConnectionStatus
}

func (f *fakeIntegrations) ByCredentialHandle(_ context.Context, handle string) ([]*core.Integration, error) {
	return f.byHandle[handle], nil
}

func (f *fakeIntegrations) SetConnectionStatus(_ context.Context, id string, status core.ConnectionStatus) error {
	f.statuses[id] = status
	return nil
}

type fakeJobs struct{ paused []string }

func (f *fakeJobs) SetStatusByIntegration(_ context.Context, integrationID string, status core.SyncJobStatus) error {
	Expect(status).To(Equal(core.SyncJobPaused))
	f.paused = append(f.paused, integrationID)
	return nil
}

type refreshAdapter struct {
	refreshErr error
	refreshed  []core.CredentialPayload
}

func (r *refreshAdapter) Provider() *core.Provider {
	return &core.Provider{ID: "salesforce", Category: core.CategoryCRM}
}

func (r *refreshAdapter) Connect(context.Context, *core.Integration, core.CredentialPayload) (*framework.Session, error) {
	return nil, framework.ErrNotSupported
}

func (r *refreshAdapter) Disconnect(context.Context, *framework.Session) error { return nil }

func (r *refreshAdapter) TestConnection(context.Context, *framework.Session) error { return nil }

func (r *refreshAdapter) FetchRecords(context.Context, *framework.Session, string, string, map[string]string) (framework.FetchPage, error) {
	return framework.FetchPage{}, framework.ErrNotSupported
}

func (r *refreshAdapter) CreateRecord(context.Context, *framework.Session, string, map[string]interface{}) (string, error) {
	return "", framework.ErrNotSupported
}

func (r *refreshAdapter) UpdateRecord(context.Context, *framework.Session, string, string, map[string]interface{}) error {
	return framework.ErrNotSupported
}

func (r *refreshAdapter) DeleteRecord(context.Context, *framework.Session, string, string) error {
	return framework.ErrNotSupported
}

func (r *refreshAdapter) RegisterWebhook(context.Context, *framework.Session, string, string) (string, error) {
	return "", framework.ErrNotSupported
}

func (r *refreshAdapter) VerifyWebhook([]byte, http.Header) (framework.WebhookEvent, error) {
	return framework.WebhookEvent{}, framework.ErrNotSupported
}

func (r *refreshAdapter) Refresh(_ context.Context, creds core.CredentialPayload) (core.CredentialPayload, error) {
	if r.refreshErr != nil {
		return core.CredentialPayload{}, r.refreshErr
	}
	fresh := creds
	fresh.AccessToken = creds.AccessToken + "-fresh"
	r.refreshed = append(r.refreshed, fresh)
	return fresh, nil
}

type fakeAdapters struct{ adapter framework.Adapter }

func (f *fakeAdapters) Get(string) (framework.Adapter, error) { return f.adapter, nil }

var _ = Describe("Credential refresh", func() {
	var (
		ctx        context.Context
		creds      *fakeCredentials
		ints       *fakeIntegrations
		jobs       *fakeJobs
		adapter    *refreshAdapter
		controller *credentialrefresh.Controller
	)

	BeforeEach(func() {
		ctx = context.Background()
		creds = &fakeCredentials{
			expiring: []core.CredentialMetadata{{
				Handle: "cred-1", TenantID: "t1", IntegrationID: "int-1",
				ProviderID: "salesforce", ExpiresAt: now.Add(time.Hour),
			}},
			payloads: map[string]core.CredentialPayload{
				"cred-1": {AccessToken: "tok", RefreshToken: "ref"},
			},
			rotated:  map[string]core.CredentialPayload{},
			statuses: map[string]core.CredentialStatus{},
		}
		ints = &fakeIntegrations{
			byHandle: map[string][]*core.Integration{
				"cred-1": {{ID: "int-1", TenantID: "t1", ProviderID: "salesforce"}},
			},
			statuses: map[string]core.ConnectionStatus{},
		}
		jobs = &fakeJobs{}
		adapter = &refreshAdapter{}
		controller = credentialrefresh.NewController(creds, ints, jobs,
			&fakeAdapters{adapter: adapter}, credentialrefresh.Config{},
			clocktesting.NewFakeClock(now))
	})

	It("should rotate credentials inside the expiry window", func() {
		Expect(controller.Sweep(ctx)).To(Succeed())

		Expect(creds.rotated).To(HaveKey("cred-1"))
		Expect(creds.rotated["cred-1"].AccessToken).To(Equal("tok-fresh"))
		Expect(creds.statuses).To(BeEmpty())
		Expect(jobs.paused).To(BeEmpty())
	})

	It("should expire the credential and pause dependents when refresh fails", func() {
		adapter.refreshErr = errors.Newf(errors.KindAuthExpired, "refresh token revoked")

		err := controller.Sweep(ctx)
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, errors.KindAuthExpired)).To(BeTrue())
		Expect(creds.rotated).To(BeEmpty())
		Expect(creds.statuses["cred-1"]).To(Equal(core.CredentialExpired))
		Expect(ints.statuses["int-1"]).To(Equal(core.ConnectionExpired))
		Expect(jobs.paused).To(ConsistOf("int-1"))
	})

	It("should keep sweeping after one credential fails and report the failure set", func() {
		creds.expiring = append(creds.expiring, core.CredentialMetadata{
			Handle: "cred-2", TenantID: "t2", ProviderID: "salesforce",
			ExpiresAt: now.Add(time.Hour),
		})
		// cred-1 has no stored payload anymore; cred-2 should still rotate.
		delete(creds.payloads, "cred-1")
		creds.payloads["cred-2"] = core.CredentialPayload{AccessToken: "tok2"}

		err := controller.Sweep(ctx)
		Expect(err).To(HaveOccurred())
		Expect(multierr.Errors(err)).To(HaveLen(1))
		Expect(err.Error()).To(ContainSubstring("cred-1"))
		Expect(creds.statuses["cred-1"]).To(Equal(core.CredentialExpired))
		Expect(creds.rotated).To(HaveKey("cred-2"))
	})
})
