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

package framework_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/providers/framework"
)

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		client *framework.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = framework.NewClient(framework.NewLimiters(), framework.NewBreakers())
	})

	It("should return the response body on success", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer token-1"))
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		body, err := client.Do(ctx, &framework.Request{
			TenantID:          "t1",
			ProviderID:        "p1",
			RequestsPerSecond: 100,
			Method:            http.MethodGet,
			URL:               server.URL,
			AuthHeader:        "Bearer token-1",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(Equal(`{"ok":true}`))
	})

	It("should not retry fatal 4xx responses", func() {
		var calls int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&calls, 1)
			http.Error(w, "bad request", http.StatusBadRequest)
		}))
		defer server.Close()

		_, err := client.Do(ctx, &framework.Request{
			TenantID:          "t1",
			ProviderID:        "p1",
			RequestsPerSecond: 100,
			Method:            http.MethodGet,
			URL:               server.URL,
		})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, errors.KindFatal)).To(BeTrue())
		Expect(atomic.LoadInt64(&calls)).To(BeNumerically("==", 1))
	})

	It("should fail auth errors without retry when no refresher is wired", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "expired", http.StatusUnauthorized)
		}))
		defer server.Close()

		_, err := client.Do(ctx, &framework.Request{
			TenantID:          "t1",
			ProviderID:        "p1",
			RequestsPerSecond: 100,
			Method:            http.MethodGet,
			URL:               server.URL,
		})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, errors.KindAuthExpired)).To(BeTrue())
	})
})

var _ = Describe("Error classification", func() {
	It("should classify status codes into the shared taxonomy", func() {
		Expect(errors.KindOf(errors.FromStatusCode(500, nil))).To(Equal(errors.KindRetryable))
		Expect(errors.KindOf(errors.FromStatusCode(429, nil))).To(Equal(errors.KindRateLimited))
		Expect(errors.KindOf(errors.FromStatusCode(401, nil))).To(Equal(errors.KindAuthExpired))
		Expect(errors.KindOf(errors.FromStatusCode(403, nil))).To(Equal(errors.KindAuthExpired))
		Expect(errors.KindOf(errors.FromStatusCode(409, nil))).To(Equal(errors.KindConflict))
		Expect(errors.KindOf(errors.FromStatusCode(422, nil))).To(Equal(errors.KindFatal))
	})

	It("should treat rate limits as retryable but not fatal-countable", func() {
		err := errors.RateLimited(nil, 0)
		Expect(errors.IsRetryable(err)).To(BeTrue())
	})
})

var _ = Describe("Breakers", func() {
	It("should open after the failure-rate threshold over enough samples", func() {
		breakers := framework.NewBreakers()
		breaker := breakers.Get("t1", "p1")
		for i := 0; i < 20; i++ {
			_, _ = breaker.Execute(func() (interface{}, error) {
				return nil, errors.Newf(errors.KindRetryable, "boom")
			})
		}
		_, err := breaker.Execute(func() (interface{}, error) { return nil, nil })
		Expect(err).To(HaveOccurred())
	})

	It("should keep breakers isolated per tenant and provider", func() {
		breakers := framework.NewBreakers()
		Expect(breakers.Get("t1", "p1")).ToNot(BeIdenticalTo(breakers.Get("t2", "p1")))
		Expect(breakers.Get("t1", "p1")).To(BeIdenticalTo(breakers.Get("t1", "p1")))
	})
})
