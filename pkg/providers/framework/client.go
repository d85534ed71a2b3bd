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

package framework

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"

	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/metrics"
)

const (
	// RequestTimeout bounds a single adapter HTTP call.
	RequestTimeout = 30 * time.Second

	retryBaseDelay   = 5 * time.Second
	retryMaxDelay    = 5 * time.Minute
	retryMaxAttempts = 10
	retryMaxJitter   = time.Second

	maxResponseBytes = 10 << 20
)

// Request describes one logical adapter call. The client rebuilds the
// underlying http.Request per attempt so retries are safe.
type Request struct {
	TenantID          string
	ProviderID        string
	RequestsPerSecond float64

	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte

	// AuthHeader is sent as Authorization when non-empty.
	AuthHeader string
	// OnAuthExpired refreshes credentials after a 401/403 and returns the
	// replacement Authorization header. Invoked at most once per call.
	OnAuthExpired func(ctx context.Context) (string, error)
}

// Client is the shared HTTP base consumed by adapters: per-call timeout,
// token-bucket rate limiting, exponential backoff with jitter, single auth
// refresh, and a circuit breaker per (tenant, provider).
type Client struct {
	httpClient *http.Client
	limiters   *Limiters
	breakers   *Breakers
}

func NewClient(limiters *Limiters, breakers *Breakers) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: RequestTimeout},
		limiters:   limiters,
		breakers:   breakers,
	}
}

// Do executes the request with the full retry discipline and returns the
// response body. The returned error carries its classification.
func (c *Client) Do(ctx context.Context, req *Request) ([]byte, error) {
	breaker := c.breakers.Get(req.TenantID, req.ProviderID)
	authRefreshed := false

	var body []byte
	err := retry.Do(func() error {
		if err := ctx.Err(); err != nil {
			return retry.Unrecoverable(err)
		}
		if err := c.limiters.Wait(ctx, req.TenantID, req.ProviderID, req.RequestsPerSecond); err != nil {
			return retry.Unrecoverable(err)
		}
		result, err := breaker.Execute(func() (interface{}, error) {
			return c.once(ctx, req)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = errors.New(errors.KindRetryable, err)
		}
		metrics.AdapterRequests.WithLabelValues(req.ProviderID, errorLabel(err)).Inc()
		if err == nil {
			body = result.([]byte)
			return nil
		}
		if errors.Is(err, errors.KindAuthExpired) && !authRefreshed && req.OnAuthExpired != nil {
			authRefreshed = true
			header, refreshErr := req.OnAuthExpired(ctx)
			if refreshErr != nil {
				return retry.Unrecoverable(fmt.Errorf("refreshing credentials, %w", refreshErr))
			}
			req.AuthHeader = header
			// Retry immediately with the refreshed credential.
			return errors.New(errors.KindRetryable, err)
		}
		if !errors.IsRetryable(err) {
			return retry.Unrecoverable(err)
		}
		return err
	},
		retry.Attempts(retryMaxAttempts),
		retry.Delay(retryBaseDelay),
		retry.MaxDelay(retryMaxDelay),
		retry.MaxJitter(retryMaxJitter),
		retry.DelayType(delayWithRetryAfter),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// once performs a single HTTP attempt and classifies the outcome.
func (c *Client) once(ctx context.Context, req *Request) ([]byte, error) {
	target := req.URL
	if len(req.Query) > 0 {
		target = target + "?" + req.Query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.New(errors.KindFatal, err)
	}
	for key, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(key, v)
		}
	}
	if req.AuthHeader != "" {
		httpReq.Header.Set("Authorization", req.AuthHeader)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.New(errors.KindRetryable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.New(errors.KindRetryable, err)
	}
	if resp.StatusCode >= 400 {
		cause := fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL, resp.StatusCode, truncate(body, 256))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, errors.RateLimited(cause, parseRetryAfter(resp.Header))
		}
		return nil, errors.FromStatusCode(resp.StatusCode, cause)
	}
	return body, nil
}

// delayWithRetryAfter honors a provider-supplied Retry-After hint, falling
// back to exponential backoff with jitter.
func delayWithRetryAfter(n uint, err error, config *retry.Config) time.Duration {
	var typed *errors.Error
	if stderrors.As(err, &typed) && typed.RetryAfter() > 0 {
		return typed.RetryAfter()
	}
	return retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)(n, err, config)
}

func parseRetryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		return time.Until(at)
	}
	return 0
}

func errorLabel(err error) string {
	if err == nil {
		return ""
	}
	return string(errors.KindOf(err))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
