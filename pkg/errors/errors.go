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

// Package errors classifies failures surfaced by adapters, the store, and the
// pipeline so that callers can pick the right retry policy without inspecting
// provider-specific details.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind buckets an error into one retry policy.
type Kind string

const (
	// KindRetryable covers network failures, 5xx, and queue hiccups.
	KindRetryable Kind = "retryable"
	// KindRateLimited covers 429; it never counts toward fatal attempts.
	KindRateLimited Kind = "rate_limited"
	// KindAuthExpired covers 401/403; it triggers one refresh, then fails.
	KindAuthExpired Kind = "auth_expired"
	// KindFatal covers 4xx other than 401/403/429.
	KindFatal Kind = "fatal"
	// KindValidation marks conversion failures; retryable only with fresh input.
	KindValidation Kind = "validation"
	// KindConflict marks concurrent-modification failures during write-back.
	KindConflict Kind = "conflict"
	// KindTenantViolation marks cross-tenant access; returned to callers as 403.
	KindTenantViolation Kind = "tenant_violation"
	// KindPermissionDenied marks ACL failures on query or mutation.
	KindPermissionDenied Kind = "permission_denied"
	// KindSignatureInvalid marks webhook verification failures.
	KindSignatureInvalid Kind = "signature_invalid"
	// KindLeaseLost marks a handler whose scheduler lease expired mid-flight.
	KindLeaseLost Kind = "lease_lost"
	// KindNotFound marks missing records.
	KindNotFound Kind = "not_found"
)

// Error wraps a cause with its classification and optional retry hint.
type Error struct {
	kind Kind
	err  error
	// retryAfter carries a provider-supplied Retry-After hint.
	retryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification.
func (e *Error) Kind() Kind { return e.kind }

// RetryAfter returns the provider-supplied backoff hint, zero when absent.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

// New wraps err with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{kind: kind, err: err}
}

// Newf wraps a formatted error with the given kind.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// RateLimited wraps err as rate-limited with the server's Retry-After hint.
func RateLimited(err error, retryAfter time.Duration) *Error {
	return &Error{kind: KindRateLimited, err: err, retryAfter: retryAfter}
}

// KindOf extracts the classification, defaulting to retryable for plain errors
// so that unclassified transport failures are retried.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.kind
	}
	return KindRetryable
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.kind == kind
}

// IsRetryable reports whether the error should be retried in place. Rate
// limits are retryable but with their own backoff discipline.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRetryable, KindRateLimited:
		return true
	}
	return false
}

// FromStatusCode classifies an HTTP response status per the shared policy.
func FromStatusCode(statusCode int, err error) error {
	switch {
	case statusCode >= 500:
		return New(KindRetryable, err)
	case statusCode == http.StatusTooManyRequests:
		return New(KindRateLimited, err)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return New(KindAuthExpired, err)
	case statusCode == http.StatusConflict:
		return New(KindConflict, err)
	case statusCode == http.StatusNotFound:
		return New(KindNotFound, err)
	case statusCode >= 400:
		return New(KindFatal, err)
	}
	return err
}
