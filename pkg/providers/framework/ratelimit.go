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
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiters holds one token bucket per (tenantId, providerId), filled at the
// provider's declared requests-per-second quota.
type Limiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimiters() *Limiters {
	return &Limiters{limiters: map[string]*rate.Limiter{}}
}

// Wait blocks until the bucket for the key admits one request or the context
// is canceled.
func (l *Limiters) Wait(ctx context.Context, tenantID, providerID string, requestsPerSecond float64) error {
	return l.get(tenantID, providerID, requestsPerSecond).Wait(ctx)
}

func (l *Limiters) get(tenantID, providerID string, requestsPerSecond float64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key(tenantID, providerID)
	limiter, ok := l.limiters[key]
	if !ok {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
		l.limiters[key] = limiter
	}
	return limiter
}
