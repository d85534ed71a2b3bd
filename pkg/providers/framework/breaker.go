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
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shardstream/shardstream/pkg/metrics"
)

const (
	breakerWindow       = time.Minute
	breakerOpenDuration = 60 * time.Second
	breakerMinSamples   = 20
	breakerFailureRatio = 0.5
)

// Breakers holds one circuit breaker per (tenantId, providerId). A breaker
// opens at a 50% failure rate over a one-minute window with at least 20
// samples, stays open 60s, then half-opens with a single probe.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakers() *Breakers {
	return &Breakers{breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (b *Breakers) Get(tenantID, providerID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := Key(tenantID, providerID)
	breaker, ok := b.breakers[key]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			Interval:    breakerWindow,
			Timeout:     breakerOpenDuration,
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < breakerMinSamples {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
			},
			OnStateChange: func(name string, _, to gobreaker.State) {
				metrics.BreakerTransitions.WithLabelValues(providerID, to.String()).Inc()
			},
		})
		b.breakers[key] = breaker
	}
	return breaker
}
