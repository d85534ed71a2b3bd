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

package credentials

import (
	"context"
	"strings"
	"sync"

	"github.com/shardstream/shardstream/pkg/errors"
)

// SecretStore is the external secret backend: a versioned key to opaque-bytes
// map. The engine only ever writes encrypted envelopes into it.
type SecretStore interface {
	Get(ctx context.Context, key string) ([]byte, int64, error)
	Put(ctx context.Context, key string, value []byte) (int64, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// InMemorySecretStore backs tests and local development.
type InMemorySecretStore struct {
	mu       sync.RWMutex
	values   map[string][]byte
	versions map[string]int64
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		values:   map[string][]byte{},
		versions: map[string]int64{},
	}
}

func (s *InMemorySecretStore) Get(_ context.Context, key string) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.values[key]
	if !ok {
		return nil, 0, errors.Newf(errors.KindNotFound, "secret %q not found", key)
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, s.versions[key], nil
}

func (s *InMemorySecretStore) Put(_ context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	s.versions[key]++
	return s.versions[key], nil
}

func (s *InMemorySecretStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.versions, key)
	return nil
}

func (s *InMemorySecretStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
