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

// Package credentials manages encrypted credential payloads and their refresh
// lifecycle. Plaintext never leaves the adapter boundary: the manager hands
// decrypted payloads only to the adapter that owns the integration.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
)

const (
	secretPrefix = "credentials/"
	// decrypted payloads are cached read-mostly; rotation invalidates.
	cacheTTL = 10 * time.Minute
)

// envelope is what actually lands in the secret store.
type envelope struct {
	Meta       core.CredentialMetadata `json:"meta"`
	Nonce      []byte                  `json:"nonce"`
	Ciphertext []byte                  `json:"ciphertext"`
}

// Manager encrypts, stores, and serves credential payloads.
type Manager struct {
	secrets SecretStore
	aead    cipher.AEAD
	keyID   string
	clk     clock.Clock

	cache  *cache.Cache
	flight singleflight.Group
}

func NewManager(secrets SecretStore, keyID string, key []byte, clk clock.Clock) (*Manager, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing credential cipher, %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing credential aead, %w", err)
	}
	return &Manager{
		secrets: secrets,
		aead:    aead,
		keyID:   keyID,
		clk:     clk,
		cache:   cache.New(cacheTTL, cacheTTL),
	}, nil
}

// Store encrypts the payload and persists it under the metadata's handle.
func (m *Manager) Store(ctx context.Context, meta core.CredentialMetadata, payload core.CredentialPayload) error {
	meta.KeyID = m.keyID
	env, err := m.seal(meta, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling credential envelope, %w", err)
	}
	if _, err := m.secrets.Put(ctx, secretPrefix+meta.Handle, raw); err != nil {
		return fmt.Errorf("storing credential %s, %w", meta.Handle, err)
	}
	m.cache.Delete(meta.Handle)
	return nil
}

// Fetch returns the metadata and decrypted payload for a handle.
func (m *Manager) Fetch(ctx context.Context, handle string) (core.CredentialMetadata, core.CredentialPayload, error) {
	if cached, ok := m.cache.Get(handle); ok {
		entry := cached.(fetchEntry)
		return entry.meta, entry.payload, nil
	}
	env, err := m.load(ctx, handle)
	if err != nil {
		return core.CredentialMetadata{}, core.CredentialPayload{}, err
	}
	payload, err := m.open(*env)
	if err != nil {
		return core.CredentialMetadata{}, core.CredentialPayload{}, err
	}
	m.cache.SetDefault(handle, fetchEntry{meta: env.Meta, payload: payload})
	return env.Meta, payload, nil
}

type fetchEntry struct {
	meta    core.CredentialMetadata
	payload core.CredentialPayload
}

// Rotate replaces the payload, resetting status to active and updating expiry.
// Concurrent rotations of the same handle coalesce to a single write.
func (m *Manager) Rotate(ctx context.Context, handle string, payload core.CredentialPayload) error {
	_, err, _ := m.flight.Do(handle, func() (interface{}, error) {
		env, err := m.load(ctx, handle)
		if err != nil {
			return nil, err
		}
		meta := env.Meta
		meta.Status = core.CredentialActive
		meta.LastValidatedAt = m.clk.Now()
		if !payload.TokenExpiry.IsZero() {
			meta.ExpiresAt = payload.TokenExpiry
		}
		return nil, m.Store(ctx, meta, payload)
	})
	return err
}

// SetStatus transitions the credential's status without touching the payload.
func (m *Manager) SetStatus(ctx context.Context, handle string, status core.CredentialStatus) error {
	env, err := m.load(ctx, handle)
	if err != nil {
		return err
	}
	payload, err := m.open(*env)
	if err != nil {
		return err
	}
	env.Meta.Status = status
	return m.Store(ctx, env.Meta, payload)
}

// ListExpiring returns metadata for active credentials whose expiry falls
// within the window. Credentials without an expiry never appear.
func (m *Manager) ListExpiring(ctx context.Context, window time.Duration) ([]core.CredentialMetadata, error) {
	keys, err := m.secrets.List(ctx, secretPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing credentials, %w", err)
	}
	cutoff := m.clk.Now().Add(window)
	var out []core.CredentialMetadata
	for _, key := range keys {
		env, err := m.load(ctx, key[len(secretPrefix):])
		if err != nil {
			continue
		}
		if env.Meta.Status != core.CredentialActive || env.Meta.ExpiresAt.IsZero() {
			continue
		}
		if env.Meta.ExpiresAt.Before(cutoff) {
			out = append(out, env.Meta)
		}
	}
	return out, nil
}

func (m *Manager) load(ctx context.Context, handle string) (*envelope, error) {
	raw, _, err := m.secrets.Get(ctx, secretPrefix+handle)
	if err != nil {
		if errors.Is(err, errors.KindNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetching credential %s, %w", handle, err)
	}
	env := &envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("unmarshaling credential envelope %s, %w", handle, err)
	}
	return env, nil
}

func (m *Manager) seal(meta core.CredentialMetadata, payload core.CredentialPayload) (*envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling credential payload, %w", err)
	}
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce, %w", err)
	}
	return &envelope{
		Meta:       meta,
		Nonce:      nonce,
		Ciphertext: m.aead.Seal(nil, nonce, plaintext, []byte(meta.Handle)),
	}, nil
}

func (m *Manager) open(env envelope) (core.CredentialPayload, error) {
	plaintext, err := m.aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.Meta.Handle))
	if err != nil {
		return core.CredentialPayload{}, fmt.Errorf("decrypting credential %s, %w", env.Meta.Handle, err)
	}
	payload := core.CredentialPayload{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return core.CredentialPayload{}, fmt.Errorf("unmarshaling credential payload %s, %w", env.Meta.Handle, err)
	}
	return payload, nil
}
