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

// Package credentialrefresh rotates OAuth credentials ahead of expiry. A
// refresh failure expires the credential and pauses every integration and
// sync job riding on it, so the scheduler stops dispatching work that can
// only fail on auth.
package credentialrefresh

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/metrics"
	"github.com/shardstream/shardstream/pkg/providers/framework"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// Config bounds the refresh sweep.
type Config struct {
	Interval time.Duration
	// Window is how far ahead of expiry a credential is refreshed.
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Window <= 0 {
		c.Window = 2 * time.Hour
	}
	return c
}

// Credentials is the manager surface the sweep needs.
type Credentials interface {
	ListExpiring(ctx context.Context, window time.Duration) ([]core.CredentialMetadata, error)
	Fetch(ctx context.Context, handle string) (core.CredentialMetadata, core.CredentialPayload, error)
	Rotate(ctx context.Context, handle string, payload core.CredentialPayload) error
	SetStatus(ctx context.Context, handle string, status core.CredentialStatus) error
}

// Integrations pauses connections riding a dead credential.
type Integrations interface {
	ByCredentialHandle(ctx context.Context, handle string) ([]*core.Integration, error)
	SetConnectionStatus(ctx context.Context, id string, status core.ConnectionStatus) error
}

// Jobs pauses schedule entries for paused integrations.
type Jobs interface {
	SetStatusByIntegration(ctx context.Context, integrationID string, status core.SyncJobStatus) error
}

// Adapters resolves the provider adapter owning the refresh flow.
type Adapters interface {
	Get(providerID string) (framework.Adapter, error)
}

// Controller sweeps expiring credentials on an interval.
type Controller struct {
	creds    Credentials
	ints     Integrations
	jobs     Jobs
	adapters Adapters
	config   Config
	clk      clock.WithTicker
}

func NewController(creds Credentials, ints Integrations, jobs Jobs,
	adapters Adapters, config Config, clk clock.WithTicker) *Controller {
	return &Controller{
		creds:    creds,
		ints:     ints,
		jobs:     jobs,
		adapters: adapters,
		config:   config.withDefaults(),
		clk:      clk,
	}
}

func (c *Controller) Name() string { return "credential-refresh" }

func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clk.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := c.Sweep(ctx); err != nil {
				logging.FromContext(ctx).Error(err, "credential refresh sweep")
			}
		}
	}
}

// Sweep refreshes every credential expiring inside the window. Individual
// failures expire that credential and move on; they never abort the sweep,
// and the combined failure set comes back so the caller sees a degraded
// sweep.
func (c *Controller) Sweep(ctx context.Context) error {
	expiring, err := c.creds.ListExpiring(ctx, c.config.Window)
	if err != nil {
		return err
	}
	log := logging.FromContext(ctx)
	var failures error
	for _, meta := range expiring {
		if err := c.refresh(ctx, meta); err != nil {
			metrics.CredentialRefreshes.WithLabelValues("failure").Inc()
			log.Error(err, "refreshing credential, pausing dependents",
				"handle", meta.Handle, "provider", meta.ProviderID)
			failures = multierr.Append(failures, fmt.Errorf("refreshing %s, %w", meta.Handle, err))
			if err := c.expire(ctx, meta.Handle); err != nil {
				log.Error(err, "expiring credential", "handle", meta.Handle)
				failures = multierr.Append(failures, fmt.Errorf("expiring %s, %w", meta.Handle, err))
			}
			continue
		}
		metrics.CredentialRefreshes.WithLabelValues("success").Inc()
	}
	return failures
}

func (c *Controller) refresh(ctx context.Context, meta core.CredentialMetadata) error {
	adapter, err := c.adapters.Get(meta.ProviderID)
	if err != nil {
		return err
	}
	_, payload, err := c.creds.Fetch(ctx, meta.Handle)
	if err != nil {
		return err
	}
	fresh, err := adapter.Refresh(ctx, payload)
	if err != nil {
		return err
	}
	return c.creds.Rotate(ctx, meta.Handle, fresh)
}

// expire marks the credential and pauses every dependent integration and its
// sync jobs.
func (c *Controller) expire(ctx context.Context, handle string) error {
	if err := c.creds.SetStatus(ctx, handle, core.CredentialExpired); err != nil {
		return err
	}
	integrations, err := c.ints.ByCredentialHandle(ctx, handle)
	if err != nil {
		return err
	}
	for _, integration := range integrations {
		if err := c.ints.SetConnectionStatus(ctx, integration.ID, core.ConnectionExpired); err != nil {
			return err
		}
		if err := c.jobs.SetStatusByIntegration(ctx, integration.ID, core.SyncJobPaused); err != nil {
			return err
		}
	}
	return nil
}
