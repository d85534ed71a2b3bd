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

// Package scheduler dispatches due sync jobs to the pull worker. A single
// logical scheduler runs per deployment; leases make concurrent instances
// safe, they just race for the same jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/metrics"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// Config carries the admission caps. Zero values take the defaults.
type Config struct {
	Tick              time.Duration
	MaxTotal          int
	MaxPerTenant      int
	MinSyncInterval   time.Duration
	LeaseDuration     time.Duration
	BackpressureDepth int64
	DueBatch          int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 50
	}
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 3
	}
	if c.MinSyncInterval <= 0 {
		c.MinSyncInterval = 5 * time.Minute
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 10 * time.Minute
	}
	if c.BackpressureDepth <= 0 {
		c.BackpressureDepth = 1000
	}
	if c.DueBatch <= 0 {
		c.DueBatch = 500
	}
	return c
}

// Jobs is the sync-job repository surface the scheduler drives.
type Jobs interface {
	Due(ctx context.Context, now time.Time, limit int) ([]*core.SyncJob, error)
	Lease(ctx context.Context, id string, now, until time.Time) (bool, error)
	SetNextRun(ctx context.Context, id string, at time.Time) error
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
	RunningCounts(ctx context.Context, now time.Time) (total int, perTenant map[string]int, err error)
	LastDispatched(ctx context.Context, id string) (time.Time, error)
}

// IntegrationSource loads the schedule configuration of a job's integration.
type IntegrationSource interface {
	Get(ctx context.Context, id string) (*core.Integration, error)
}

// ProviderSource supplies per-provider rate floors.
type ProviderSource interface {
	Get(ctx context.Context, id string) (*core.Provider, error)
}

// Dispatcher publishes scheduled-sync messages keyed so one integration
// entity never runs twice concurrently.
type Dispatcher interface {
	PublishSession(ctx context.Context, sessionKey string, payload interface{}) error
}

// DepthGauge reports a pipeline queue's outstanding depth for backpressure.
type DepthGauge interface {
	Name() string
	Depth(ctx context.Context) (int64, error)
}

type Scheduler struct {
	jobs         Jobs
	integrations IntegrationSource
	providers    ProviderSource
	dispatch     Dispatcher
	watched      []DepthGauge
	config       Config
	clk          clock.Clock
}

func New(jobs Jobs, integrations IntegrationSource, providers ProviderSource,
	dispatch Dispatcher, watched []DepthGauge, config Config, clk clock.Clock) *Scheduler {
	return &Scheduler{
		jobs:         jobs,
		integrations: integrations,
		providers:    providers,
		dispatch:     dispatch,
		watched:      watched,
		config:       config.withDefaults(),
		clk:          clk,
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				logging.FromContext(ctx).Error(err, "scheduler tick failed")
			}
		}
	}
}

// Tick runs one scheduling pass: reclaim crashed leases, then admit and
// dispatch due jobs under the concurrency caps.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clk.Now().UTC()
	log := logging.FromContext(ctx)

	reclaimed, err := s.jobs.ReclaimExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("reclaiming expired leases, %w", err)
	}
	if reclaimed > 0 {
		metrics.LeasesReclaimed.Add(float64(reclaimed))
		log.Info("reclaimed expired sync leases", "count", reclaimed)
	}

	congested := s.congested(ctx)

	total, perTenant, err := s.jobs.RunningCounts(ctx, now)
	if err != nil {
		return fmt.Errorf("counting running syncs, %w", err)
	}

	due, err := s.jobs.Due(ctx, now, s.config.DueBatch)
	if err != nil {
		return fmt.Errorf("listing due jobs, %w", err)
	}

	for _, job := range due {
		if total >= s.config.MaxTotal {
			metrics.SyncDispatches.WithLabelValues(job.ProviderID, "deferred_global_cap").Inc()
			continue
		}
		if perTenant[job.TenantID] >= s.config.MaxPerTenant {
			metrics.SyncDispatches.WithLabelValues(job.ProviderID, "deferred_tenant_cap").Inc()
			continue
		}
		if congested != "" {
			metrics.BackpressurePauses.WithLabelValues(job.TenantID).Inc()
			metrics.SyncDispatches.WithLabelValues(job.ProviderID, "deferred_backpressure").Inc()
			continue
		}

		integration, err := s.integrations.Get(ctx, job.IntegrationID)
		if err != nil {
			log.Error(err, "loading integration for due job", "jobID", job.ID)
			continue
		}
		frequency := integration.Sync.Frequency
		// Manual schedules are dispatched through the API, never by the tick.
		if frequency.Kind == core.FrequencyManual {
			continue
		}

		minInterval := s.minInterval(ctx, job.ProviderID)
		last, err := s.jobs.LastDispatched(ctx, job.ID)
		if err != nil {
			log.Error(err, "reading last dispatch", "jobID", job.ID)
			continue
		}
		if !last.IsZero() && now.Sub(last) < minInterval {
			// Too soon for this provider; push the job to the floor boundary.
			if err := s.jobs.SetNextRun(ctx, job.ID, last.Add(minInterval)); err != nil {
				log.Error(err, "deferring job below provider floor", "jobID", job.ID)
			}
			metrics.SyncDispatches.WithLabelValues(job.ProviderID, "deferred_min_interval").Inc()
			continue
		}

		leased, err := s.jobs.Lease(ctx, job.ID, now, now.Add(s.config.LeaseDuration))
		if err != nil {
			return fmt.Errorf("leasing job %s, %w", job.ID, err)
		}
		if !leased {
			continue
		}

		message := core.ScheduledSync{
			JobID:         job.ID,
			TenantID:      job.TenantID,
			IntegrationID: job.IntegrationID,
			ProviderID:    job.ProviderID,
			Entity:        job.Entity,
			Cursor:        job.Cursor,
			DispatchedAt:  now,
		}
		sessionKey := fmt.Sprintf("%s/%s/%s", job.TenantID, job.IntegrationID, job.Entity)
		if err := s.dispatch.PublishSession(ctx, sessionKey, message); err != nil {
			return fmt.Errorf("dispatching job %s, %w", job.ID, err)
		}
		metrics.SyncDispatches.WithLabelValues(job.ProviderID, "dispatched").Inc()

		next, err := NextRun(frequency, now)
		if err != nil {
			log.Error(err, "computing next run", "jobID", job.ID)
		} else if err := s.jobs.SetNextRun(ctx, job.ID, next); err != nil {
			log.Error(err, "storing next run", "jobID", job.ID)
		}

		total++
		if perTenant == nil {
			perTenant = map[string]int{}
		}
		perTenant[job.TenantID]++
	}
	return nil
}

// congested returns the name of the first watched queue over the threshold.
func (s *Scheduler) congested(ctx context.Context) string {
	for _, gauge := range s.watched {
		depth, err := gauge.Depth(ctx)
		if err != nil {
			logging.FromContext(ctx).Error(err, "reading queue depth", "queue", gauge.Name())
			continue
		}
		if depth > s.config.BackpressureDepth {
			return gauge.Name()
		}
	}
	return ""
}

func (s *Scheduler) minInterval(ctx context.Context, providerID string) time.Duration {
	interval := s.config.MinSyncInterval
	provider, err := s.providers.Get(ctx, providerID)
	if err != nil {
		return interval
	}
	if provider.RateLimit.MinSyncInterval > interval {
		interval = provider.RateLimit.MinSyncInterval
	}
	return interval
}

// NextRun computes the following dispatch time from a frequency spec. Cron
// expressions evaluate in the tenant-declared timezone.
func NextRun(spec core.FrequencySpec, now time.Time) (time.Time, error) {
	switch spec.Kind {
	case core.FrequencyInterval:
		interval := time.Duration(spec.IntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = time.Hour
		}
		return now.Add(interval), nil
	case core.FrequencyCron:
		schedule, err := cron.ParseStandard(spec.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing cron %q, %w", spec.CronExpr, err)
		}
		location := time.UTC
		if spec.Timezone != "" {
			location, err = time.LoadLocation(spec.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("loading timezone %q, %w", spec.Timezone, err)
			}
		}
		return schedule.Next(now.In(location)), nil
	default:
		return time.Time{}, fmt.Errorf("frequency kind %q has no schedule", spec.Kind)
	}
}
