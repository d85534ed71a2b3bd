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

// Package pull executes scheduled syncs: it drains records from the provider
// page by page, persisting the cursor after each page so a crashed run
// resumes with at most one page of duplicates.
package pull

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/providers/framework"
	"github.com/shardstream/shardstream/pkg/queue"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// Config bounds one sync run.
type Config struct {
	// MaxRecordsPerSync caps a single run; the remainder continues on a
	// re-enqueued message.
	MaxRecordsPerSync int
	LeaseDuration     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRecordsPerSync <= 0 {
		c.MaxRecordsPerSync = 1000
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 10 * time.Minute
	}
	return c
}

// Jobs is the lease surface the worker needs.
type Jobs interface {
	HoldsLease(ctx context.Context, id string, now time.Time) (bool, error)
	Lease(ctx context.Context, id string, now, until time.Time) (bool, error)
	Complete(ctx context.Context, id, cursor string, at time.Time) error
	Fail(ctx context.Context, id, message string) error
}

// Integrations loads integration config and persists pull cursors.
type Integrations interface {
	Get(ctx context.Context, id string) (*core.Integration, error)
	SaveCursor(ctx context.Context, id, entity, cursor string) error
}

// Credentials hands the decrypted payload to the adapter.
type Credentials interface {
	Fetch(ctx context.Context, handle string) (core.CredentialMetadata, core.CredentialPayload, error)
}

// Adapters resolves the provider adapter.
type Adapters interface {
	Get(providerID string) (framework.Adapter, error)
}

// Publisher enqueues onto an unsessioned queue.
type Publisher interface {
	Publish(ctx context.Context, payload interface{}) error
}

// SessionPublisher re-enqueues continuations on the scheduled-sync queue.
type SessionPublisher interface {
	PublishSession(ctx context.Context, sessionKey string, payload interface{}) error
}

// Worker consumes scheduled-sync messages.
type Worker struct {
	syncs    *queue.Queue
	events   Publisher
	resume   SessionPublisher
	jobs     Jobs
	ints     Integrations
	creds    Credentials
	adapters Adapters
	config   Config
	clk      clock.Clock
}

func NewWorker(syncs *queue.Queue, events Publisher, resume SessionPublisher,
	jobs Jobs, ints Integrations, creds Credentials, adapters Adapters,
	config Config, clk clock.Clock) *Worker {
	return &Worker{
		syncs:    syncs,
		events:   events,
		resume:   resume,
		jobs:     jobs,
		ints:     ints,
		creds:    creds,
		adapters: adapters,
		config:   config.withDefaults(),
		clk:      clk,
	}
}

func (w *Worker) Name() string { return "pull-worker" }

func (w *Worker) Run(ctx context.Context) error {
	return w.syncs.Consume(ctx, w.Name(), w.Handle)
}

// Handle runs one scheduled sync to its record budget.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var sync core.ScheduledSync
	if err := msg.Decode(&sync); err != nil {
		return fmt.Errorf("decoding scheduled sync, %w", err)
	}
	log := logging.FromContext(ctx).WithValues(
		"jobID", sync.JobID, "provider", sync.ProviderID, "entity", sync.Entity)
	now := w.clk.Now().UTC()

	// The scheduler leased the original dispatch; a continuation takes its
	// own lease since the previous run released it.
	if sync.Continuation {
		leased, err := w.jobs.Lease(ctx, sync.JobID, now, now.Add(w.config.LeaseDuration))
		if err != nil {
			return err
		}
		if !leased {
			log.Info("continuation lost the lease race, dropping")
			return nil
		}
	} else {
		held, err := w.jobs.HoldsLease(ctx, sync.JobID, now)
		if err != nil {
			return err
		}
		if !held {
			log.Info("lease expired before the sync started, dropping")
			return nil
		}
	}

	integration, err := w.ints.Get(ctx, sync.IntegrationID)
	if err != nil {
		return w.fail(ctx, sync.JobID, err)
	}
	adapter, err := w.adapters.Get(sync.ProviderID)
	if err != nil {
		return w.fail(ctx, sync.JobID, err)
	}
	_, payload, err := w.creds.Fetch(ctx, integration.CredentialHandle)
	if err != nil {
		return w.fail(ctx, sync.JobID, err)
	}
	session, err := adapter.Connect(ctx, integration, payload)
	if err != nil {
		return w.fail(ctx, sync.JobID, err)
	}
	defer func() {
		if err := adapter.Disconnect(ctx, session); err != nil {
			log.Error(err, "disconnecting session")
		}
	}()

	// The job cursor only advances at Complete, but SaveCursor lands after
	// every page. Resuming from the saved entity cursor means a run that died
	// mid-sync replays at most one page instead of everything since the last
	// completed sync.
	cursor := sync.Cursor
	if saved := integration.Cursors[sync.Entity]; saved != "" {
		cursor = saved
	}
	fetched := 0
	for {
		page, err := adapter.FetchRecords(ctx, session, sync.Entity, cursor, integration.Sync.Filters)
		if err != nil {
			return w.fail(ctx, sync.JobID, err)
		}

		for _, record := range page.Records {
			if err := w.events.Publish(ctx, ingestionEvent(sync, record, w.clk.Now().UTC())); err != nil {
				return w.fail(ctx, sync.JobID, err)
			}
		}
		fetched += len(page.Records)
		cursor = page.NextCursor

		// The cursor lands before the lease check so a lost lease costs at
		// most the page the winner re-fetches.
		if err := w.ints.SaveCursor(ctx, sync.IntegrationID, sync.Entity, cursor); err != nil {
			return w.fail(ctx, sync.JobID, err)
		}
		held, err := w.jobs.HoldsLease(ctx, sync.JobID, w.clk.Now().UTC())
		if err != nil {
			return err
		}
		if !held {
			log.Info("lease lost mid-sync, abandoning", "fetched", fetched)
			return nil
		}

		if page.Done {
			break
		}
		if len(page.Records) == 0 {
			// A source that returns an open empty page would spin us forever.
			log.Info("empty page without done, stopping")
			break
		}
		if fetched >= w.config.MaxRecordsPerSync {
			continuation := sync
			continuation.Cursor = cursor
			continuation.Continuation = true
			continuation.DispatchedAt = w.clk.Now().UTC()
			sessionKey := fmt.Sprintf("%s/%s/%s", sync.TenantID, sync.IntegrationID, sync.Entity)
			if err := w.resume.PublishSession(ctx, sessionKey, continuation); err != nil {
				return w.fail(ctx, sync.JobID, err)
			}
			log.Info("record budget reached, continuing on a new message", "fetched", fetched)
			break
		}
	}

	if err := w.jobs.Complete(ctx, sync.JobID, cursor, w.clk.Now().UTC()); err != nil {
		return err
	}
	log.V(1).Info("sync finished", "fetched", fetched)
	return nil
}

// fail records the failure on the job, then surfaces the error so the queue
// retries or dead-letters the message.
func (w *Worker) fail(ctx context.Context, jobID string, cause error) error {
	if err := w.jobs.Fail(ctx, jobID, cause.Error()); err != nil {
		logging.FromContext(ctx).Error(err, "recording sync failure", "jobID", jobID)
	}
	return cause
}

func ingestionEvent(sync core.ScheduledSync, record framework.Record, now time.Time) core.IngestionEvent {
	observed := record.ModifiedAt
	if observed.IsZero() {
		observed = now
	}
	return core.IngestionEvent{
		TenantID:      sync.TenantID,
		IntegrationID: sync.IntegrationID,
		ProviderID:    sync.ProviderID,
		Entity:        sync.Entity,
		ExternalID:    record.ExternalID,
		ObservedAt:    observed,
		Source:        core.SourceScheduled,
		Record:        record.Fields,
		Deleted:       record.Deleted,
	}
}
