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

package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
)

// SyncJobs stores schedule entries. The scheduler leases a job before
// dispatching it; a lease that outlives its worker is reclaimed on a later
// tick with the retry count bumped.
type SyncJobs struct {
	db *sqlx.DB
}

func NewSyncJobs(db *sqlx.DB) *SyncJobs {
	return &SyncJobs{db: db}
}

type syncJobRow struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	IntegrationID string    `db:"integration_id"`
	ProviderID    string    `db:"provider_id"`
	Entity        string    `db:"entity"`
	Cursor        string    `db:"cursor"`
	NextRunAt     time.Time `db:"next_run_at"`
	Status        string    `db:"status"`
	LastStatus    string    `db:"last_status"`
	LastError     string    `db:"last_error"`
	LastSuccessAt time.Time `db:"last_success_at"`
	RetryCount    int       `db:"retry_count"`
	Running       bool      `db:"running"`
	LeaseExpires  time.Time `db:"lease_expires"`
}

func (r syncJobRow) job() *core.SyncJob {
	return &core.SyncJob{
		ID:            r.ID,
		TenantID:      r.TenantID,
		IntegrationID: r.IntegrationID,
		ProviderID:    r.ProviderID,
		Entity:        r.Entity,
		Cursor:        r.Cursor,
		NextRunAt:     r.NextRunAt,
		Status:        core.SyncJobStatus(r.Status),
		LastStatus:    r.LastStatus,
		LastError:     r.LastError,
		LastSuccessAt: r.LastSuccessAt,
		RetryCount:    r.RetryCount,
		Running:       r.Running,
		LeaseExpires:  r.LeaseExpires,
	}
}

const syncJobColumns = `id, tenant_id, integration_id, provider_id, entity, cursor, next_run_at,
	status, last_status, last_error, last_success_at, retry_count, running, lease_expires`

func (r *SyncJobs) Get(ctx context.Context, id string) (*core.SyncJob, error) {
	var row syncJobRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "sync job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading sync job %s, %w", id, err)
	}
	return row.job(), nil
}

func (r *SyncJobs) Put(ctx context.Context, job *core.SyncJob) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (`+syncJobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET cursor = EXCLUDED.cursor, next_run_at = EXCLUDED.next_run_at,
			status = EXCLUDED.status`,
		job.ID, job.TenantID, job.IntegrationID, job.ProviderID, job.Entity, job.Cursor,
		job.NextRunAt, string(job.Status), job.LastStatus, job.LastError, job.LastSuccessAt,
		job.RetryCount, job.Running, job.LeaseExpires)
	if err != nil {
		return fmt.Errorf("storing sync job %s, %w", job.ID, err)
	}
	return nil
}

// Due lists active jobs whose next run has arrived and that hold no live
// lease, ordered so co-due jobs with the oldest last success go first.
func (r *SyncJobs) Due(ctx context.Context, now time.Time, limit int) ([]*core.SyncJob, error) {
	var rows []syncJobRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+syncJobColumns+` FROM sync_jobs
		 WHERE status = 'active' AND next_run_at <= $1 AND (NOT running OR lease_expires <= $1)
		 ORDER BY last_success_at ASC, next_run_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due sync jobs, %w", err)
	}
	jobs := make([]*core.SyncJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.job())
	}
	return jobs, nil
}

// Lease atomically marks the job running until the deadline. It returns
// false when another scheduler instance won the race.
func (r *SyncJobs) Lease(ctx context.Context, id string, now, until time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET running = TRUE, lease_expires = $1, last_dispatched = $3
		 WHERE id = $2 AND (NOT running OR lease_expires <= $3)`, until, id, now)
	if err != nil {
		return false, fmt.Errorf("leasing sync job %s, %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// HoldsLease reports whether the job's lease is still live at now, checked
// by workers before persisting results.
func (r *SyncJobs) HoldsLease(ctx context.Context, id string, now time.Time) (bool, error) {
	var live bool
	err := r.db.GetContext(ctx, &live,
		`SELECT running AND lease_expires > $1 FROM sync_jobs WHERE id = $2`, now, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, errors.Newf(errors.KindNotFound, "sync job %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("checking lease for %s, %w", id, err)
	}
	return live, nil
}

// Complete releases the lease after a successful run.
func (r *SyncJobs) Complete(ctx context.Context, id, cursor string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET running = FALSE, cursor = $1, last_status = 'success', last_error = '',
			last_success_at = $2, retry_count = 0 WHERE id = $3`, cursor, at, id)
	if err != nil {
		return fmt.Errorf("completing sync job %s, %w", id, err)
	}
	return nil
}

// Fail releases the lease after a failed run and records the error.
func (r *SyncJobs) Fail(ctx context.Context, id, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET running = FALSE, last_status = 'error', last_error = $1,
			retry_count = retry_count + 1 WHERE id = $2`, message, id)
	if err != nil {
		return fmt.Errorf("failing sync job %s, %w", id, err)
	}
	return nil
}

// SetNextRun schedules the next dispatch.
func (r *SyncJobs) SetNextRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET next_run_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("scheduling sync job %s, %w", id, err)
	}
	return nil
}

// SetStatus pauses or resumes a schedule entry.
func (r *SyncJobs) SetStatus(ctx context.Context, id string, status core.SyncJobStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("setting status of sync job %s, %w", id, err)
	}
	return nil
}

// SetStatusByIntegration halts or resumes every job of an integration, used
// when its credential expires.
func (r *SyncJobs) SetStatusByIntegration(ctx context.Context, integrationID string, status core.SyncJobStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = $1 WHERE integration_id = $2`, string(status), integrationID)
	if err != nil {
		return fmt.Errorf("setting status of jobs for integration %s, %w", integrationID, err)
	}
	return nil
}

// ReclaimExpired releases leases whose workers went away, bumping each job's
// retry count, and returns how many were reclaimed.
func (r *SyncJobs) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET running = FALSE, retry_count = retry_count + 1
		 WHERE running AND lease_expires <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reclaiming expired leases, %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// RunningCounts reports the live lease totals feeding scheduler admission.
func (r *SyncJobs) RunningCounts(ctx context.Context, now time.Time) (total int, perTenant map[string]int, err error) {
	var rows []struct {
		TenantID string `db:"tenant_id"`
		Count    int    `db:"count"`
	}
	err = r.db.SelectContext(ctx, &rows,
		`SELECT tenant_id, COUNT(*) AS count FROM sync_jobs
		 WHERE running AND lease_expires > $1 GROUP BY tenant_id`, now)
	if err != nil {
		return 0, nil, fmt.Errorf("counting running sync jobs, %w", err)
	}
	perTenant = map[string]int{}
	for _, row := range rows {
		perTenant[row.TenantID] = row.Count
		total += row.Count
	}
	return total, perTenant, nil
}

// LastDispatched returns when the job was last dispatched, feeding the
// per-provider min-interval check. Zero when it never ran.
func (r *SyncJobs) LastDispatched(ctx context.Context, id string) (time.Time, error) {
	var last time.Time
	err := r.db.GetContext(ctx, &last,
		`SELECT last_dispatched FROM sync_jobs WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last dispatch for %s, %w", id, err)
	}
	return last, nil
}
