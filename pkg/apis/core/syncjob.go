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

package core

import "time"

// SyncJobStatus is the admin-facing state of a schedule entry.
type SyncJobStatus string

const (
	SyncJobActive SyncJobStatus = "active"
	SyncJobPaused SyncJobStatus = "paused"
)

// SyncJob is one scheduled unit of work: an integration-entity pair with its
// cursor and schedule. The scheduler leases jobs before dispatching so a
// crashed worker's job is reclaimed on lease expiry.
type SyncJob struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenantId"`
	IntegrationID string        `json:"integrationId"`
	ProviderID    string        `json:"providerId"`
	Entity        string        `json:"entity"`
	Cursor        string        `json:"cursor,omitempty"`
	NextRunAt     time.Time     `json:"nextRunAt"`
	Status        SyncJobStatus `json:"status"`
	LastStatus    string        `json:"lastStatus,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	LastSuccessAt time.Time     `json:"lastSuccessAt,omitempty"`
	RetryCount    int           `json:"retryCount"`
	Running       bool          `json:"running"`
	LeaseExpires  time.Time     `json:"leaseExpiresAt,omitempty"`
}
