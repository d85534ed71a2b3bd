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

// Package options holds the engine's runtime configuration. Every flag
// defaults from an environment variable so container deployments configure
// the process without an argument list.
package options

import (
	"flag"
	"fmt"
	"time"

	"github.com/shardstream/shardstream/pkg/utils/env"
)

type Options struct {
	*flag.FlagSet

	APIPort int
	OpsPort int
	Debug   bool

	PostgresDSN string
	RedisAddr   string

	// CredentialKey is the AES-256 key sealing credential payloads, hex or
	// raw. CredentialKeyID names it in stored envelopes for rotation.
	CredentialKey   string
	CredentialKeyID string

	OpenAIToken     string
	OpenAIBaseURL   string
	EmbeddingModel  string
	ExtractionModel string

	SalesforceWebhookSecret string
	HubSpotWebhookSecret    string
	SlackWebhookSecret      string

	SchedulerTick       time.Duration
	MaxSyncs            int
	MaxSyncsPerTenant   int
	MinSyncInterval     time.Duration
	LeaseDuration       time.Duration
	BackpressureDepth   int64
	MaxRecordsPerSync   int
	RefreshInterval     time.Duration
	RefreshWindow       time.Duration
	RecomputeInterval   time.Duration
	DrainPollInterval   time.Duration
	WebhookTenantRate   float64
	WebhookDeliveries   int64
	ScheduledDeliveries int64
}

// New registers the engine flags on a fresh flag set.
func New() *Options {
	opts := &Options{}
	fs := flag.NewFlagSet("shardstream", flag.ContinueOnError)
	opts.FlagSet = fs

	fs.IntVar(&opts.APIPort, "api-port", env.WithDefaultInt("API_PORT", 8080), "Port the HTTP API listens on")
	fs.IntVar(&opts.OpsPort, "ops-port", env.WithDefaultInt("OPS_PORT", 8081), "Port for health and Prometheus endpoints")
	fs.BoolVar(&opts.Debug, "debug", env.WithDefaultBool("DEBUG", false), "Enable debug logging")

	fs.StringVar(&opts.PostgresDSN, "postgres-dsn",
		env.WithDefaultString("POSTGRES_DSN", "postgres://localhost:5432/shardstream?sslmode=disable"),
		"Postgres connection string")
	fs.StringVar(&opts.RedisAddr, "redis-addr",
		env.WithDefaultString("REDIS_ADDR", "localhost:6379"), "Redis address for the stream queues")

	fs.StringVar(&opts.CredentialKey, "credential-key",
		env.WithDefaultString("CREDENTIAL_KEY", ""), "AES-256 key sealing stored credentials")
	fs.StringVar(&opts.CredentialKeyID, "credential-key-id",
		env.WithDefaultString("CREDENTIAL_KEY_ID", "primary"), "Identifier of the active credential key")

	fs.StringVar(&opts.OpenAIToken, "openai-token",
		env.WithDefaultString("OPENAI_TOKEN", ""), "Token for embedding and extraction calls")
	fs.StringVar(&opts.OpenAIBaseURL, "openai-base-url",
		env.WithDefaultString("OPENAI_BASE_URL", ""), "Override for the OpenAI-compatible endpoint")
	fs.StringVar(&opts.EmbeddingModel, "embedding-model",
		env.WithDefaultString("EMBEDDING_MODEL", "text-embedding-3-small"), "Embedding model name")
	fs.StringVar(&opts.ExtractionModel, "extraction-model",
		env.WithDefaultString("EXTRACTION_MODEL", "gpt-4o-mini"), "Entity extraction model name")

	fs.StringVar(&opts.SalesforceWebhookSecret, "salesforce-webhook-secret",
		env.WithDefaultString("SALESFORCE_WEBHOOK_SECRET", ""), "HMAC secret for Salesforce deliveries")
	fs.StringVar(&opts.HubSpotWebhookSecret, "hubspot-webhook-secret",
		env.WithDefaultString("HUBSPOT_WEBHOOK_SECRET", ""), "HMAC secret for HubSpot deliveries")
	fs.StringVar(&opts.SlackWebhookSecret, "slack-webhook-secret",
		env.WithDefaultString("SLACK_WEBHOOK_SECRET", ""), "Signing secret for Slack deliveries")

	fs.DurationVar(&opts.SchedulerTick, "scheduler-tick",
		env.WithDefaultDuration("SCHEDULER_TICK", time.Minute), "Scheduler evaluation interval")
	fs.IntVar(&opts.MaxSyncs, "max-syncs",
		env.WithDefaultInt("MAX_SYNCS", 50), "Global concurrent sync cap")
	fs.IntVar(&opts.MaxSyncsPerTenant, "max-syncs-per-tenant",
		env.WithDefaultInt("MAX_SYNCS_PER_TENANT", 3), "Per-tenant concurrent sync cap")
	fs.DurationVar(&opts.MinSyncInterval, "min-sync-interval",
		env.WithDefaultDuration("MIN_SYNC_INTERVAL", 5*time.Minute), "Floor for integration sync frequency")
	fs.DurationVar(&opts.LeaseDuration, "lease-duration",
		env.WithDefaultDuration("LEASE_DURATION", 10*time.Minute), "Sync job lease duration")
	fs.Int64Var(&opts.BackpressureDepth, "backpressure-depth",
		env.WithDefaultInt64("BACKPRESSURE_DEPTH", 1000), "Queue depth that pauses dispatch")
	fs.IntVar(&opts.MaxRecordsPerSync, "max-records-per-sync",
		env.WithDefaultInt("MAX_RECORDS_PER_SYNC", 1000), "Record cap per sync run before continuation")
	fs.DurationVar(&opts.RefreshInterval, "credential-refresh-interval",
		env.WithDefaultDuration("CREDENTIAL_REFRESH_INTERVAL", time.Hour), "Credential refresh sweep interval")
	fs.DurationVar(&opts.RefreshWindow, "credential-refresh-window",
		env.WithDefaultDuration("CREDENTIAL_REFRESH_WINDOW", 2*time.Hour), "How far ahead of expiry credentials refresh")
	fs.DurationVar(&opts.RecomputeInterval, "insight-recompute-interval",
		env.WithDefaultDuration("INSIGHT_RECOMPUTE_INTERVAL", 24*time.Hour), "Full KPI recomputation interval")
	fs.DurationVar(&opts.DrainPollInterval, "changefeed-poll-interval",
		env.WithDefaultDuration("CHANGEFEED_POLL_INTERVAL", 2*time.Second), "Change-feed drain poll interval")
	fs.Float64Var(&opts.WebhookTenantRate, "webhook-tenant-rate",
		env.WithDefaultFloat64("WEBHOOK_TENANT_RATE", 50), "Webhook deliveries accepted per tenant per second")
	fs.Int64Var(&opts.WebhookDeliveries, "webhook-max-deliveries",
		env.WithDefaultInt64("WEBHOOK_MAX_DELIVERIES", 5), "Delivery attempts before webhook events dead-letter")
	fs.Int64Var(&opts.ScheduledDeliveries, "scheduled-max-deliveries",
		env.WithDefaultInt64("SCHEDULED_MAX_DELIVERIES", 10), "Delivery attempts before scheduled work dead-letters")
	return opts
}

// Parse reads the argument list and checks cross-field requirements.
func (o *Options) Parse(args []string) error {
	if err := o.FlagSet.Parse(args); err != nil {
		return fmt.Errorf("parsing flags, %w", err)
	}
	if len(o.CredentialKey) != 32 {
		return fmt.Errorf("credential-key must be 32 bytes, got %d", len(o.CredentialKey))
	}
	return nil
}
