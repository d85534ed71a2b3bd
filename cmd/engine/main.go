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

// The engine binary runs every controller of the data-integration engine in
// one process: the sync scheduler, the ingestion pipeline workers, the
// write-back and governance loops, and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apiserver"
	"github.com/shardstream/shardstream/pkg/controllers/autoattach"
	"github.com/shardstream/shardstream/pkg/controllers/changefeed"
	"github.com/shardstream/shardstream/pkg/controllers/credentialrefresh"
	"github.com/shardstream/shardstream/pkg/controllers/enrichment"
	"github.com/shardstream/shardstream/pkg/controllers/insight"
	"github.com/shardstream/shardstream/pkg/controllers/normalization"
	"github.com/shardstream/shardstream/pkg/controllers/pull"
	"github.com/shardstream/shardstream/pkg/controllers/scheduler"
	"github.com/shardstream/shardstream/pkg/controllers/writeback"
	"github.com/shardstream/shardstream/pkg/conversion"
	"github.com/shardstream/shardstream/pkg/credentials"
	"github.com/shardstream/shardstream/pkg/extractor"
	"github.com/shardstream/shardstream/pkg/graph"
	"github.com/shardstream/shardstream/pkg/operator"
	"github.com/shardstream/shardstream/pkg/operator/options"
	"github.com/shardstream/shardstream/pkg/providers/framework"
	"github.com/shardstream/shardstream/pkg/providers/hubspot"
	"github.com/shardstream/shardstream/pkg/providers/salesforce"
	"github.com/shardstream/shardstream/pkg/providers/slack"
	"github.com/shardstream/shardstream/pkg/queue"
	"github.com/shardstream/shardstream/pkg/retrieval"
	"github.com/shardstream/shardstream/pkg/storage"
	"github.com/shardstream/shardstream/pkg/utils/logging"
	"github.com/shardstream/shardstream/pkg/webhooks"
)

func main() {
	opts := options.New()
	if err := opts.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.NewLogger(opts.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(logging.WithLogger(ctx, logger), opts, logger); err != nil {
		logger.Error(err, "engine exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options.Options, logger logr.Logger) error {
	clk := clock.RealClock{}

	db, err := sqlx.Open("pgx", opts.PostgresDSN)
	if err != nil {
		return fmt.Errorf("opening postgres, %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("reaching postgres, %w", err)
	}
	if err := storage.Migrate(ctx, db.DB); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("reaching redis, %w", err)
	}

	policies := storage.NewPolicies(db)
	store := storage.New(db, clk, policies)
	integrations := storage.NewIntegrations(db)
	providers := storage.NewProviders(db)
	schemas := storage.NewSchemas(db)
	syncJobs := storage.NewSyncJobs(db)

	ingestionEvents := queue.New(rdb, "ingestion-events",
		queue.WithMaxDeliveries(opts.WebhookDeliveries))
	enrichmentJobs := queue.New(rdb, "enrichment-jobs",
		queue.WithMaxDeliveries(opts.ScheduledDeliveries))
	scheduledSyncs := queue.New(rdb, "scheduled-syncs",
		queue.WithPartitions(8), queue.WithMaxDeliveries(opts.ScheduledDeliveries))
	syncOutbound := queue.New(rdb, "sync-outbound",
		queue.WithPartitions(8), queue.WithMaxDeliveries(opts.ScheduledDeliveries))
	// Fan-out: each consumer group on shard-created sees every message.
	shardCreated := queue.New(rdb, "shard-created")
	attachFeed := queue.New(rdb, "shard-created", queue.WithGroup("autoattach"))
	insightFeed := queue.New(rdb, "shard-created", queue.WithGroup("insight"))

	client := framework.NewClient(framework.NewLimiters(), framework.NewBreakers())
	registry := framework.NewRegistry()
	registry.Register(salesforce.NewAdapter(client, opts.SalesforceWebhookSecret))
	registry.Register(hubspot.NewAdapter(client, opts.HubSpotWebhookSecret))
	registry.Register(slack.NewAdapter(opts.SlackWebhookSecret))

	creds, err := credentials.NewManager(credentials.NewInMemorySecretStore(),
		opts.CredentialKeyID, []byte(opts.CredentialKey), clk)
	if err != nil {
		return err
	}

	resolver := graph.NewResolver(store, clk)
	embedder, err := retrieval.NewOpenAIEmbedder(opts.OpenAIToken, opts.OpenAIBaseURL, opts.EmbeddingModel)
	if err != nil {
		return err
	}
	searcher := retrieval.NewSearcher(store, resolver, embedder,
		retrieval.WithMetricSink(store))
	extract, err := extractor.NewLLMExtractor(opts.OpenAIToken, opts.OpenAIBaseURL, opts.ExtractionModel)
	if err != nil {
		return err
	}

	webhookHandler := webhooks.NewHandler(registry, integrations, ingestionEvents, clk,
		webhooks.WithTenantRate(rate.Limit(opts.WebhookTenantRate)))

	api := apiserver.NewServer(searcher, resolver, store, policies,
		[]apiserver.AdminQueue{ingestionEvents, enrichmentJobs, scheduledSyncs, syncOutbound, shardCreated},
		apiserver.Config{Port: opts.APIPort}, clk,
		apiserver.WithRouterExtension(webhookHandler.Register))

	return operator.New(logger, opts.OpsPort).Add(
		scheduler.New(syncJobs, integrations, providers, scheduledSyncs,
			[]scheduler.DepthGauge{ingestionEvents, enrichmentJobs},
			scheduler.Config{
				Tick:              opts.SchedulerTick,
				MaxTotal:          opts.MaxSyncs,
				MaxPerTenant:      opts.MaxSyncsPerTenant,
				MinSyncInterval:   opts.MinSyncInterval,
				LeaseDuration:     opts.LeaseDuration,
				BackpressureDepth: opts.BackpressureDepth,
			}, clk),
		pull.NewWorker(scheduledSyncs, ingestionEvents, scheduledSyncs,
			syncJobs, integrations, creds, registry,
			pull.Config{
				MaxRecordsPerSync: opts.MaxRecordsPerSync,
				LeaseDuration:     opts.LeaseDuration,
			}, clk),
		normalization.NewWorker(ingestionEvents, conversion.NewEngine(store),
			store, schemas, integrations, enrichmentJobs, clk),
		enrichment.NewWorker(enrichmentJobs, store, extract, embedder, providers, clk),
		writeback.NewWorker(syncOutbound, store, integrations, creds, registry, schemas, clk),
		autoattach.NewWorker(attachFeed, store, resolver, clk),
		insight.NewWorker(insightFeed, store, store,
			insight.Config{RecomputeInterval: opts.RecomputeInterval}, clk),
		credentialrefresh.NewController(creds, integrations, syncJobs, registry,
			credentialrefresh.Config{Interval: opts.RefreshInterval, Window: opts.RefreshWindow}, clk),
		changefeed.NewDrain(store, integrations, shardCreated, syncOutbound,
			changefeed.NewRedisCursor(rdb, "changefeed:cursor"),
			changefeed.Config{PollInterval: opts.DrainPollInterval}, clk),
		api,
	).Run(ctx)
}
