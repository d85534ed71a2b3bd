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

package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/graph"
	"github.com/shardstream/shardstream/pkg/metrics"
	"github.com/shardstream/shardstream/pkg/storage"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// ProvenanceMode selects which derived shards must carry provenance links to
// be retrievable.
type ProvenanceMode string

const (
	// ProvenanceInsights gates c_insight_kpi shards only.
	ProvenanceInsights ProvenanceMode = "insights"
	// ProvenanceAllDerived additionally gates any shard that declares a
	// derivedFrom edge.
	ProvenanceAllDerived ProvenanceMode = "all-derived"
)

// metricWindow is the search count between persisted usage metrics.
const metricWindow = 100

const excerptLength = 200

// SearchStore is the slice of the shard store a search needs.
type SearchStore interface {
	VectorSearch(ctx context.Context, tenantID string, embedding []float32, opts storage.VectorSearchOptions) ([]storage.ScoredShard, error)
}

// ContextResolver narrows a search to a project's relevance set.
type ContextResolver interface {
	Resolve(ctx context.Context, tenantID, projectID string, opts graph.Options) (*graph.ProjectContext, error)
}

// MetricSink persists periodic usage metric shards. The shard store satisfies
// it.
type MetricSink interface {
	Create(ctx context.Context, actor string, shard *core.Shard) error
}

// Filter scopes one search. Principal is the caller identity used for ACL
// checks.
type Filter struct {
	TenantID  string `json:"tenantId"`
	Principal string `json:"principal"`
	// ProjectID restricts candidates to the project's resolved context.
	ProjectID string `json:"projectId,omitempty"`
	// TenantFallback broadens an empty project scope to the whole tenant.
	// Without it an empty scope returns no hits.
	TenantFallback bool `json:"tenantFallback,omitempty"`
}

// Citation points a hit back at its source record.
type Citation struct {
	SourceID   string `json:"sourceId"`
	SourceType string `json:"sourceType"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	Excerpt    string `json:"excerpt,omitempty"`
}

// Freshness describes how current a hit is.
type Freshness struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	AgeDays   int       `json:"ageDays"`
}

// Hit is one ranked search result.
type Hit struct {
	Shard     *core.Shard `json:"shard"`
	Score     float64     `json:"score"`
	Citations []Citation  `json:"citations"`
	Freshness Freshness   `json:"freshness"`
}

type tenantWindow struct {
	searches int
	scoped   int
	empty    int
	scoreSum float64
	hits     int
}

// Searcher runs semantic and hybrid queries. Safe for concurrent use.
type Searcher struct {
	store      SearchStore
	resolver   ContextResolver
	embedder   Embedder
	provenance ProvenanceMode
	sink       MetricSink
	clk        clock.Clock

	mu      sync.Mutex
	windows map[string]*tenantWindow
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithProvenanceMode overrides the default insights-only gate.
func WithProvenanceMode(mode ProvenanceMode) Option {
	return func(s *Searcher) { s.provenance = mode }
}

// WithMetricSink enables periodic usage metric shards.
func WithMetricSink(sink MetricSink) Option {
	return func(s *Searcher) { s.sink = sink }
}

// WithClock substitutes the clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Searcher) { s.clk = clk }
}

func NewSearcher(store SearchStore, resolver ContextResolver, embedder Embedder, opts ...Option) *Searcher {
	s := &Searcher{
		store:      store,
		resolver:   resolver,
		embedder:   embedder,
		provenance: ProvenanceInsights,
		clk:        clock.RealClock{},
		windows:    map[string]*tenantWindow{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Semantic ranks shards by cosine similarity to the query.
func (s *Searcher) Semantic(ctx context.Context, query string, filter Filter, topK int, minScore float64) ([]Hit, error) {
	return s.search(ctx, "semantic", query, "", filter, topK, minScore)
}

// Hybrid pre-filters by keyword, then vector-ranks the surviving set.
func (s *Searcher) Hybrid(ctx context.Context, query, keyword string, filter Filter, topK int) ([]Hit, error) {
	return s.search(ctx, "hybrid", query, keyword, filter, topK, 0)
}

func (s *Searcher) search(ctx context.Context, mode, query, keyword string, filter Filter, topK int, minScore float64) ([]Hit, error) {
	if filter.TenantID == "" {
		return nil, errors.Newf(errors.KindValidation, "search filter needs a tenant")
	}
	if query == "" {
		return nil, errors.Newf(errors.KindValidation, "search query is empty")
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scoped := filter.ProjectID != ""
	var scope []string
	if scoped {
		projectCtx, err := s.resolver.Resolve(ctx, filter.TenantID, filter.ProjectID, graph.Options{})
		if err != nil {
			return nil, err
		}
		scope = projectCtx.ShardIDs()
		if len(scope) == 0 {
			if !filter.TenantFallback {
				// An empty project context never broadens silently.
				s.observe(ctx, mode, filter, scoped, nil)
				return []Hit{}, nil
			}
			scoped = false
			scope = nil
		}
	}

	scored, err := s.store.VectorSearch(ctx, filter.TenantID, embedding, storage.VectorSearchOptions{
		ShardIDs: scope,
		Keyword:  keyword,
		TopK:     topK,
		MinScore: minScore,
	})
	if err != nil {
		return nil, err
	}

	now := s.clk.Now().UTC()
	hits := make([]Hit, 0, len(scored))
	for _, candidate := range scored {
		if !candidate.Shard.PermittedFor(filter.Principal, core.PermissionRead) {
			continue
		}
		if s.gated(candidate.Shard) {
			continue
		}
		hits = append(hits, Hit{
			Shard:     candidate.Shard,
			Score:     candidate.Score,
			Citations: citations(candidate.Shard),
			Freshness: freshness(candidate.Shard, now),
		})
	}
	s.observe(ctx, mode, filter, scoped, hits)
	return hits, nil
}

// gated reports whether a derived shard lacks the provenance links required
// by the configured mode.
func (s *Searcher) gated(shard *core.Shard) bool {
	if shard.ShardTypeID == core.ShardTypeInsightKPI {
		return !shard.HasProvenance()
	}
	if s.provenance != ProvenanceAllDerived {
		return false
	}
	for _, rel := range shard.InternalRelationships {
		if rel.Kind == core.RelationshipDerivedFrom {
			return !shard.HasProvenance()
		}
	}
	return false
}

func citations(shard *core.Shard) []Citation {
	excerpt := shard.UnstructuredData
	if len(excerpt) > excerptLength {
		excerpt = excerpt[:excerptLength]
	}
	url, _ := shard.StructuredData["url"].(string)
	if url == "" {
		url, _ = shard.StructuredData["permalink"].(string)
	}

	if len(shard.ExternalRelationships) == 0 {
		return []Citation{{
			SourceID:   shard.ID,
			SourceType: shard.ShardTypeID,
			Title:      shard.Name,
			URL:        url,
			Excerpt:    excerpt,
		}}
	}
	out := make([]Citation, 0, len(shard.ExternalRelationships))
	for _, ref := range shard.ExternalRelationships {
		out = append(out, Citation{
			SourceID:   ref.ExternalID,
			SourceType: ref.System + "/" + ref.SystemType,
			Title:      shard.Name,
			URL:        url,
			Excerpt:    excerpt,
		})
	}
	return out
}

func freshness(shard *core.Shard, now time.Time) Freshness {
	age := 0
	if !shard.Metadata.UpdatedAt.IsZero() {
		age = int(now.Sub(shard.Metadata.UpdatedAt).Hours() / 24)
		if age < 0 {
			age = 0
		}
	}
	return Freshness{
		CreatedAt: shard.Metadata.CreatedAt,
		UpdatedAt: shard.Metadata.UpdatedAt,
		AgeDays:   age,
	}
}

// observe updates counters and persists a usage metric shard once per window.
func (s *Searcher) observe(ctx context.Context, mode string, filter Filter, scoped bool, hits []Hit) {
	metrics.Searches.WithLabelValues(mode, strconv.FormatBool(scoped)).Inc()
	if len(hits) > 0 {
		metrics.SearchScore.Observe(hits[0].Score)
	}

	s.mu.Lock()
	window, ok := s.windows[filter.TenantID]
	if !ok {
		window = &tenantWindow{}
		s.windows[filter.TenantID] = window
	}
	window.searches++
	if scoped {
		window.scoped++
	}
	if len(hits) == 0 {
		window.empty++
	} else {
		window.scoreSum += hits[0].Score
		window.hits++
	}
	var snapshot *tenantWindow
	if window.searches >= metricWindow {
		snapshot = window
		s.windows[filter.TenantID] = &tenantWindow{}
	}
	s.mu.Unlock()

	if snapshot == nil || s.sink == nil {
		return
	}
	if err := s.sink.Create(ctx, "system.retrieval", usageShard(filter.TenantID, snapshot, s.clk.Now().UTC())); err != nil {
		logging.FromContext(ctx).Error(err, "persisting search usage metric", "tenantID", filter.TenantID)
	}
}

func usageShard(tenantID string, window *tenantWindow, now time.Time) *core.Shard {
	avgScore := 0.0
	if window.hits > 0 {
		avgScore = window.scoreSum / float64(window.hits)
	}
	return &core.Shard{
		ID:          fmt.Sprintf("search-usage/%s/%d", tenantID, now.Unix()),
		TenantID:    tenantID,
		ShardTypeID: core.ShardTypeMetric,
		Name:        "search usage",
		Status:      core.ShardStatusActive,
		StructuredData: map[string]interface{}{
			"metric":            "search_usage",
			"searches":          window.searches,
			"emptyResults":      window.empty,
			"hitRatio":          float64(window.searches-window.empty) / float64(window.searches),
			"averageTopScore":   avgScore,
			"projectScopeRatio": float64(window.scoped) / float64(window.searches),
			"windowClosedAt":    now.Format(time.RFC3339),
		},
		ACL: []core.ACLEntry{{Principal: "tenant", Permission: core.PermissionRead}},
	}
}
