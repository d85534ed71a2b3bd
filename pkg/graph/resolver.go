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

// Package graph answers relevance questions over the shard relationship
// graph: which shards belong to a project's context, and whether a new shard
// should be auto-attached to one.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
)

const (
	DefaultMaxDepth      = 3
	DefaultMinConfidence = 0.6
	DefaultMaxShards     = 200

	contextCacheTTL = 5 * time.Minute
)

// ShardSource is the slice of the store the resolver needs.
type ShardSource interface {
	FindByID(ctx context.Context, tenantID, id string) (*core.Shard, error)
	ResolveExternal(ctx context.Context, tenantID, system, systemType, externalID string) (string, error)
}

// Options bound one resolution. Zero values take the defaults.
type Options struct {
	MaxDepth        int
	MinConfidence   float64
	MaxShards       int
	IncludeExternal bool
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.MaxShards <= 0 {
		o.MaxShards = DefaultMaxShards
	}
	return o
}

// Member is one shard in a project context. Confidence is the minimum edge
// confidence along the best path from the project.
type Member struct {
	ShardID    string  `json:"shardId"`
	ShardType  string  `json:"shardTypeId"`
	Confidence float64 `json:"confidence"`
	Depth      int     `json:"depth"`
}

// ProjectContext is the resolved relevance set for one project.
type ProjectContext struct {
	TenantID   string    `json:"tenantId"`
	ProjectID  string    `json:"projectId"`
	Members    []Member  `json:"members"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// ShardIDs returns the member ids, used as the vector-query scope.
func (c *ProjectContext) ShardIDs() []string {
	return lo.Map(c.Members, func(m Member, _ int) string { return m.ShardID })
}

// Contains reports membership.
func (c *ProjectContext) Contains(shardID string) bool {
	for _, m := range c.Members {
		if m.ShardID == shardID {
			return true
		}
	}
	return false
}

// Resolver walks the relationship graph breadth-first from a project,
// gating edges by confidence and caching results briefly.
type Resolver struct {
	source ShardSource
	cache  *cache.Cache
	clk    clock.Clock
}

func NewResolver(source ShardSource, clk clock.Clock) *Resolver {
	return &Resolver{
		source: source,
		cache:  cache.New(contextCacheTTL, 2*contextCacheTTL),
		clk:    clk,
	}
}

func cacheKey(tenantID, projectID string, opts Options) string {
	return fmt.Sprintf("%s/%s/%d/%.2f/%d/%t",
		tenantID, projectID, opts.MaxDepth, opts.MinConfidence, opts.MaxShards, opts.IncludeExternal)
}

// Resolve computes the project's context set.
func (r *Resolver) Resolve(ctx context.Context, tenantID, projectID string, opts Options) (*ProjectContext, error) {
	opts = opts.withDefaults()
	key := cacheKey(tenantID, projectID, opts)
	if cached, ok := r.cache.Get(key); ok {
		return cached.(*ProjectContext), nil
	}

	project, err := r.source.FindByID(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	if project.ShardTypeID != core.ShardTypeProject {
		return nil, errors.Newf(errors.KindValidation, "shard %s is not a project", projectID)
	}

	result := &ProjectContext{
		TenantID:   tenantID,
		ProjectID:  projectID,
		ResolvedAt: r.clk.Now().UTC(),
	}

	type frontier struct {
		shardID    string
		confidence float64
		depth      int
	}
	best := map[string]*Member{}
	queue := []frontier{}
	for _, rel := range project.InternalRelationships {
		if rel.Metadata.Confidence < opts.MinConfidence {
			continue
		}
		queue = append(queue, frontier{shardID: rel.ShardID, confidence: rel.Metadata.Confidence, depth: 1})
	}

	for len(queue) > 0 && len(best) < opts.MaxShards {
		next := queue[0]
		queue = queue[1:]

		if member, seen := best[next.shardID]; seen {
			// A later path can only improve confidence, never shorten depth
			// below what BFS already found.
			if next.confidence > member.Confidence {
				member.Confidence = next.confidence
			} else {
				continue
			}
		}

		shard, err := r.source.FindByID(ctx, tenantID, next.shardID)
		if err != nil {
			if errors.Is(err, errors.KindNotFound) {
				continue
			}
			return nil, err
		}
		if shard.Status == core.ShardStatusDeleted {
			continue
		}
		if _, seen := best[next.shardID]; !seen {
			best[next.shardID] = &Member{
				ShardID:    next.shardID,
				ShardType:  shard.ShardTypeID,
				Confidence: next.confidence,
				Depth:      next.depth,
			}
		}
		if next.depth >= opts.MaxDepth {
			continue
		}
		for _, rel := range shard.InternalRelationships {
			if rel.ShardID == projectID {
				continue
			}
			confidence := min(next.confidence, rel.Metadata.Confidence)
			if confidence < opts.MinConfidence {
				continue
			}
			queue = append(queue, frontier{shardID: rel.ShardID, confidence: confidence, depth: next.depth + 1})
		}
	}

	if opts.IncludeExternal {
		if err := r.appendExternal(ctx, tenantID, project, best, opts); err != nil {
			return nil, err
		}
	}

	result.Members = make([]Member, 0, len(best))
	for _, member := range best {
		result.Members = append(result.Members, *member)
	}
	r.cache.Set(key, result, contextCacheTTL)
	return result, nil
}

// appendExternal pulls shards bound to the project's own external bindings.
func (r *Resolver) appendExternal(ctx context.Context, tenantID string, project *core.Shard, best map[string]*Member, opts Options) error {
	for _, binding := range project.ExternalRelationships {
		if len(best) >= opts.MaxShards {
			return nil
		}
		shardID, err := r.source.ResolveExternal(ctx, tenantID, binding.System, binding.SystemType, binding.ExternalID)
		if err != nil {
			if errors.Is(err, errors.KindNotFound) {
				continue
			}
			return err
		}
		if shardID == project.ID {
			continue
		}
		if _, seen := best[shardID]; seen {
			continue
		}
		shard, err := r.source.FindByID(ctx, tenantID, shardID)
		if err != nil {
			if errors.Is(err, errors.KindNotFound) {
				continue
			}
			return err
		}
		if shard.Status == core.ShardStatusDeleted {
			continue
		}
		best[shardID] = &Member{
			ShardID:    shardID,
			ShardType:  shard.ShardTypeID,
			Confidence: opts.MinConfidence,
			Depth:      1,
		}
	}
	return nil
}

// InvalidateShard evicts every cached context containing the shard. Called
// by the change-feed consumer on each mutation.
func (r *Resolver) InvalidateShard(tenantID, shardID string) {
	for key, item := range r.cache.Items() {
		cached, ok := item.Object.(*ProjectContext)
		if !ok || cached.TenantID != tenantID {
			continue
		}
		if cached.ProjectID == shardID || cached.Contains(shardID) {
			r.cache.Delete(key)
		}
	}
}
