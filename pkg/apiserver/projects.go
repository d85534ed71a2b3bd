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

package apiserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/governance"
	"github.com/shardstream/shardstream/pkg/graph"
	"github.com/shardstream/shardstream/pkg/storage"
)

// loadProject fetches the project and enforces the requested permission.
func (s *Server) loadProject(r *http.Request, perm core.Permission) (*core.Shard, error) {
	id := callerOf(r)
	project, err := s.store.FindByID(r.Context(), id.tenantID, chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if project.ShardTypeID != core.ShardTypeProject {
		return nil, errors.Newf(errors.KindNotFound, "shard %q is not a project", project.ID)
	}
	check := governance.RequireRead
	if perm == core.PermissionWrite {
		check = governance.RequireWrite
	}
	if err := check(project, id.principal); err != nil {
		return nil, err
	}
	return project, nil
}

func (s *Server) projectContext(w http.ResponseWriter, r *http.Request) {
	project, err := s.loadProject(r, core.PermissionRead)
	if err != nil {
		respondError(w, err)
		return
	}

	opts := graph.Options{}
	query := r.URL.Query()
	if raw := query.Get("minConfidence"); raw != "" {
		if opts.MinConfidence, err = strconv.ParseFloat(raw, 64); err != nil {
			respondError(w, errors.Newf(errors.KindValidation, "invalid minConfidence %q", raw))
			return
		}
	}
	if raw := query.Get("maxShards"); raw != "" {
		if opts.MaxShards, err = strconv.Atoi(raw); err != nil {
			respondError(w, errors.Newf(errors.KindValidation, "invalid maxShards %q", raw))
			return
		}
	}
	opts.IncludeExternal = query.Get("includeExternal") == "true"

	result, err := s.resolver.Resolve(r.Context(), project.TenantID, project.ID, opts)
	if err != nil {
		logFor(r).Error(err, "resolving project context", "projectID", project.ID)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type internalRelationshipsRequest struct {
	Relationships []core.InternalRelationship `json:"relationships"`
}

// patchInternalRelationships replaces the project's curated edge set.
func (s *Server) patchInternalRelationships(w http.ResponseWriter, r *http.Request) {
	project, err := s.loadProject(r, core.PermissionWrite)
	if err != nil {
		respondError(w, err)
		return
	}
	var req internalRelationshipsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	now := s.clk.Now().UTC()
	for i := range req.Relationships {
		rel := &req.Relationships[i]
		if rel.ShardID == "" {
			respondError(w, errors.Newf(errors.KindValidation, "relationship %d is missing shardId", i))
			return
		}
		if rel.Kind == "" {
			rel.Kind = core.RelationshipReferences
		}
		if rel.Metadata.Source == "" {
			rel.Metadata.Source = "manual"
		}
		if rel.Metadata.Confidence == 0 {
			rel.Metadata.Confidence = 1
		}
		if rel.Metadata.CreatedAt.IsZero() {
			rel.Metadata.CreatedAt = now
		}
	}

	if err := s.store.UpdateRelationships(r.Context(), project.TenantID, project.ID, req.Relationships); err != nil {
		logFor(r).Error(err, "updating project relationships", "projectID", project.ID)
		respondError(w, err)
		return
	}
	s.resolver.InvalidateShard(project.TenantID, project.ID)
	w.WriteHeader(http.StatusNoContent)
}

type externalRelationshipsRequest struct {
	Bindings []core.ExternalRelationship `json:"bindings"`
}

// patchExternalRelationships upserts external bindings on the project.
func (s *Server) patchExternalRelationships(w http.ResponseWriter, r *http.Request) {
	project, err := s.loadProject(r, core.PermissionWrite)
	if err != nil {
		respondError(w, err)
		return
	}
	var req externalRelationshipsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	now := s.clk.Now().UTC()
	for _, ref := range req.Bindings {
		if ref.System == "" || ref.ExternalID == "" {
			respondError(w, errors.Newf(errors.KindValidation, "bindings need system and externalId"))
			return
		}
		if ref.SyncStatus == "" {
			ref.SyncStatus = core.ExternalPending
		}
		if ref.SyncDirection == "" {
			ref.SyncDirection = core.SyncPull
		}
		if ref.LastSyncedAt.IsZero() {
			ref.LastSyncedAt = now
		}
		if err := s.store.BindExternal(r.Context(), project.TenantID, project.ID, ref); err != nil {
			logFor(r).Error(err, "binding external relationship", "projectID", project.ID)
			respondError(w, err)
			return
		}
	}
	s.resolver.InvalidateShard(project.TenantID, project.ID)
	w.WriteHeader(http.StatusNoContent)
}

type insightsResponse struct {
	Insights []*core.Shard `json:"insights"`
}

// projectInsights returns the KPI shards whose provenance intersects the
// project's resolved context. KPIs computed purely from shards outside the
// project stay hidden.
func (s *Server) projectInsights(w http.ResponseWriter, r *http.Request) {
	project, err := s.loadProject(r, core.PermissionRead)
	if err != nil {
		respondError(w, err)
		return
	}
	resolved, err := s.resolver.Resolve(r.Context(), project.TenantID, project.ID, graph.Options{})
	if err != nil {
		respondError(w, err)
		return
	}
	kpis, err := s.store.QueryByTenant(r.Context(), project.TenantID, storage.Filter{
		ShardTypes: []string{core.ShardTypeInsightKPI},
	})
	if err != nil {
		respondError(w, err)
		return
	}

	readable := governance.FilterReadable(kpis, callerOf(r).principal)
	insights := make([]*core.Shard, 0, len(readable))
	for _, kpi := range readable {
		for _, rel := range kpi.InternalRelationships {
			if rel.Kind != core.RelationshipProvenance {
				continue
			}
			if rel.ShardID == project.ID || resolved.Contains(rel.ShardID) {
				insights = append(insights, kpi)
				break
			}
		}
	}
	respondJSON(w, http.StatusOK, insightsResponse{Insights: insights})
}
