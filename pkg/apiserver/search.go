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

	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/retrieval"
)

// searchFilter is the caller-controllable slice of retrieval.Filter. Tenant
// and principal always come from the request identity, never the body.
type searchFilter struct {
	ProjectID      string `json:"projectId,omitempty"`
	TenantFallback bool   `json:"tenantFallback,omitempty"`
}

func (f searchFilter) resolve(id identity) retrieval.Filter {
	return retrieval.Filter{
		TenantID:       id.tenantID,
		Principal:      id.principal,
		ProjectID:      f.ProjectID,
		TenantFallback: f.TenantFallback,
	}
}

type semanticRequest struct {
	Query    string       `json:"query"`
	Filter   searchFilter `json:"filter"`
	TopK     int          `json:"topK"`
	MinScore float64      `json:"minScore,omitempty"`
}

type hybridRequest struct {
	Query        string       `json:"query"`
	KeywordQuery string       `json:"keywordQuery"`
	Filter       searchFilter `json:"filter"`
	TopK         int          `json:"topK"`
}

type searchResponse struct {
	Hits []retrieval.Hit `json:"hits"`
}

func (s *Server) semanticSearch(w http.ResponseWriter, r *http.Request) {
	var req semanticRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Query == "" {
		respondError(w, errors.Newf(errors.KindValidation, "query must not be empty"))
		return
	}
	hits, err := s.searcher.Semantic(r.Context(), req.Query, req.Filter.resolve(callerOf(r)), req.TopK, req.MinScore)
	if err != nil {
		logFor(r).Error(err, "semantic search failed")
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, searchResponse{Hits: emptyAsSlice(hits)})
}

func (s *Server) hybridSearch(w http.ResponseWriter, r *http.Request) {
	var req hybridRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Query == "" || req.KeywordQuery == "" {
		respondError(w, errors.Newf(errors.KindValidation, "query and keywordQuery must not be empty"))
		return
	}
	hits, err := s.searcher.Hybrid(r.Context(), req.Query, req.KeywordQuery, req.Filter.resolve(callerOf(r)), req.TopK)
	if err != nil {
		logFor(r).Error(err, "hybrid search failed")
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, searchResponse{Hits: emptyAsSlice(hits)})
}

// emptyAsSlice keeps empty result sets encoding as [] rather than null.
func emptyAsSlice(hits []retrieval.Hit) []retrieval.Hit {
	if hits == nil {
		return []retrieval.Hit{}
	}
	return hits
}
