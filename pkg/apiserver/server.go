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

// Package apiserver exposes retrieval, governance, and queue administration
// over HTTP. Every tenant-scoped route reads the caller identity from the
// X-Tenant-ID and X-Principal headers; an upstream gateway is expected to
// have authenticated them.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/governance"
	"github.com/shardstream/shardstream/pkg/graph"
	"github.com/shardstream/shardstream/pkg/queue"
	"github.com/shardstream/shardstream/pkg/retrieval"
	"github.com/shardstream/shardstream/pkg/storage"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

const (
	tenantHeader    = "X-Tenant-ID"
	principalHeader = "X-Principal"

	shutdownGrace = 10 * time.Second
)

// Searcher runs ranked queries.
type Searcher interface {
	Semantic(ctx context.Context, query string, filter retrieval.Filter, topK int, minScore float64) ([]retrieval.Hit, error)
	Hybrid(ctx context.Context, query, keyword string, filter retrieval.Filter, topK int) ([]retrieval.Hit, error)
}

// ContextResolver resolves and invalidates project contexts.
type ContextResolver interface {
	Resolve(ctx context.Context, tenantID, projectID string, opts graph.Options) (*graph.ProjectContext, error)
	InvalidateShard(tenantID, shardID string)
}

// ShardStore is the slice of the store the API needs.
type ShardStore interface {
	FindByID(ctx context.Context, tenantID, id string) (*core.Shard, error)
	QueryByTenant(ctx context.Context, tenantID string, filter storage.Filter) ([]*core.Shard, error)
	UpdateRelationships(ctx context.Context, tenantID, id string, internal []core.InternalRelationship) error
	BindExternal(ctx context.Context, tenantID, shardID string, ref core.ExternalRelationship) error
}

// PolicyStore persists per-tenant redaction policies.
type PolicyStore interface {
	RedactionPolicy(ctx context.Context, tenantID string) (*governance.RedactionPolicy, error)
	Put(ctx context.Context, policy *governance.RedactionPolicy) error
	Delete(ctx context.Context, tenantID string) error
}

// AdminQueue is the administrative surface of one stream.
type AdminQueue interface {
	Name() string
	Depth(ctx context.Context) (int64, error)
	DLQDepth(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, limit int64) ([]queue.Message, error)
	Redrive(ctx context.Context) (int, error)
}

// Config sizes the server.
type Config struct {
	Port int
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8080
	}
	return c
}

// Server serves the HTTP API.
type Server struct {
	searcher   Searcher
	resolver   ContextResolver
	store      ShardStore
	policies   PolicyStore
	queues     []AdminQueue
	config     Config
	clk        clock.Clock
	extensions []func(chi.Router)
}

// Option customizes the server.
type Option func(*Server)

// WithRouterExtension mounts extra routes on the root router, e.g. the
// webhook receiver.
func WithRouterExtension(ext func(chi.Router)) Option {
	return func(s *Server) { s.extensions = append(s.extensions, ext) }
}

func NewServer(searcher Searcher, resolver ContextResolver, store ShardStore, policies PolicyStore, queues []AdminQueue, config Config, clk clock.Clock, opts ...Option) *Server {
	s := &Server{
		searcher: searcher,
		resolver: resolver,
		store:    store,
		policies: policies,
		queues:   queues,
		config:   config.withDefaults(),
		clk:      clk,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Name() string { return "api-server" }

// Run serves until the context ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server exited, %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining api server, %w", err)
	}
	return nil
}

// Routes builds the full router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", tenantHeader, principalHeader},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/admin", s.adminRoutes)
	for _, ext := range s.extensions {
		ext(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)

		r.Post("/search/semantic", s.semanticSearch)
		r.Post("/search/hybrid", s.hybridSearch)

		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/context", s.projectContext)
			r.Patch("/internal-relationships", s.patchInternalRelationships)
			r.Patch("/external-relationships", s.patchExternalRelationships)
			r.Get("/insights", s.projectInsights)
		})

		r.Route("/redaction/config", func(r chi.Router) {
			r.Get("/", s.getRedactionConfig)
			r.Put("/", s.putRedactionConfig)
			r.Delete("/", s.deleteRedactionConfig)
		})

		r.Get("/audit-trail", s.auditTrail)
		r.Get("/metrics", s.listMetrics)
		r.Get("/metrics/aggregated", s.aggregatedMetrics)
	})
	return r
}

type identityKey struct{}

type identity struct {
	tenantID  string
	principal string
}

// requireTenant rejects tenant-scoped requests without a tenant header. The
// principal may stay empty; an empty principal only matches tenant-wide ACL
// entries.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(tenantHeader)
		if tenantID == "" {
			respondError(w, errors.Newf(errors.KindValidation, "missing %s header", tenantHeader))
			return
		}
		id := identity{tenantID: tenantID, principal: r.Header.Get(principalHeader)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func callerOf(r *http.Request) identity {
	id, _ := r.Context().Value(identityKey{}).(identity)
	return id
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// respondError maps the error kind onto an HTTP status. Internal detail stays
// out of 5xx bodies.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch errors.KindOf(err) {
	case errors.KindValidation:
		status, message = http.StatusBadRequest, err.Error()
	case errors.KindNotFound:
		status, message = http.StatusNotFound, err.Error()
	case errors.KindPermissionDenied, errors.KindTenantViolation:
		status, message = http.StatusForbidden, err.Error()
	case errors.KindConflict:
		status, message = http.StatusConflict, err.Error()
	}
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Newf(errors.KindValidation, "decoding request body: %s", err)
	}
	return nil
}

func logFor(r *http.Request) logr.Logger {
	return logging.FromContext(r.Context())
}
