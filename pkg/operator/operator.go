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

// Package operator runs the engine's controllers as one process. Every
// controller gets the shared logger and context; the first fatal controller
// error tears the group down so the process restarts cleanly.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shardstream/shardstream/pkg/utils/logging"
)

// Controller is one long-running loop.
type Controller interface {
	Name() string
	Run(ctx context.Context) error
}

// Operator supervises the controller set and the ops endpoint.
type Operator struct {
	logger      logr.Logger
	opsPort     int
	controllers []Controller
	ready       atomic.Bool
}

func New(logger logr.Logger, opsPort int) *Operator {
	return &Operator{logger: logger, opsPort: opsPort}
}

// Add registers controllers to supervise. Call before Run.
func (o *Operator) Add(controllers ...Controller) *Operator {
	o.controllers = append(o.controllers, controllers...)
	return o
}

// Run blocks until the context ends or a controller fails.
func (o *Operator) Run(ctx context.Context) error {
	ctx = logging.WithLogger(ctx, o.logger)
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return o.serveOps(ctx) })
	for _, controller := range o.controllers {
		controller := controller
		group.Go(func() error {
			log := o.logger.WithValues("controller", controller.Name())
			log.Info("starting controller")
			err := controller.Run(logging.WithLogger(ctx, log))
			if err != nil {
				log.Error(err, "controller exited")
				return fmt.Errorf("%s exited, %w", controller.Name(), err)
			}
			log.Info("controller stopped")
			return nil
		})
	}

	o.ready.Store(true)
	defer o.ready.Store(false)
	return group.Wait()
}

// serveOps exposes liveness, readiness, and Prometheus metrics on the ops
// port, separate from the tenant-facing API.
func (o *Operator) serveOps(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !o.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.opsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server exited, %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
