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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shardstream/shardstream/pkg/errors"
)

const defaultDeadLetterLimit = 50

// adminRoutes mount the queue administration surface. It is operator-facing
// and carries no tenant scoping.
func (s *Server) adminRoutes(r chi.Router) {
	r.Get("/queues", s.listQueues)
	r.Get("/queues/{name}/dead-letters", s.listDeadLetters)
	r.Post("/queues/{name}/redrive", s.redriveQueue)
}

func (s *Server) queueByName(name string) (AdminQueue, error) {
	for _, q := range s.queues {
		if q.Name() == name {
			return q, nil
		}
	}
	return nil, errors.Newf(errors.KindNotFound, "unknown queue %q", name)
}

type queueStatus struct {
	Name     string `json:"name"`
	Depth    int64  `json:"depth"`
	DLQDepth int64  `json:"dlqDepth"`
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	statuses := make([]queueStatus, 0, len(s.queues))
	for _, q := range s.queues {
		depth, err := q.Depth(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		dlqDepth, err := q.DLQDepth(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		statuses = append(statuses, queueStatus{Name: q.Name(), Depth: depth, DLQDepth: dlqDepth})
	}
	respondJSON(w, http.StatusOK, map[string][]queueStatus{"queues": statuses})
}

type deadLetter struct {
	ID            string          `json:"id"`
	SessionKey    string          `json:"sessionKey,omitempty"`
	DeliveryCount int64           `json:"deliveryCount"`
	Body          json.RawMessage `json:"body"`
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q, err := s.queueByName(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, err)
		return
	}
	limit := int64(defaultDeadLetterLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.ParseInt(raw, 10, 64); err != nil || limit < 1 {
			respondError(w, errors.Newf(errors.KindValidation, "invalid limit %q", raw))
			return
		}
	}
	messages, err := q.DeadLetters(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	entries := make([]deadLetter, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, deadLetter{
			ID:            msg.ID,
			SessionKey:    msg.SessionKey,
			DeliveryCount: msg.DeliveryCount,
			Body:          json.RawMessage(msg.Body),
		})
	}
	respondJSON(w, http.StatusOK, map[string][]deadLetter{"entries": entries})
}

func (s *Server) redriveQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.queueByName(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, err)
		return
	}
	redriven, err := q.Redrive(r.Context())
	if err != nil {
		logFor(r).Error(err, "redriving dead letters", "queue", q.Name())
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"redriven": redriven})
}
