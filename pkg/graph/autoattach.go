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

package graph

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/shardstream/shardstream/pkg/apis/core"
)

// Signal is one overlap indicator between a new shard and an open project.
type Signal string

const (
	SignalEntity    Signal = "entity"
	SignalActor     Signal = "actor"
	SignalTime      Signal = "time"
	SignalReference Signal = "reference"
)

// signalWeights feed the attachment confidence. An explicit reference is
// near-certain; time proximity alone is weak.
var signalWeights = map[Signal]float64{
	SignalReference: 0.9,
	SignalEntity:    0.7,
	SignalActor:     0.6,
	SignalTime:      0.4,
}

// activityWindow bounds the time-overlap signal.
const activityWindow = 30 * 24 * time.Hour

// OverlapSignals evaluates a new shard against one project.
func OverlapSignals(project, shard *core.Shard) []Signal {
	var signals []Signal

	projectEntities := relationshipTargets(project)
	shardEntities := relationshipTargets(shard)
	if len(lo.Intersect(projectEntities, shardEntities)) > 0 {
		signals = append(signals, SignalEntity)
	}

	if len(lo.Intersect(participants(project), participants(shard))) > 0 {
		signals = append(signals, SignalActor)
	}

	projectActivity := project.Metadata.UpdatedAt
	shardActivity := shard.Metadata.UpdatedAt
	if !projectActivity.IsZero() && !shardActivity.IsZero() {
		delta := shardActivity.Sub(projectActivity)
		if delta < 0 {
			delta = -delta
		}
		if delta <= activityWindow {
			signals = append(signals, SignalTime)
		}
	}

	if mentionsProject(project, shard) {
		signals = append(signals, SignalReference)
	}
	return signals
}

// ShouldAttach applies the strong-overlap rule: any two signals, or one
// explicit reference.
func ShouldAttach(signals []Signal) bool {
	if lo.Contains(signals, SignalReference) {
		return true
	}
	return len(signals) >= 2
}

// AttachmentConfidence aggregates signal weights as independent evidence.
func AttachmentConfidence(signals []Signal) float64 {
	remaining := 1.0
	for _, signal := range signals {
		remaining *= 1 - signalWeights[signal]
	}
	confidence := 1 - remaining
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}

// Attachment builds the auto-added edge from project to shard.
func Attachment(shard *core.Shard, signals []Signal, now time.Time) core.InternalRelationship {
	return core.InternalRelationship{
		ShardID:     shard.ID,
		ShardTypeID: shard.ShardTypeID,
		Kind:        core.RelationshipReferences,
		Metadata: core.RelationshipMetadata{
			Confidence: AttachmentConfidence(signals),
			Source:     "auto",
			CreatedAt:  now,
		},
	}
}

func relationshipTargets(shard *core.Shard) []string {
	return lo.Map(shard.InternalRelationships, func(rel core.InternalRelationship, _ int) string {
		return rel.ShardID
	})
}

// participants reads the structured participants list, tolerating both
// string arrays and the JSON-decoded []interface{} shape.
func participants(shard *core.Shard) []string {
	raw, ok := shard.StructuredData["participants"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mentionsProject(project, shard *core.Shard) bool {
	text := strings.ToLower(shard.UnstructuredData)
	if text == "" {
		return false
	}
	if strings.Contains(text, strings.ToLower(project.ID)) {
		return true
	}
	return project.Name != "" && strings.Contains(text, strings.ToLower(project.Name))
}
