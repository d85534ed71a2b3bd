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

// Package extractor pulls named entities out of unstructured shard text so
// the enrichment worker can link shards to shared contact, account, and
// organization records.
package extractor

import (
	"context"
	"strings"

	"github.com/shardstream/shardstream/pkg/apis/core"
)

// Kind classifies an extracted entity.
type Kind string

const (
	KindContact      Kind = "contact"
	KindAccount      Kind = "account"
	KindOrganization Kind = "organization"
	KindLocation     Kind = "location"
	KindDate         Kind = "date"
)

// shardTypes maps entity kinds to the shard types the enrichment worker
// upserts.
var shardTypes = map[Kind]string{
	KindContact:      core.ShardTypeContact,
	KindAccount:      core.ShardTypeAccount,
	KindOrganization: core.ShardTypeOrganization,
	KindLocation:     core.ShardTypeLocation,
	KindDate:         core.ShardTypeDate,
}

// ShardType returns the shard type for an entity kind, or empty for an
// unknown kind.
func ShardType(kind Kind) string { return shardTypes[kind] }

// Entity is one extracted mention with the attributes the model surfaced.
type Entity struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
	// Confidence is the model's own estimate in [0,1].
	Confidence float64                `json:"confidence"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Extractor produces entities from free text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
}

// StableKey derives the dedup key that makes repeated extraction of the same
// real-world entity land on the same shard. Contacts key on email, accounts
// and organizations on domain, everything else on the normalized name.
func StableKey(e Entity) string {
	switch e.Kind {
	case KindContact:
		if email := attribute(e, "email"); email != "" {
			return strings.ToLower(email)
		}
	case KindAccount, KindOrganization:
		if domain := attribute(e, "domain"); domain != "" {
			return strings.ToLower(domain)
		}
	}
	return normalize(e.Name)
}

func attribute(e Entity, key string) string {
	value, _ := e.Attributes[key].(string)
	return strings.TrimSpace(value)
}

// normalize lowercases and collapses runs of whitespace.
func normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
