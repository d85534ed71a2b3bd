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

package conversion

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/shardstream/shardstream/pkg/errors"
)

// dedupKey builds the upsert key for a converted record. All strategies stay
// within the tenant/provider/entity namespace so shards from different
// integrations never collide.
func dedupKey(schema *Schema, externalID string, structured map[string]interface{}) (string, error) {
	prefix := fmt.Sprintf("%s/%s/%s", schema.TenantID, schema.ProviderID, schema.Entity)
	switch schema.Dedup.Strategy {
	case DedupExternalID, "":
		if externalID == "" {
			return "", errors.New(errors.KindValidation,
				&ValidationError{Field: "externalId", Reason: "record has no external id"})
		}
		return fmt.Sprintf("%s/%s", prefix, externalID), nil
	case DedupFieldMatch:
		subset := make(map[string]interface{}, len(schema.Dedup.Fields))
		for _, field := range schema.Dedup.Fields {
			subset[field] = structured[field]
		}
		sum, err := hashstructure.Hash(subset, hashstructure.FormatV2, nil)
		if err != nil {
			return "", fmt.Errorf("hashing dedup fields, %w", err)
		}
		return fmt.Sprintf("%s/fields-%016x", prefix, sum), nil
	case DedupComposite:
		sum, err := hashstructure.Hash(structured, hashstructure.FormatV2, nil)
		if err != nil {
			return "", fmt.Errorf("hashing record, %w", err)
		}
		return fmt.Sprintf("%s/composite-%016x", prefix, sum), nil
	}
	return "", fmt.Errorf("unknown dedup strategy %q", schema.Dedup.Strategy)
}
