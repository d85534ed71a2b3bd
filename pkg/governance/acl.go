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

package governance

import (
	"github.com/samber/lo"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
)

// FilterReadable drops the shards the principal cannot read.
func FilterReadable(shards []*core.Shard, principal string) []*core.Shard {
	return lo.Filter(shards, func(shard *core.Shard, _ int) bool {
		return shard.PermittedFor(principal, core.PermissionRead)
	})
}

// RequireRead fails with KindPermissionDenied when the principal cannot read
// the shard.
func RequireRead(shard *core.Shard, principal string) error {
	if !shard.PermittedFor(principal, core.PermissionRead) {
		return errors.Newf(errors.KindPermissionDenied, "principal %q cannot read shard %q", principal, shard.ID)
	}
	return nil
}

// RequireWrite fails with KindPermissionDenied when the principal cannot
// mutate the shard.
func RequireWrite(shard *core.Shard, principal string) error {
	if !shard.PermittedFor(principal, core.PermissionWrite) {
		return errors.Newf(errors.KindPermissionDenied, "principal %q cannot write shard %q", principal, shard.ID)
	}
	return nil
}

// DefaultACL is the ACL stamped on shards emitted by an integration. Shards
// from user-scoped integrations stay private to the owning user until an
// admin broadens them; everything else is tenant-visible.
func DefaultACL(scope core.CredentialScope, ownerID string) []core.ACLEntry {
	if scope == core.CredentialScopeUser && ownerID != "" {
		return []core.ACLEntry{{Principal: ownerID, Permission: core.PermissionAdmin}}
	}
	return []core.ACLEntry{{Principal: "tenant", Permission: core.PermissionWrite}}
}
