// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harborline/ingestpipe/internal/sink"
)

func TestUpsertActivityDedupesBySourceID(t *testing.T) {
	store := sink.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertActivity(ctx, sink.Activity{
		TenantID: "t1", SourceID: "post-1", Payload: map[string]any{"title": "first"},
	}))
	require.NoError(t, store.UpsertActivity(ctx, sink.Activity{
		TenantID: "t1", SourceID: "post-1", Payload: map[string]any{"title": "updated"},
	}))

	require.Equal(t, 1, store.ActivityCount())
	activities := store.Activities()
	require.Equal(t, "updated", activities[0].Payload["title"])
}

func TestUpsertActivityDistinguishesByTenant(t *testing.T) {
	store := sink.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertActivity(ctx, sink.Activity{TenantID: "t1", SourceID: "post-1"}))
	require.NoError(t, store.UpsertActivity(ctx, sink.Activity{TenantID: "t2", SourceID: "post-1"}))

	require.Equal(t, 2, store.ActivityCount())
}

func TestUpsertMemberIsFindableByAnyIdentity(t *testing.T) {
	store := sink.NewMemoryStore()
	ctx := context.Background()

	member := sink.Member{
		TenantID: "t1",
		Identities: []sink.MemberIdentity{
			{Platform: "github", Username: "octocat"},
			{Platform: "twitter", Username: "octo"},
		},
		Payload: map[string]any{"displayName": "Octo Cat"},
	}
	require.NoError(t, store.UpsertMember(ctx, member))

	byGithub, ok := store.MemberByIdentity("t1", "github", "octocat")
	require.True(t, ok)
	require.Equal(t, "Octo Cat", byGithub.Payload["displayName"])

	byTwitter, ok := store.MemberByIdentity("t1", "twitter", "octo")
	require.True(t, ok)
	require.Equal(t, "Octo Cat", byTwitter.Payload["displayName"])

	_, ok = store.MemberByIdentity("t2", "github", "octocat")
	require.False(t, ok)
}
