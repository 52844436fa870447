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

// Package sink defines the normalization target processData writes to:
// idempotent activity and member upserts, deduped by natural key rather
// than by the data row's own id, so a redelivered process_data message
// (the visibility timeout races a slow handler, or the sweeper re-drives
// a never-processed row) never produces a duplicate record.
package sink

import "context"

// Activity is a single timestamped event contributed by an integration.
type Activity struct {
	SourceID string
	TenantID string
	Payload  map[string]any
}

// MemberIdentity is one platform identity contributing to a member.
type MemberIdentity struct {
	Platform string
	Username string
}

// Member is a person the pipeline has observed across one or more
// platform identities.
type Member struct {
	Identities []MemberIdentity
	TenantID   string
	Payload    map[string]any
}

// Sink is the contract processData writes through. Both operations are
// idempotent: calling them twice with the same key and an updated
// payload overwrites in place rather than creating a duplicate row.
type Sink interface {
	// UpsertActivity inserts or replaces the activity unique on
	// (tenantId, sourceId).
	UpsertActivity(ctx context.Context, activity Activity) error

	// UpsertMember inserts or replaces the member unique on
	// (tenantId, platform, username) for each of its identities.
	UpsertMember(ctx context.Context, member Member) error
}
