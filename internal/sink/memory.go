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

package sink

import (
	"context"
	"sync"
)

type activityKey struct {
	tenantID string
	sourceID string
}

type memberKey struct {
	tenantID string
	platform string
	username string
}

// MemoryStore is an in-process Sink for tests and scenario runs. Real
// deployments write to the relational activity/member tables the
// pipeline's relational repository is out of scope for (spec §1); this
// fills that role for the sink contract only.
type MemoryStore struct {
	mu         sync.Mutex
	activities map[activityKey]Activity
	members    map[memberKey]Member
}

var _ Sink = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory sink.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activities: make(map[activityKey]Activity),
		members:    make(map[memberKey]Member),
	}
}

// UpsertActivity implements Sink.
func (m *MemoryStore) UpsertActivity(_ context.Context, activity Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.activities[activityKey{tenantID: activity.TenantID, sourceID: activity.SourceID}] = activity
	return nil
}

// UpsertMember implements Sink. Every identity on the member maps to
// the same stored record, so looking the member up by any one of its
// identities returns the merged view.
func (m *MemoryStore) UpsertMember(_ context.Context, member Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, identity := range member.Identities {
		key := memberKey{tenantID: member.TenantID, platform: identity.Platform, username: identity.Username}
		m.members[key] = member
	}
	return nil
}

// Activities returns a snapshot of every stored activity, for tests.
func (m *MemoryStore) Activities() []Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Activity, 0, len(m.activities))
	for _, a := range m.activities {
		out = append(out, a)
	}
	return out
}

// ActivityCount reports how many distinct activities are stored, for
// tests asserting deduplication.
func (m *MemoryStore) ActivityCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activities)
}

// MemberByIdentity looks up a member by one of its platform identities.
func (m *MemoryStore) MemberByIdentity(tenantID, platform, username string) (Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[memberKey{tenantID: tenantID, platform: platform, username: username}]
	return member, ok
}
