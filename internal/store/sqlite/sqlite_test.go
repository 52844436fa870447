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

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborline/ingestpipe/internal/store"
	"github.com/harborline/ingestpipe/internal/store/sqlite"
)

func newBackend(t *testing.T) *sqlite.Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := sqlite.New(sqlite.Config{Path: filepath.Join(dir, "pipeline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func seedIntegration(t *testing.T, b *sqlite.Backend, id string) {
	t.Helper()
	err := b.CreateIntegration(context.Background(), &store.Integration{
		ID: id, TenantID: "tenant-1", Platform: "demo", Identifier: "demo-1", Status: "active",
		Settings: map[string]any{"cursor": "0"},
	})
	require.NoError(t, err)
}

func TestCreateAndGetRun(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")

	run := &store.Run{ID: "run-1", TenantID: "tenant-1", IntegrationID: "int-1", State: store.StatePending}
	require.NoError(t, b.CreateRun(ctx, run))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.StatePending, got.State)
	require.Equal(t, "tenant-1", got.TenantID)
}

func TestGetRunNotFound(t *testing.T) {
	b := newBackend(t)
	_, err := b.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransitionRunSucceedsFromValidState(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", TenantID: "t1", IntegrationID: "int-1", State: store.StatePending}))

	updated, err := b.TransitionRun(ctx, "run-1", []store.State{store.StatePending}, func(r *store.Run) {
		r.State = store.StateProcessing
	})
	require.NoError(t, err)
	require.Equal(t, store.StateProcessing, updated.State)

	reloaded, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.StateProcessing, reloaded.State)
}

func TestTransitionRunConflictsFromWrongState(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", TenantID: "t1", IntegrationID: "int-1", State: store.StateProcessed}))

	_, err := b.TransitionRun(ctx, "run-1", []store.State{store.StatePending}, func(r *store.Run) {
		r.State = store.StateProcessing
	})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestCreateStreamDuplicateIdentifier(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", TenantID: "t1", IntegrationID: "int-1", State: store.StatePending}))

	stream := &store.Stream{ID: "stream-1", RunID: "run-1", TenantID: "t1", IntegrationID: "int-1", Identifier: "page-1", State: store.StatePending}
	require.NoError(t, b.CreateStream(ctx, stream))

	dup := &store.Stream{ID: "stream-2", RunID: "run-1", TenantID: "t1", IntegrationID: "int-1", Identifier: "page-1", State: store.StatePending}
	err := b.CreateStream(ctx, dup)
	require.ErrorIs(t, err, store.ErrDuplicateIdentifier)
}

func TestTransitionStreamTracksRetries(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", TenantID: "t1", IntegrationID: "int-1", State: store.StatePending}))
	require.NoError(t, b.CreateStream(ctx, &store.Stream{ID: "stream-1", RunID: "run-1", TenantID: "t1", IntegrationID: "int-1", Identifier: "page-1", State: store.StatePending}))

	updated, err := b.TransitionStream(ctx, "stream-1", []store.State{store.StatePending}, func(s *store.Stream) {
		s.State = store.StateDelayed
		s.Retries++
		future := time.Now().Add(time.Minute)
		s.DelayedUntil = &future
	})
	require.NoError(t, err)
	require.Equal(t, 1, updated.Retries)
	require.Equal(t, store.StateDelayed, updated.State)
}

func TestListDelayedStreamsDue(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", TenantID: "t1", IntegrationID: "int-1", State: store.StatePending}))
	require.NoError(t, b.CreateStream(ctx, &store.Stream{ID: "stream-1", RunID: "run-1", TenantID: "t1", IntegrationID: "int-1", Identifier: "page-1", State: store.StatePending}))

	past := time.Now().Add(-time.Minute)
	_, err := b.TransitionStream(ctx, "stream-1", []store.State{store.StatePending}, func(s *store.Stream) {
		s.State = store.StateDelayed
		s.DelayedUntil = &past
	})
	require.NoError(t, err)

	due, err := b.ListDelayedStreamsDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "stream-1", due[0].ID)
}

func TestDataRetryAfterDefersRetry(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", TenantID: "t1", IntegrationID: "int-1", State: store.StatePending}))
	require.NoError(t, b.CreateStream(ctx, &store.Stream{ID: "stream-1", RunID: "run-1", TenantID: "t1", IntegrationID: "int-1", Identifier: "page-1", State: store.StatePending}))
	require.NoError(t, b.CreateData(ctx, &store.Data{ID: "data-1", StreamID: "stream-1", RunID: "run-1", TenantID: "t1", State: store.StatePending}))

	future := time.Now().Add(time.Hour)
	_, err := b.TransitionData(ctx, "data-1", []store.State{store.StatePending}, func(d *store.Data) {
		d.Retries++
		d.RetryAfter = &future
	})
	require.NoError(t, err)

	due, err := b.ListDataDueForRetry(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = b.ListDataDueForRetry(ctx, future.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestUpdateIntegrationSettingsMergesTopLevel(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")

	err := b.UpdateIntegrationSettings(ctx, "int-1", map[string]any{"cursor": "42", "newKey": "value"})
	require.NoError(t, err)

	got, err := b.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	require.Equal(t, "42", got.Settings["cursor"])
	require.Equal(t, "value", got.Settings["newKey"])
}

func TestCountOpenStreamsForRun(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	seedIntegration(t, b, "int-1")
	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", TenantID: "t1", IntegrationID: "int-1", State: store.StatePending}))
	require.NoError(t, b.CreateStream(ctx, &store.Stream{ID: "s1", RunID: "run-1", TenantID: "t1", IntegrationID: "int-1", Identifier: "a", State: store.StatePending}))
	require.NoError(t, b.CreateStream(ctx, &store.Stream{ID: "s2", RunID: "run-1", TenantID: "t1", IntegrationID: "int-1", Identifier: "b", State: store.StateProcessed}))

	count, err := b.CountOpenStreamsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
