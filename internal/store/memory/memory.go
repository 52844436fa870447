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

// Package memory provides an in-process State Repository backend for
// worker unit tests and scenario tests that do not need a real database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harborline/ingestpipe/internal/store"
)

var (
	_ store.RunStore         = (*Backend)(nil)
	_ store.RunLister        = (*Backend)(nil)
	_ store.StreamStore      = (*Backend)(nil)
	_ store.StreamLister     = (*Backend)(nil)
	_ store.DataStore        = (*Backend)(nil)
	_ store.IntegrationStore = (*Backend)(nil)
	_ store.Backend          = (*Backend)(nil)
)

// Backend is a mutex-guarded in-memory implementation of store.Backend.
type Backend struct {
	mu           sync.Mutex
	runs         map[string]*store.Run
	streams      map[string]*store.Stream
	streamByRun  map[string]map[string]string // runID -> identifier -> streamID
	data         map[string]*store.Data
	integrations map[string]*store.Integration
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		runs:         make(map[string]*store.Run),
		streams:      make(map[string]*store.Stream),
		streamByRun:  make(map[string]map[string]string),
		data:         make(map[string]*store.Data),
		integrations: make(map[string]*store.Integration),
	}
}

// Close is a no-op; present to satisfy store.Backend.
func (b *Backend) Close() error { return nil }

func cloneRun(r *store.Run) *store.Run {
	c := *r
	if r.DelayedUntil != nil {
		t := *r.DelayedUntil
		c.DelayedUntil = &t
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		c.ProcessedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

func cloneStream(s *store.Stream) *store.Stream {
	c := *s
	if s.ParentID != nil {
		p := *s.ParentID
		c.ParentID = &p
	}
	if s.DelayedUntil != nil {
		t := *s.DelayedUntil
		c.DelayedUntil = &t
	}
	if s.ProcessedAt != nil {
		t := *s.ProcessedAt
		c.ProcessedAt = &t
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.Data != nil {
		c.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func cloneData(d *store.Data) *store.Data {
	c := *d
	if d.RetryAfter != nil {
		t := *d.RetryAfter
		c.RetryAfter = &t
	}
	if d.Error != nil {
		e := *d.Error
		c.Error = &e
	}
	if d.Data != nil {
		c.Data = make(map[string]any, len(d.Data))
		for k, v := range d.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// --- runs ------------------------------------------------------------------

func (b *Backend) CreateRun(_ context.Context, run *store.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	b.runs[run.ID] = cloneRun(run)
	return nil
}

func (b *Backend) GetRun(_ context.Context, id string) (*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(run), nil
}

func (b *Backend) TransitionRun(_ context.Context, id string, fromStates []store.State, mutate func(*store.Run)) (*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !stateIn(run.State, fromStates) {
		return nil, store.ErrConflict
	}

	updated := cloneRun(run)
	mutate(updated)
	updated.UpdatedAt = time.Now()
	b.runs[id] = updated
	return cloneRun(updated), nil
}

func (b *Backend) CountStreamsForRun(_ context.Context, runID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, s := range b.streams {
		if s.RunID == runID {
			count++
		}
	}
	return count, nil
}

func (b *Backend) ListDelayedRunsDue(_ context.Context, now time.Time, limit int) ([]*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*store.Run
	for _, r := range b.runs {
		if r.State == store.StateDelayed && r.DelayedUntil != nil && !r.DelayedUntil.After(now) {
			due = append(due, cloneRun(r))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DelayedUntil.Before(*due[j].DelayedUntil) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- streams -----------------------------------------------------------

func (b *Backend) CreateStream(_ context.Context, stream *store.Stream) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	byIdentifier, ok := b.streamByRun[stream.RunID]
	if !ok {
		byIdentifier = make(map[string]string)
		b.streamByRun[stream.RunID] = byIdentifier
	}
	if _, exists := byIdentifier[stream.Identifier]; exists {
		return store.ErrDuplicateIdentifier
	}

	now := time.Now()
	stream.CreatedAt, stream.UpdatedAt = now, now
	b.streams[stream.ID] = cloneStream(stream)
	byIdentifier[stream.Identifier] = stream.ID
	return nil
}

func (b *Backend) GetStream(_ context.Context, id string) (*store.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneStream(s), nil
}

func (b *Backend) GetStreamByIdentifier(_ context.Context, runID, identifier string) (*store.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.streamByRun[runID][identifier]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneStream(b.streams[id]), nil
}

func (b *Backend) TransitionStream(_ context.Context, id string, fromStates []store.State, mutate func(*store.Stream)) (*store.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !stateIn(s.State, fromStates) {
		return nil, store.ErrConflict
	}

	updated := cloneStream(s)
	mutate(updated)
	updated.UpdatedAt = time.Now()
	b.streams[id] = updated
	return cloneStream(updated), nil
}

func (b *Backend) CountOpenStreamsForRun(_ context.Context, runID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, s := range b.streams {
		if s.RunID == runID && stateIn(s.State, []store.State{store.StatePending, store.StateProcessing, store.StateDelayed}) {
			count++
		}
	}
	return count, nil
}

func (b *Backend) AnyStreamErroredForRun(_ context.Context, runID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.streams {
		if s.RunID == runID && s.State == store.StateError {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) ListPendingStreamsForRun(_ context.Context, runID string) ([]*store.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pending []*store.Stream
	for _, s := range b.streams {
		if s.RunID == runID && s.State == store.StatePending {
			pending = append(pending, cloneStream(s))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return pending, nil
}

func (b *Backend) ListDelayedStreamsDue(_ context.Context, now time.Time, limit int) ([]*store.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*store.Stream
	for _, s := range b.streams {
		if s.State == store.StateDelayed && s.DelayedUntil != nil && !s.DelayedUntil.After(now) {
			due = append(due, cloneStream(s))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DelayedUntil.Before(*due[j].DelayedUntil) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- data ----------------------------------------------------------------

func (b *Backend) CreateData(_ context.Context, data *store.Data) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	data.CreatedAt, data.UpdatedAt = now, now
	b.data[data.ID] = cloneData(data)
	return nil
}

func (b *Backend) GetData(_ context.Context, id string) (*store.Data, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneData(d), nil
}

func (b *Backend) TransitionData(_ context.Context, id string, fromStates []store.State, mutate func(*store.Data)) (*store.Data, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !stateIn(d.State, fromStates) {
		return nil, store.ErrConflict
	}

	updated := cloneData(d)
	mutate(updated)
	updated.UpdatedAt = time.Now()
	b.data[id] = updated
	return cloneData(updated), nil
}

func (b *Backend) CountOpenDataForRun(_ context.Context, runID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, d := range b.data {
		if d.RunID == runID && stateIn(d.State, []store.State{store.StatePending, store.StateProcessing}) {
			count++
		}
	}
	return count, nil
}

func (b *Backend) AnyDataErroredForRun(_ context.Context, runID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.data {
		if d.RunID == runID && d.State == store.StateError {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) ListDataDueForRetry(_ context.Context, now time.Time, limit int) ([]*store.Data, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*store.Data
	for _, d := range b.data {
		if d.State != store.StatePending {
			continue
		}
		if d.RetryAfter == nil || !d.RetryAfter.After(now) {
			due = append(due, cloneData(d))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- integrations --------------------------------------------------------

// CreateIntegration inserts a new integration row. Exposed for test setup;
// not part of store.IntegrationStore since the pipeline never creates
// integrations, only reads and patches settings.
func (b *Backend) CreateIntegration(_ context.Context, integration *store.Integration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := *integration
	if integration.Settings != nil {
		c.Settings = make(map[string]any, len(integration.Settings))
		for k, v := range integration.Settings {
			c.Settings[k] = v
		}
	}
	b.integrations[integration.ID] = &c
	return nil
}

func (b *Backend) GetIntegration(_ context.Context, id string) (*store.Integration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.integrations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *i
	if i.Settings != nil {
		c.Settings = make(map[string]any, len(i.Settings))
		for k, v := range i.Settings {
			c.Settings[k] = v
		}
	}
	return &c, nil
}

func (b *Backend) UpdateIntegrationSettings(_ context.Context, id string, partial map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.integrations[id]
	if !ok {
		return store.ErrNotFound
	}
	if i.Settings == nil {
		i.Settings = make(map[string]any)
	}
	for k, v := range partial {
		i.Settings[k] = v
	}
	return nil
}

func stateIn(s store.State, states []store.State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}
