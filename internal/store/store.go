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

// Package store defines the State Repository: the relational contract for
// runs, streams, data rows and integrations, and the entities that flow
// through the integration execution pipeline.
//
// # Interface Hierarchy
//
// Following interface segregation, backends implement the store they can
// support; the pipeline workers depend on the narrowest interface they
// need (RunStore, StreamStore, DataStore, IntegrationStore). A concrete
// backend (sqlite, postgres, memory) composes all four into Backend.
package store

import (
	"context"
	"errors"
	"time"
)

// State is shared by runs and streams.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateDelayed    State = "DELAYED"
	StateError      State = "ERROR"
	StateProcessed  State = "PROCESSED"
)

// StreamType is derived from whether a stream has a parent.
type StreamType string

const (
	StreamTypeRoot  StreamType = "ROOT"
	StreamTypeChild StreamType = "CHILD"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a guarded state transition's WHERE clause
// matched zero rows: another writer already moved the entity past the
// expected current state. Callers should re-read and decide whether to
// retry or drop the unit of work.
var ErrConflict = errors.New("store: conflicting state transition")

// ErrDuplicateIdentifier is returned by CreateStream when a stream with
// the same (runId, identifier) already exists under the run.
var ErrDuplicateIdentifier = errors.New("store: stream identifier already exists for run")

// ErrorDetail is the structured error recorded on a run, stream, or data
// row per the error taxonomy in the spec.
type ErrorDetail struct {
	Location string `json:"location"`
	Message  string `json:"message"`
	Metadata any    `json:"metadata,omitempty"`
}

// Run is one execution of an integration for a tenant.
type Run struct {
	ID            string
	TenantID      string
	IntegrationID string
	Onboarding    bool
	State         State
	DelayedUntil  *time.Time
	Error         *ErrorDetail
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stream is a unit of pagination / sub-resource traversal under a run.
type Stream struct {
	ID            string
	RunID         string
	ParentID      *string
	TenantID      string
	IntegrationID string
	Identifier    string
	Data          map[string]any
	State         State
	DelayedUntil  *time.Time
	Retries       int
	Error         *ErrorDetail
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Type derives ROOT/CHILD from the presence of a parent, per spec §3.
func (s *Stream) Type() StreamType {
	if s.ParentID == nil {
		return StreamTypeRoot
	}
	return StreamTypeChild
}

// Data is a produced record awaiting normalization into the sink.
//
// The spec's data model (§3) lists Data's state set as {PENDING,
// PROCESSING, ERROR, PROCESSED} with no DELAYED state and no
// delayedUntil column — unlike Run and Stream. §4.4 nonetheless asks for
// the "same retry/backoff policy as streams" applied to data (§9 notes
// this retry policy is unenumerated in the source and left to the
// implementation). We resolve that without adding a state the spec does
// not list: RetryAfter holds the backoff deadline while the row stays
// PENDING; the sweeper defers re-enqueuing a PENDING data row until
// RetryAfter has elapsed, rather than moving it to a DELAYED state.
type Data struct {
	ID         string
	StreamID   string
	RunID      string
	TenantID   string
	Data       map[string]any
	State      State
	Retries    int
	RetryAfter *time.Time
	Error      *ErrorDetail
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Integration is the external record a run/stream/data row belongs to.
// The relational repository for other domain entities (members,
// activities, conversations) is out of scope per spec §1; this minimal
// record is the subset the pipeline itself owns: platform identity,
// lifecycle status, and the mutable settings blob handlers update.
type Integration struct {
	ID         string
	TenantID   string
	Platform   string
	Identifier string
	Status     string
	Settings   map[string]any
	DeletedAt  *time.Time
}

// RunStore is the core interface for run storage operations.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// TransitionRun performs a guarded compare-and-swap state transition:
	// the UPDATE only applies if the run's current state is one of
	// fromStates. mutate is applied to the in-memory copy before persisting
	// (to set State, DelayedUntil, Error, ProcessedAt, etc.) and must set
	// the fields the caller wants changed, including the final State.
	// Returns ErrConflict if no row matched (stale read / concurrent writer
	// already moved the run past fromStates), ErrNotFound if the run does
	// not exist at all.
	TransitionRun(ctx context.Context, id string, fromStates []State, mutate func(*Run)) (*Run, error)

	// CountStreamsForRun reports how many stream rows exist for a run,
	// used by the run worker to distinguish a first invocation (seed
	// streams) from a resume (re-drive pending streams).
	CountStreamsForRun(ctx context.Context, runID string) (int, error)
}

// RunLister supports listing runs whose delayed deadline has elapsed, for
// the sweeper (§4.6).
type RunLister interface {
	ListDelayedRunsDue(ctx context.Context, now time.Time, limit int) ([]*Run, error)
}

// StreamStore is the core interface for stream storage operations.
type StreamStore interface {
	// CreateStream inserts a new stream. If a stream with the same
	// (RunID, Identifier) already exists, returns ErrDuplicateIdentifier
	// and the pre-existing stream's ID is left untouched (idempotent
	// publish, per spec §8 round-trip property).
	CreateStream(ctx context.Context, stream *Stream) error
	GetStream(ctx context.Context, id string) (*Stream, error)
	GetStreamByIdentifier(ctx context.Context, runID, identifier string) (*Stream, error)

	TransitionStream(ctx context.Context, id string, fromStates []State, mutate func(*Stream)) (*Stream, error)

	// CountOpenStreamsForRun counts streams in {PENDING, PROCESSING,
	// DELAYED} for a run, used by the sweeper to decide whether a run can
	// become PROCESSED or ERROR.
	CountOpenStreamsForRun(ctx context.Context, runID string) (int, error)

	// AnyStreamErroredForRun reports whether any stream under the run is
	// in the terminal ERROR state.
	AnyStreamErroredForRun(ctx context.Context, runID string) (bool, error)

	// ListPendingStreamsForRun lists PENDING streams for a run, used by
	// the run worker to re-drive a resumed run (§4.2 step 4).
	ListPendingStreamsForRun(ctx context.Context, runID string) ([]*Stream, error)
}

// StreamLister supports the sweeper's delayed-stream sweep.
type StreamLister interface {
	ListDelayedStreamsDue(ctx context.Context, now time.Time, limit int) ([]*Stream, error)
}

// DataStore is the core interface for data row storage operations.
type DataStore interface {
	CreateData(ctx context.Context, data *Data) error
	GetData(ctx context.Context, id string) (*Data, error)

	TransitionData(ctx context.Context, id string, fromStates []State, mutate func(*Data)) (*Data, error)

	// CountOpenDataForRun counts data rows in {PENDING, PROCESSING} for a
	// run, used by the sweeper alongside CountOpenStreamsForRun.
	CountOpenDataForRun(ctx context.Context, runID string) (int, error)

	// AnyDataErroredForRun reports whether any data row under the run is
	// in the terminal ERROR state.
	AnyDataErroredForRun(ctx context.Context, runID string) (bool, error)

	// ListDataDueForRetry lists PENDING data rows whose RetryAfter has
	// elapsed (or is nil), used by the data worker's backoff (see the
	// Data doc comment) and the sweeper.
	ListDataDueForRetry(ctx context.Context, now time.Time, limit int) ([]*Data, error)
}

// IntegrationStore manages the integration record the pipeline consults
// for platform dispatch and settings.
type IntegrationStore interface {
	GetIntegration(ctx context.Context, id string) (*Integration, error)

	// UpdateIntegrationSettings merges partial into the integration's
	// settings at the top level only: a shallow merge, per spec §4.3 —
	// handlers replace whole top-level keys rather than deep-merging
	// nested structures. Backends implement this with a server-side
	// merge operation (e.g. Postgres jsonb `||`) so concurrent updates
	// from sibling streams touching different top-level keys do not
	// clobber one another (spec §5).
	UpdateIntegrationSettings(ctx context.Context, id string, partial map[string]any) error
}

// Backend composes the full storage contract. sqlite, postgres, and
// memory all implement it; a minimal backend need only satisfy the
// individual segregated interfaces its caller declares.
type Backend interface {
	RunStore
	RunLister
	StreamStore
	StreamLister
	DataStore
	IntegrationStore

	Close() error
}
