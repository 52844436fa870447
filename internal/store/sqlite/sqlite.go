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

// Package sqlite provides a SQLite State Repository backend for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

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

// Backend is a SQLite-backed State Repository.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for an ephemeral
	// database (note: SetMaxOpenConns(1) keeps a single shared
	// connection so an in-memory database survives across calls).
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent readers.
	WAL bool
}

// New opens (and migrates) a SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; cap the pool at one connection so callers
	// never observe SQLITE_BUSY from within this process.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			integration_id TEXT NOT NULL,
			onboarding INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			delayed_until TEXT,
			error TEXT,
			processed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_delayed_until ON runs(delayed_until)`,
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			parent_id TEXT,
			tenant_id TEXT NOT NULL,
			integration_id TEXT NOT NULL,
			identifier TEXT NOT NULL,
			data TEXT,
			state TEXT NOT NULL,
			delayed_until TEXT,
			retries INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			processed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (run_id, identifier),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_run_id ON streams(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_state ON streams(state)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_delayed_until ON streams(delayed_until)`,
		`CREATE TABLE IF NOT EXISTS data (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			data TEXT,
			state TEXT NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			retry_after TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_run_id ON data(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_data_state ON data(state)`,
		`CREATE INDEX IF NOT EXISTS idx_data_retry_after ON data(retry_after)`,
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			identifier TEXT NOT NULL,
			status TEXT NOT NULL,
			settings TEXT,
			deleted_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_integrations_tenant ON integrations(tenant_id)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (b *Backend) Close() error { return b.db.Close() }

// --- helpers -----------------------------------------------------------

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalErrorDetail(s sql.NullString) (*store.ErrorDetail, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var detail store.ErrorDetail
	if err := json.Unmarshal([]byte(s.String), &detail); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error detail: %w", err)
	}
	return &detail, nil
}

func unmarshalData(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return m, nil
}

func stateInClause(states []store.State) (string, []any) {
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(placeholders, ", "), args
}

// --- runs ----------------------------------------------------------------

// CreateRun inserts a new run row.
func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	errorJSON, err := marshalJSON(run.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, integration_id, onboarding, state, delayed_until, error, processed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.TenantID, run.IntegrationID, run.Onboarding, string(run.State),
		formatTime(run.DelayedUntil), errorJSON, formatTime(run.ProcessedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	run.CreatedAt, run.UpdatedAt = now, now
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*store.Run, error) {
	var run store.Run
	var state string
	var delayedUntil, errorStr, processedAt, createdAt, updatedAt sql.NullString
	var onboarding int

	if err := row.Scan(
		&run.ID, &run.TenantID, &run.IntegrationID, &onboarding, &state,
		&delayedUntil, &errorStr, &processedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	run.Onboarding = onboarding != 0
	run.State = store.State(state)
	run.DelayedUntil = parseTime(delayedUntil)
	run.ProcessedAt = parseTime(processedAt)
	if createdAt.Valid {
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	if updatedAt.Valid {
		run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}

	detail, err := unmarshalErrorDetail(errorStr)
	if err != nil {
		return nil, err
	}
	run.Error = detail

	return &run, nil
}

const runColumns = `id, tenant_id, integration_id, onboarding, state, delayed_until, error, processed_at, created_at, updated_at`

// GetRun retrieves a run by id.
func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// TransitionRun performs a guarded compare-and-swap update of a run.
func (b *Backend) TransitionRun(ctx context.Context, id string, fromStates []store.State, mutate func(*store.Run)) (*store.Run, error) {
	current, err := b.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	mutate(current)
	now := time.Now()
	current.UpdatedAt = now

	errorJSON, err := marshalJSON(current.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error: %w", err)
	}

	placeholders, stateArgs := stateInClause(fromStates)
	args := []any{
		string(current.State), formatTime(current.DelayedUntil), errorJSON, formatTime(current.ProcessedAt),
		now.Format(time.RFC3339Nano), id,
	}
	args = append(args, stateArgs...)

	result, err := b.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, delayed_until = ?, error = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND state IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition run: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, store.ErrConflict
	}
	return current, nil
}

// CountStreamsForRun counts all stream rows for a run.
func (b *Backend) CountStreamsForRun(ctx context.Context, runID string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count streams: %w", err)
	}
	return count, nil
}

// ListDelayedRunsDue lists DELAYED runs whose delayed_until has elapsed.
func (b *Backend) ListDelayedRunsDue(ctx context.Context, now time.Time, limit int) ([]*store.Run, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state = ? AND delayed_until IS NOT NULL AND delayed_until <= ?
		ORDER BY delayed_until ASC LIMIT ?
	`, string(store.StateDelayed), now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list delayed runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- streams ---------------------------------------------------------------

const streamColumns = `id, run_id, parent_id, tenant_id, integration_id, identifier, data, state, delayed_until, retries, error, processed_at, created_at, updated_at`

func scanStream(row interface{ Scan(...any) error }) (*store.Stream, error) {
	var stream store.Stream
	var parentID sql.NullString
	var dataJSON, delayedUntil, errorStr, processedAt, createdAt, updatedAt sql.NullString
	var state string

	if err := row.Scan(
		&stream.ID, &stream.RunID, &parentID, &stream.TenantID, &stream.IntegrationID, &stream.Identifier,
		&dataJSON, &state, &delayedUntil, &stream.Retries, &errorStr, &processedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if parentID.Valid {
		pid := parentID.String
		stream.ParentID = &pid
	}
	stream.State = store.State(state)
	stream.DelayedUntil = parseTime(delayedUntil)
	stream.ProcessedAt = parseTime(processedAt)
	if createdAt.Valid {
		stream.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	if updatedAt.Valid {
		stream.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}

	data, err := unmarshalData(dataJSON)
	if err != nil {
		return nil, err
	}
	stream.Data = data

	detail, err := unmarshalErrorDetail(errorStr)
	if err != nil {
		return nil, err
	}
	stream.Error = detail

	return &stream, nil
}

// CreateStream inserts a new stream. Returns ErrDuplicateIdentifier if a
// stream with the same (run_id, identifier) already exists.
func (b *Backend) CreateStream(ctx context.Context, stream *store.Stream) error {
	dataJSON, err := marshalJSON(stream.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal stream data: %w", err)
	}
	errorJSON, err := marshalJSON(stream.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	var parentID any
	if stream.ParentID != nil {
		parentID = *stream.ParentID
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO streams (id, run_id, parent_id, tenant_id, integration_id, identifier, data, state, delayed_until, retries, error, processed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		stream.ID, stream.RunID, parentID, stream.TenantID, stream.IntegrationID, stream.Identifier,
		dataJSON, string(stream.State), formatTime(stream.DelayedUntil), stream.Retries, errorJSON,
		formatTime(stream.ProcessedAt), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return store.ErrDuplicateIdentifier
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	stream.CreatedAt, stream.UpdatedAt = now, now
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetStream retrieves a stream by id.
func (b *Backend) GetStream(ctx context.Context, id string) (*store.Stream, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, id)
	stream, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return stream, nil
}

// GetStreamByIdentifier looks up a stream by its run-scoped identifier.
func (b *Backend) GetStreamByIdentifier(ctx context.Context, runID, identifier string) (*store.Stream, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE run_id = ? AND identifier = ?`, runID, identifier)
	stream, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream by identifier: %w", err)
	}
	return stream, nil
}

// TransitionStream performs a guarded compare-and-swap update of a stream.
func (b *Backend) TransitionStream(ctx context.Context, id string, fromStates []store.State, mutate func(*store.Stream)) (*store.Stream, error) {
	current, err := b.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}

	mutate(current)
	now := time.Now()
	current.UpdatedAt = now

	dataJSON, err := marshalJSON(current.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream data: %w", err)
	}
	errorJSON, err := marshalJSON(current.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error: %w", err)
	}

	placeholders, stateArgs := stateInClause(fromStates)
	args := []any{
		dataJSON, string(current.State), formatTime(current.DelayedUntil), current.Retries, errorJSON,
		formatTime(current.ProcessedAt), now.Format(time.RFC3339Nano), id,
	}
	args = append(args, stateArgs...)

	result, err := b.db.ExecContext(ctx, `
		UPDATE streams SET data = ?, state = ?, delayed_until = ?, retries = ?, error = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND state IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition stream: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, store.ErrConflict
	}
	return current, nil
}

// CountOpenStreamsForRun counts streams in {PENDING, PROCESSING, DELAYED}.
func (b *Backend) CountOpenStreamsForRun(ctx context.Context, runID string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM streams WHERE run_id = ? AND state IN (?, ?, ?)
	`, runID, string(store.StatePending), string(store.StateProcessing), string(store.StateDelayed)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open streams: %w", err)
	}
	return count, nil
}

// AnyStreamErroredForRun reports whether a stream under the run is ERROR.
func (b *Backend) AnyStreamErroredForRun(ctx context.Context, runID string) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM streams WHERE run_id = ? AND state = ?
	`, runID, string(store.StateError)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check errored streams: %w", err)
	}
	return count > 0, nil
}

// ListPendingStreamsForRun lists PENDING streams for a run.
func (b *Backend) ListPendingStreamsForRun(ctx context.Context, runID string) ([]*store.Stream, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+streamColumns+` FROM streams WHERE run_id = ? AND state = ? ORDER BY created_at ASC
	`, runID, string(store.StatePending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending streams: %w", err)
	}
	defer rows.Close()

	var streams []*store.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// ListDelayedStreamsDue lists DELAYED streams whose delayed_until elapsed.
func (b *Backend) ListDelayedStreamsDue(ctx context.Context, now time.Time, limit int) ([]*store.Stream, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+streamColumns+` FROM streams
		WHERE state = ? AND delayed_until IS NOT NULL AND delayed_until <= ?
		ORDER BY delayed_until ASC LIMIT ?
	`, string(store.StateDelayed), now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list delayed streams: %w", err)
	}
	defer rows.Close()

	var streams []*store.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// --- data --------------------------------------------------------------

const dataColumns = `id, stream_id, run_id, tenant_id, data, state, retries, retry_after, error, created_at, updated_at`

func scanData(row interface{ Scan(...any) error }) (*store.Data, error) {
	var d store.Data
	var dataJSON, retryAfter, errorStr, createdAt, updatedAt sql.NullString
	var state string

	if err := row.Scan(
		&d.ID, &d.StreamID, &d.RunID, &d.TenantID, &dataJSON, &state, &d.Retries, &retryAfter, &errorStr, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	d.State = store.State(state)
	d.RetryAfter = parseTime(retryAfter)
	if createdAt.Valid {
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	if updatedAt.Valid {
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}

	m, err := unmarshalData(dataJSON)
	if err != nil {
		return nil, err
	}
	d.Data = m

	detail, err := unmarshalErrorDetail(errorStr)
	if err != nil {
		return nil, err
	}
	d.Error = detail

	return &d, nil
}

// CreateData inserts a new data row.
func (b *Backend) CreateData(ctx context.Context, data *store.Data) error {
	dataJSON, err := marshalJSON(data.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal data payload: %w", err)
	}
	errorJSON, err := marshalJSON(data.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO data (id, stream_id, run_id, tenant_id, data, state, retries, retry_after, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		data.ID, data.StreamID, data.RunID, data.TenantID, dataJSON, string(data.State), data.Retries,
		formatTime(data.RetryAfter), errorJSON, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create data: %w", err)
	}
	data.CreatedAt, data.UpdatedAt = now, now
	return nil
}

// GetData retrieves a data row by id.
func (b *Backend) GetData(ctx context.Context, id string) (*store.Data, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+dataColumns+` FROM data WHERE id = ?`, id)
	d, err := scanData(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data: %w", err)
	}
	return d, nil
}

// TransitionData performs a guarded compare-and-swap update of a data row.
func (b *Backend) TransitionData(ctx context.Context, id string, fromStates []store.State, mutate func(*store.Data)) (*store.Data, error) {
	current, err := b.GetData(ctx, id)
	if err != nil {
		return nil, err
	}

	mutate(current)
	now := time.Now()
	current.UpdatedAt = now

	dataJSON, err := marshalJSON(current.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data payload: %w", err)
	}
	errorJSON, err := marshalJSON(current.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error: %w", err)
	}

	placeholders, stateArgs := stateInClause(fromStates)
	args := []any{
		dataJSON, string(current.State), current.Retries, formatTime(current.RetryAfter), errorJSON,
		now.Format(time.RFC3339Nano), id,
	}
	args = append(args, stateArgs...)

	result, err := b.db.ExecContext(ctx, `
		UPDATE data SET data = ?, state = ?, retries = ?, retry_after = ?, error = ?, updated_at = ?
		WHERE id = ? AND state IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition data: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, store.ErrConflict
	}
	return current, nil
}

// CountOpenDataForRun counts data rows in {PENDING, PROCESSING}.
func (b *Backend) CountOpenDataForRun(ctx context.Context, runID string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM data WHERE run_id = ? AND state IN (?, ?)
	`, runID, string(store.StatePending), string(store.StateProcessing)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open data: %w", err)
	}
	return count, nil
}

// AnyDataErroredForRun reports whether a data row under the run is ERROR.
func (b *Backend) AnyDataErroredForRun(ctx context.Context, runID string) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM data WHERE run_id = ? AND state = ?
	`, runID, string(store.StateError)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check errored data: %w", err)
	}
	return count > 0, nil
}

// ListDataDueForRetry lists PENDING data rows whose retry_after has
// elapsed, or which have never been deferred.
func (b *Backend) ListDataDueForRetry(ctx context.Context, now time.Time, limit int) ([]*store.Data, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+dataColumns+` FROM data
		WHERE state = ? AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY created_at ASC LIMIT ?
	`, string(store.StatePending), now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list data due for retry: %w", err)
	}
	defer rows.Close()

	var result []*store.Data
	for rows.Next() {
		d, err := scanData(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- integrations --------------------------------------------------------

// GetIntegration retrieves an integration by id.
func (b *Backend) GetIntegration(ctx context.Context, id string) (*store.Integration, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, platform, identifier, status, settings, deleted_at FROM integrations WHERE id = ?
	`, id)

	var integration store.Integration
	var settingsJSON, deletedAt sql.NullString
	if err := row.Scan(
		&integration.ID, &integration.TenantID, &integration.Platform, &integration.Identifier,
		&integration.Status, &settingsJSON, &deletedAt,
	); err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}

	settings, err := unmarshalData(settingsJSON)
	if err != nil {
		return nil, err
	}
	integration.Settings = settings
	integration.DeletedAt = parseTime(deletedAt)

	return &integration, nil
}

// UpdateIntegrationSettings merges partial into the integration's settings
// at the top level. SQLite has no server-side jsonb merge operator, so the
// merge happens under a transaction that reads, merges in Go, and writes
// back — acceptable because the single-node SQLite backend already
// serializes writes to one connection.
func (b *Backend) UpdateIntegrationSettings(ctx context.Context, id string, partial map[string]any) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var settingsJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT settings FROM integrations WHERE id = ?`, id).Scan(&settingsJSON)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	settings, err := unmarshalData(settingsJSON)
	if err != nil {
		return err
	}
	if settings == nil {
		settings = map[string]any{}
	}
	for k, v := range partial {
		settings[k] = v
	}

	merged, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal merged settings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE integrations SET settings = ? WHERE id = ?`, string(merged), id); err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}

	return tx.Commit()
}

// CreateIntegration inserts a new integration row. Exposed for tests and
// setup tooling; not part of store.IntegrationStore since the pipeline
// itself never creates integrations, only reads and patches settings.
func (b *Backend) CreateIntegration(ctx context.Context, integration *store.Integration) error {
	settingsJSON, err := marshalJSON(integration.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO integrations (id, tenant_id, platform, identifier, status, settings, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, integration.ID, integration.TenantID, integration.Platform, integration.Identifier,
		integration.Status, settingsJSON, nullString(""))
	if err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}
