package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/subtitler/internal/common"
)

// SQLiteStore is the shared durable store backing the result records, the
// dispatch queue, and the cancellation registry.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent gateway/worker access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		step INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		requested_outputs TEXT NOT NULL,
		artifacts_json TEXT,
		original_name TEXT NOT NULL,
		input_path TEXT NOT NULL,
		error_kind TEXT,
		error_detail TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		expires_at TEXT,
		lease_expires_at TEXT
	);
	CREATE TABLE IF NOT EXISTS cancellations (
		job_id TEXT PRIMARY KEY,
		requested_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const terminalStates = `'succeeded', 'failed', 'cancelled'`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if len(job.RequestedOutputs) == 0 {
		return errors.New("job.RequestedOutputs is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.State == "" {
		job.State = StateQueued
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, step, message, requested_outputs, original_name, input_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.State), job.Step, job.Message, encodeKinds(job.RequestedOutputs),
		job.OriginalName, job.InputPath, formatTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, state, step, message, requested_outputs, artifacts_json,
		original_name, input_path, error_kind, error_detail, attempts,
		created_at, started_at, completed_at, expires_at, lease_expires_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ClaimNext claims the oldest queued job, or a dispatched/running job whose
// lease has expired (crashed-worker redelivery). The conditional UPDATE makes
// the claim atomic across concurrent workers.
func (s *SQLiteStore) ClaimNext(ctx context.Context, lease time.Duration) (*Job, error) {
	now := time.Now().UTC()
	leaseTS := formatTime(now.Add(lease))
	nowTS := formatTime(now)

	row := s.db.QueryRowContext(ctx, `SELECT id FROM jobs
		WHERE state = 'queued'
		   OR (state IN ('dispatched', 'running') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
		ORDER BY created_at ASC LIMIT 1`, nowTS)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET state = 'dispatched', attempts = attempts + 1, lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE id = ? AND (state = 'queued'
		   OR (state IN ('dispatched', 'running') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))`,
		leaseTS, nowTS, id, nowTS)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		// Lost the race to another worker; the caller will poll again.
		return nil, nil
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, step int, message string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET state = 'running', step = ?, message = ?
		WHERE id = ? AND state NOT IN (`+terminalStates+`)`,
		step, message, id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetArtifact(ctx context.Context, id string, kind OutputKind, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin artifact tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT artifacts_json FROM jobs WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read artifacts: %w", err)
	}
	artifacts := decodeArtifacts(raw)
	artifacts[kind] = path
	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET artifacts_json = ?
		WHERE id = ? AND state NOT IN (`+terminalStates+`)`, string(encoded), id); err != nil {
		return fmt.Errorf("update artifacts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, id string, step int, expiresAt time.Time) (bool, error) {
	return s.finalize(ctx, `UPDATE jobs
		SET state = 'succeeded', step = ?, message = 'done', error_kind = NULL, error_detail = NULL,
		    completed_at = ?, expires_at = ?, lease_expires_at = NULL
		WHERE id = ? AND state NOT IN (`+terminalStates+`)`,
		step, formatTime(time.Now().UTC()), formatTime(expiresAt), id)
}

func (s *SQLiteStore) SaveError(ctx context.Context, id string, kind ErrorKind, detail string, expiresAt time.Time) (bool, error) {
	return s.finalize(ctx, `UPDATE jobs
		SET state = 'failed', step = ?, message = 'failed', error_kind = ?, error_detail = ?,
		    completed_at = ?, expires_at = ?, lease_expires_at = NULL
		WHERE id = ? AND state NOT IN (`+terminalStates+`)`,
		StepTerminalFailure, string(kind), detail, formatTime(time.Now().UTC()), formatTime(expiresAt), id)
}

func (s *SQLiteStore) MarkCancelled(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	return s.finalize(ctx, `UPDATE jobs
		SET state = 'cancelled', step = ?, message = 'cancelled',
		    completed_at = ?, expires_at = ?, lease_expires_at = NULL
		WHERE id = ? AND state NOT IN (`+terminalStates+`)`,
		StepTerminalFailure, formatTime(time.Now().UTC()), formatTime(expiresAt), id)
}

// finalize runs a conditional terminal write and reports whether it landed.
// Terminal states are sticky: a write against an already-terminal record
// affects zero rows and returns false without error.
func (s *SQLiteStore) finalize(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("terminal write: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("terminal rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cancellations (job_id, requested_at) VALUES (?, ?)`,
		id, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert cancellation marker: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM cancellations WHERE job_id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("read cancellation marker: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClearCancel(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cancellations WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("clear cancellation marker: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RevokeQueued(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	return s.finalize(ctx, `UPDATE jobs
		SET state = 'cancelled', step = ?, message = 'cancelled',
		    completed_at = ?, expires_at = ?
		WHERE id = ? AND state = 'queued'`,
		StepTerminalFailure, formatTime(time.Now().UTC()), formatTime(expiresAt), id)
}

func (s *SQLiteStore) ListQueued(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT id FROM jobs WHERE state = 'queued' ORDER BY created_at ASC`)
}

func (s *SQLiteStore) ListInFlight(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT id FROM jobs WHERE state IN ('dispatched', 'running') ORDER BY created_at ASC`)
}

func (s *SQLiteStore) listIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteExpired removes terminal records past their retention deadline,
// together with any leftover cancellation markers. Markers with no job row at
// all (a cancel requested for an id that never existed) are purged too.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ts := formatTime(now)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cancellations WHERE job_id IN
		(SELECT id FROM jobs WHERE state IN (`+terminalStates+`) AND expires_at IS NOT NULL AND expires_at < ?)
		OR job_id NOT IN (SELECT id FROM jobs)`, ts); err != nil {
		return 0, fmt.Errorf("delete stale markers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs
		WHERE state IN (`+terminalStates+`) AND expires_at IS NOT NULL AND expires_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var state, kinds string
	var artifacts, errKind, errDetail, started, completed, expires, lease sql.NullString
	var created string

	if err := row.Scan(
		&job.ID,
		&state,
		&job.Step,
		&job.Message,
		&kinds,
		&artifacts,
		&job.OriginalName,
		&job.InputPath,
		&errKind,
		&errDetail,
		&job.Attempts,
		&created,
		&started,
		&completed,
		&expires,
		&lease,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.State = State(state)
	job.RequestedOutputs = decodeKinds(kinds)
	if m := decodeArtifacts(artifacts); len(m) > 0 {
		job.Artifacts = m
	}
	if errKind.Valid {
		job.ErrorKind = ErrorKind(errKind.String)
	}
	if errDetail.Valid {
		job.ErrorDetail = errDetail.String
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	job.StartedAt = parseNullTime(started)
	job.CompletedAt = parseNullTime(completed)
	job.ExpiresAt = parseNullTime(expires)
	job.LeaseExpiresAt = parseNullTime(lease)

	return &job, nil
}

func encodeKinds(kinds []OutputKind) string {
	ss := make([]string, len(kinds))
	for i, k := range kinds {
		ss[i] = string(k)
	}
	return strings.Join(ss, ",")
}

func decodeKinds(s string) []OutputKind {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	kinds := make([]OutputKind, 0, len(parts))
	for _, p := range parts {
		kinds = append(kinds, OutputKind(p))
	}
	return kinds
}

func decodeArtifacts(raw sql.NullString) map[OutputKind]string {
	artifacts := make(map[OutputKind]string)
	if raw.Valid && raw.String != "" {
		// Leave the map empty on a decode error; do not fail retrieval.
		_ = json.Unmarshal([]byte(raw.String), &artifacts)
	}
	return artifacts
}

// sqliteTimeLayout is RFC3339 with fixed-width nanoseconds so that stored
// timestamps compare correctly as strings in SQL.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
