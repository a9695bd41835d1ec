package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("spawn record not found")

const recordColumns = "id, directory, project_root, cache_key, nonce, state, exit_code, worker_pid, server_pid, started_at, ready_at, finished_at"

// Store manages the spawn journal backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or connects to the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin inserts a starting record and returns its id.
func (s *Store) Begin(ctx context.Context, start SpawnStart) (int64, error) {
	startedAt := start.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO spawns (directory, project_root, cache_key, nonce, state, server_pid, started_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		start.Directory,
		start.ProjectRoot,
		start.CacheKey,
		start.Nonce,
		StateStarting,
		start.ServerPID,
		formatTime(startedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert spawn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// MarkReady records that the worker completed its handshake.
func (s *Store) MarkReady(ctx context.Context, id int64, at time.Time) error {
	return s.update(ctx, "mark ready",
		`UPDATE spawns SET state = ?, ready_at = ? WHERE id = ? AND state = ?`,
		StateReady, formatTime(at), id, StateStarting)
}

// SetWorkerPID records the worker's process id.
func (s *Store) SetWorkerPID(ctx context.Context, id int64, pid int) error {
	return s.update(ctx, "set worker pid",
		`UPDATE spawns SET worker_pid = ? WHERE id = ?`, pid, id)
}

// Finish closes a record with its final state and exit code.
func (s *Store) Finish(ctx context.Context, id int64, state State, code int, at time.Time) error {
	return s.update(ctx, "finish spawn",
		`UPDATE spawns SET state = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		state, code, formatTime(at), id)
}

func (s *Store) update(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// Get fetches a single record.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM spawns WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get spawn: %w", err)
	}
	return rec, nil
}

// List returns up to limit records, newest first. A non-positive limit
// returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM spawns ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spawns: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spawn: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spawns: %w", err)
	}
	return records, nil
}

// MarkInterrupted closes open records whose owning daemon is gone and
// returns how many were updated. Records of servers for which alive reports
// true are left untouched; a nil alive treats every owner as dead.
func (s *Store) MarkInterrupted(ctx context.Context, alive func(pid int) bool) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_pid FROM spawns WHERE state IN (?, ?)`,
		StateStarting, StateReady)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var id int64
		var owner int
		if err := rows.Scan(&id, &owner); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("mark interrupted: scan: %w", err)
		}
		if owner <= 0 || alive == nil || !alive(owner) {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	finished := formatTime(time.Now())
	var updated int64
	for _, id := range stale {
		res, err := tx.ExecContext(ctx,
			`UPDATE spawns SET state = ?, finished_at = ? WHERE id = ? AND state IN (?, ?)`,
			StateInterrupted, finished, id, StateStarting, StateReady)
		if err != nil {
			return 0, fmt.Errorf("mark interrupted: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark interrupted rows affected: %w", err)
		}
		updated += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark interrupted: commit: %w", err)
	}
	return updated, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		rec         Record
		state       string
		exitCode    sql.NullInt64
		workerPID   sql.NullInt64
		serverPID   int
		startedRaw  string
		readyRaw    sql.NullString
		finishedRaw sql.NullString
	)
	if err := scanner.Scan(
		&rec.ID,
		&rec.Directory,
		&rec.ProjectRoot,
		&rec.CacheKey,
		&rec.Nonce,
		&state,
		&exitCode,
		&workerPID,
		&serverPID,
		&startedRaw,
		&readyRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}
	rec.State = State(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if workerPID.Valid {
		rec.WorkerPID = int(workerPID.Int64)
	}
	rec.ServerPID = serverPID
	rec.StartedAt = parseTime(startedRaw)
	rec.ReadyAt = parseNullableTime(readyRaw)
	rec.FinishedAt = parseNullableTime(finishedRaw)
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := parseTime(raw.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
