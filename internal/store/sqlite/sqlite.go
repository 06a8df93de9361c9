package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/horizon/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// every pooled connection to :memory: is a separate database
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			supervisor TEXT NOT NULL,
			queue TEXT NOT NULL,
			worker TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			running BOOLEAN NOT NULL,
			exit_err TEXT NULL,
			crashed BOOLEAN NOT NULL DEFAULT 0,
			uniq TEXT NOT NULL UNIQUE,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_supervisor ON worker_runs(supervisor);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_running ON worker_runs(running);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, run store.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_runs(supervisor, queue, worker, pid, started_at, stopped_at, running, exit_err, crashed, uniq, updated_at)
		VALUES(?, ?, ?, ?, ?, NULL, 1, NULL, 0, ?, ?)
		ON CONFLICT(uniq) DO UPDATE SET
			supervisor=excluded.supervisor,
			queue=excluded.queue,
			worker=excluded.worker,
			running=1,
			stopped_at=NULL,
			exit_err=NULL,
			crashed=0,
			updated_at=excluded.updated_at;`,
		run.Supervisor, run.Queue, run.Worker, run.PID, run.StartedAt.UTC(), run.Key(), time.Now().UTC())
	return err
}

func (s *DB) RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitErr error, crashed bool) error {
	var errStr sql.NullString
	if exitErr != nil {
		errStr = sql.NullString{String: exitErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_runs
		SET running=0, stopped_at=?, exit_err=?, crashed=?, updated_at=?
		WHERE uniq=?;`,
		stoppedAt.UTC(), errStr, crashed, time.Now().UTC(), uniq)
	return err
}

func (s *DB) History(ctx context.Context, prefix string, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, supervisor, queue, worker, pid, started_at, stopped_at, running, exit_err, crashed, uniq, updated_at
		FROM worker_runs
		WHERE supervisor LIKE ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?;`, strings.TrimSpace(prefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

func (s *DB) Running(ctx context.Context, prefix string) ([]store.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, supervisor, queue, worker, pid, started_at, stopped_at, running, exit_err, crashed, uniq, updated_at
		FROM worker_runs
		WHERE running=1 AND supervisor LIKE ?
		ORDER BY started_at DESC, id DESC;`, strings.TrimSpace(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worker_runs WHERE running=0 AND updated_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRuns(rows *sql.Rows) ([]store.Run, error) {
	out := make([]store.Run, 0)
	for rows.Next() {
		var r store.Run
		if err := rows.Scan(&r.ID, &r.Supervisor, &r.Queue, &r.Worker, &r.PID, &r.StartedAt, &r.StoppedAt, &r.Running, &r.ExitErr, &r.Crashed, &r.Uniq, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
