package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/horizon/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_runs(
			id BIGSERIAL PRIMARY KEY,
			supervisor TEXT NOT NULL,
			queue TEXT NOT NULL,
			worker TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NULL,
			running BOOLEAN NOT NULL,
			exit_err TEXT NULL,
			crashed BOOLEAN NOT NULL DEFAULT false,
			uniq TEXT NOT NULL UNIQUE,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_supervisor ON worker_runs(supervisor);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_running ON worker_runs(running);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordStart(ctx context.Context, run store.Run) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_runs(supervisor, queue, worker, pid, started_at, stopped_at, running, exit_err, crashed, uniq, updated_at)
		VALUES($1,$2,$3,$4,$5,NULL,true,NULL,false,$6,$7)
		ON CONFLICT(uniq) DO UPDATE SET
			supervisor=EXCLUDED.supervisor,
			queue=EXCLUDED.queue,
			worker=EXCLUDED.worker,
			running=true,
			stopped_at=NULL,
			exit_err=NULL,
			crashed=false,
			updated_at=EXCLUDED.updated_at;`,
		run.Supervisor, run.Queue, run.Worker, run.PID, run.StartedAt.UTC(), run.Key(), time.Now().UTC())
	return err
}

func (p *DB) RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitErr error, crashed bool) error {
	var errStr sql.NullString
	if exitErr != nil {
		errStr = sql.NullString{String: exitErr.Error(), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE worker_runs
		SET running=false, stopped_at=$1, exit_err=$2, crashed=$3, updated_at=$4
		WHERE uniq=$5;`, stoppedAt.UTC(), errStr, crashed, time.Now().UTC(), uniq)
	return err
}

func (p *DB) History(ctx context.Context, prefix string, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, supervisor, queue, worker, pid, started_at, stopped_at, running, exit_err, crashed, uniq, updated_at
		FROM worker_runs
		WHERE supervisor LIKE $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2;`, strings.TrimSpace(prefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (p *DB) Running(ctx context.Context, prefix string) ([]store.Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, supervisor, queue, worker, pid, started_at, stopped_at, running, exit_err, crashed, uniq, updated_at
		FROM worker_runs
		WHERE running=true AND supervisor LIKE $1
		ORDER BY started_at DESC, id DESC;`, strings.TrimSpace(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (p *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM worker_runs WHERE running=false AND updated_at < $1;`, olderThan.UTC())
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
