package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// Run is one worker lifetime, from fork to exit.
// Uniq identifies the run across pid reuse; see UniqueKey.
type Run struct {
	ID         int64
	Supervisor string
	Queue      string
	Worker     string
	PID        int
	StartedAt  time.Time
	StoppedAt  sql.NullTime
	Running    bool
	ExitErr    sql.NullString
	Crashed    bool
	Uniq       string
	UpdatedAt  time.Time
}

// UniqueKey builds the run key from pid and start time.
func UniqueKey(pid int, startedAt time.Time) string {
	return strconv.Itoa(pid) + "-" + strconv.FormatInt(startedAt.UTC().UnixNano(), 10)
}

// Key returns the unique key of r.
func (r Run) Key() string { return UniqueKey(r.PID, r.StartedAt) }

// Store persists worker run history.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, run Run) error
	RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitErr error, crashed bool) error
	// History returns the most recent runs of supervisors whose name starts
	// with prefix, newest first.
	History(ctx context.Context, prefix string, limit int) ([]Run, error)
	// Running returns runs not yet stopped for the prefix.
	Running(ctx context.Context, prefix string) ([]Run, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// DefaultHistoryLimit caps History when limit is not positive.
const DefaultHistoryLimit = 50
