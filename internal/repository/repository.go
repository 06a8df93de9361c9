package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a named master or supervisor has no live record.
	ErrNotFound = errors.New("repository: not found")
	// ErrUnsupported is returned when a backend does not provide a capability.
	ErrUnsupported = errors.New("repository: unsupported")
)

// DefaultTTL is how long a master or supervisor record survives without a heartbeat.
const DefaultTTL = 15 * time.Second

// Status values shared by master and supervisor records.
const (
	StatusRunning = "running"
	StatusPaused  = "paused"
)

// MasterRecord is the persisted projection of a master supervisor.
type MasterRecord struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	Status      string    `json:"status"`
	Environment string    `json:"environment"`
	Supervisors []string  `json:"supervisors"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Paused reports whether the record status is paused.
func (r MasterRecord) Paused() bool { return r.Status == StatusPaused }

// SupervisorRecord is the persisted projection of a supervisor.
type SupervisorRecord struct {
	Name      string         `json:"name"`
	Master    string         `json:"master"`
	PID       int            `json:"pid"`
	Status    string         `json:"status"`
	Balance   string         `json:"balance"`
	Queues    []string       `json:"queues"`
	Processes map[string]int `json:"processes"`
	Timeout   time.Duration  `json:"timeout"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Paused reports whether the record status is paused.
func (r SupervisorRecord) Paused() bool { return r.Status == StatusPaused }

// Total returns the sum of worker counts across pools.
func (r SupervisorRecord) Total() int {
	n := 0
	for _, c := range r.Processes {
		n += c
	}
	return n
}

// Command kinds understood by masters and supervisors.
const (
	CommandPause     = "pause"
	CommandContinue  = "continue"
	CommandTerminate = "terminate"
)

// Command is a repository-mediated instruction addressed to a master or supervisor by name.
type Command struct {
	Kind     string    `json:"kind"`
	Wait     bool      `json:"wait,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// MasterSupervisorRepository stores master liveness records.
// Find returns (nil, nil) when no live record exists.
type MasterSupervisorRepository interface {
	Names(ctx context.Context) ([]string, error)
	All(ctx context.Context) ([]MasterRecord, error)
	Find(ctx context.Context, name string) (*MasterRecord, error)
	Update(ctx context.Context, rec MasterRecord) error
	Forget(ctx context.Context, name string) error
}

// SupervisorRepository stores supervisor liveness records.
// Find returns (nil, nil) when no live record exists.
type SupervisorRepository interface {
	Names(ctx context.Context) ([]string, error)
	All(ctx context.Context) ([]SupervisorRecord, error)
	Find(ctx context.Context, name string) (*SupervisorRecord, error)
	// LongestActiveTimeout is the maximum Timeout over live supervisors, 0 when none.
	LongestActiveTimeout(ctx context.Context) (time.Duration, error)
	Update(ctx context.Context, rec SupervisorRecord) error
	Forget(ctx context.Context, names ...string) error
}

// ProcessRepository keeps the per-master orphan ledger.
type ProcessRepository interface {
	// Orphaned records pids not seen before with the current time, drops recorded
	// pids that are no longer orphaned and returns only the newly recorded pids.
	Orphaned(ctx context.Context, master string, pids []int) ([]int, error)
	// OrphanedFor returns recorded pids whose age is at least timeout.
	OrphanedFor(ctx context.Context, master string, timeout time.Duration) ([]int, error)
	ForgetOrphans(ctx context.Context, master string, pids []int) error
	AllOrphans(ctx context.Context, master string) (map[int]time.Time, error)
}

// CommandQueue delivers commands to a named master or supervisor.
type CommandQueue interface {
	Push(ctx context.Context, name string, cmd Command) error
	// Pending returns and clears every queued command for name, oldest first.
	Pending(ctx context.Context, name string) ([]Command, error)
}

// Set bundles the repositories a backend provides.
type Set struct {
	Masters     MasterSupervisorRepository
	Supervisors SupervisorRepository
	Processes   ProcessRepository
	Commands    CommandQueue
	closer      func() error
}

// NewSet returns a Set whose Close calls closer.
func NewSet(m MasterSupervisorRepository, s SupervisorRepository, p ProcessRepository, c CommandQueue, closer func() error) *Set {
	return &Set{Masters: m, Supervisors: s, Processes: p, Commands: c, closer: closer}
}

// CommandQueue returns the command queue or ErrUnsupported.
func (s *Set) CommandQueue() (CommandQueue, error) {
	if s == nil || s.Commands == nil {
		return nil, ErrUnsupported
	}
	return s.Commands, nil
}

// Close releases backend resources.
func (s *Set) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
