package supervisor

import (
	"syscall"
	"time"

	"github.com/loykin/horizon/internal/env"
	"github.com/loykin/horizon/internal/process"
)

// Worker is the view of a forked worker the supervisor needs.
type Worker interface {
	PID() int
	StartedAt() time.Time
	Alive() bool
	Signal(sig syscall.Signal) error
	Terminate() error
	Kill() error
	// Stopping reports whether termination was requested, and since when.
	Stopping() (bool, time.Time)
	Snapshot() process.Status
}

// Spawner forks workers.
type Spawner interface {
	Spawn(spec process.Spec) (Worker, error)
}

// ProcessSpawner forks real OS processes with the merged environment.
type ProcessSpawner struct {
	Env *env.Env
}

func (s ProcessSpawner) Spawn(spec process.Spec) (Worker, error) {
	if s.Env != nil {
		spec.Env = s.Env.Merge(spec.Env)
	}
	p := process.New(spec)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// Event describes one worker lifecycle transition.
type Event struct {
	Supervisor string
	Queue      string
	Worker     string
	PID        int
	StartedAt  time.Time
	StoppedAt  time.Time
	ExitErr    error
	Crashed    bool
}

// Hooks observe worker lifecycle transitions. Nil fields are skipped.
type Hooks struct {
	OnStart func(Event)
	OnExit  func(Event)
}
