// Package master runs the per-machine coordinator that deploys supervisors,
// drives their ticks and answers pause, continue and terminate requests.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/horizon/internal/detector"
	"github.com/loykin/horizon/internal/metrics"
	"github.com/loykin/horizon/internal/plan"
	"github.com/loykin/horizon/internal/purge"
	"github.com/loykin/horizon/internal/queue"
	"github.com/loykin/horizon/internal/repository"
	"github.com/loykin/horizon/internal/supervisor"
)

// DefaultTick is the monitor interval when Deps.Tick is zero.
const DefaultTick = time.Second

// AlreadyRunningError is returned by Start when a live master of the same name exists.
type AlreadyRunningError struct {
	Name string
	PID  int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("master %s is already running (pid %d)", e.Name, e.PID)
}

// Purger runs the orphan-reaping protocol.
type Purger interface {
	Run(ctx context.Context) ([]purge.Report, error)
}

// Deps are the collaborators of a master.
type Deps struct {
	Repos       *repository.Set
	Plan        *plan.Plan
	Environment string

	Spawner supervisor.Spawner
	Backlog queue.Reader
	Hooks   supervisor.Hooks

	Purger        Purger
	PurgeSchedule string // cron expression; empty disables scheduled purges

	// Signals delivers SIGINT, SIGTERM, SIGUSR2 and SIGCONT to Monitor.
	Signals         <-chan os.Signal
	Tick            time.Duration
	PIDFile         string
	FastTermination bool

	Logger *slog.Logger
	Now    func() time.Time
	PID    int
}

// Master owns the supervisors of one machine.
type Master struct {
	name string
	deps Deps
	log  *slog.Logger
	now  func() time.Time
	pid  int

	mu          sync.Mutex
	supervisors []*supervisor.Supervisor
	paused      bool

	// set by a terminate command, consumed by Monitor
	terminate     atomic.Bool
	terminateWait atomic.Bool

	cron     *cron.Cron
	purgeDue atomic.Bool

	// drainPoll is how often Terminate checks for exited workers.
	drainPoll time.Duration
}

// New returns a master named name. It does not touch the repositories.
func New(name string, deps Deps) (*Master, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("master name is required")
	}
	if deps.Repos == nil || deps.Repos.Masters == nil || deps.Repos.Supervisors == nil {
		return nil, errors.New("master: master and supervisor repositories are required")
	}
	if deps.Plan == nil {
		return nil, errors.New("master: provisioning plan is required")
	}
	if deps.Spawner == nil {
		return nil, errors.New("master: spawner is required")
	}
	m := &Master{name: name, deps: deps, log: deps.Logger, now: deps.Now, pid: deps.PID, drainPoll: 100 * time.Millisecond}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("master", name)
	if m.now == nil {
		m.now = time.Now
	}
	if m.pid == 0 {
		m.pid = os.Getpid()
	}
	if m.deps.Tick <= 0 {
		m.deps.Tick = DefaultTick
	}
	if s := strings.TrimSpace(deps.PurgeSchedule); s != "" {
		if deps.Purger == nil {
			return nil, errors.New("master: purge schedule set without a purger")
		}
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(s, func() { m.purgeDue.Store(true) }); err != nil {
			return nil, fmt.Errorf("invalid purge schedule %q: %w", s, err)
		}
	}
	return m, nil
}

func (m *Master) Name() string { return m.name }

// Start refuses to run beside a live master of the same name, then deploys
// the plan for the configured environment and writes the first heartbeat.
func (m *Master) Start(ctx context.Context) error {
	rec, err := m.deps.Repos.Masters.Find(ctx, m.name)
	if err != nil {
		return fmt.Errorf("look up master %s: %w", m.name, err)
	}
	if rec != nil {
		return &AlreadyRunningError{Name: rec.Name, PID: rec.PID}
	}
	if m.deps.PIDFile != "" {
		if err := detector.WritePIDFile(m.deps.PIDFile, m.pid, m.name); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	if err := m.deps.Plan.Deploy(m.deps.Environment, m); err != nil {
		m.abort()
		return err
	}
	m.persist(ctx)
	if m.cron != nil {
		m.cron.Start()
	}
	m.log.Info("master started", "environment", m.deps.Environment, "supervisors", m.SupervisorNames(), "pid", m.pid)
	return nil
}

// Deploy creates and starts one supervisor. It satisfies plan.Deployer.
func (m *Master) Deploy(opts supervisor.Options) error {
	s, err := supervisor.New(opts, supervisor.Deps{
		Spawner: m.deps.Spawner,
		Backlog: m.deps.Backlog,
		Logger:  m.deps.Logger,
		Hooks:   m.deps.Hooks,
		Now:     m.deps.Now,
		PID:     m.pid,
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.supervisors = append(m.supervisors, s)
	m.mu.Unlock()
	if err := s.Start(context.Background()); err != nil {
		return err
	}
	m.log.Info("supervisor deployed", "supervisor", s.Name(), "balance", opts.Balance, "queues", opts.Queues)
	return nil
}

func (m *Master) abort() {
	for _, s := range m.snapshot() {
		s.Terminate()
		s.Kill()
	}
	m.removePIDFile()
}

func (m *Master) snapshot() []*supervisor.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*supervisor.Supervisor(nil), m.supervisors...)
}

// SupervisorNames returns the deployed supervisor names in deploy order.
func (m *Master) SupervisorNames() []string {
	sups := m.snapshot()
	out := make([]string, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.Name())
	}
	return out
}

// Supervisor returns the deployed supervisor with the given name.
func (m *Master) Supervisor(name string) (*supervisor.Supervisor, bool) {
	for _, s := range m.snapshot() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

func (m *Master) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Record projects the master into its repository record.
func (m *Master) Record() repository.MasterRecord {
	status := repository.StatusRunning
	if m.Paused() {
		status = repository.StatusPaused
	}
	return repository.MasterRecord{
		Name:        m.name,
		PID:         m.pid,
		Status:      status,
		Environment: m.deps.Environment,
		Supervisors: m.SupervisorNames(),
		UpdatedAt:   m.now(),
	}
}

func (m *Master) heartbeat(ctx context.Context) error {
	return m.deps.Repos.Masters.Update(ctx, m.Record())
}

// Pause pauses every supervisor and persists the new status.
func (m *Master) Pause(ctx context.Context) {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	for _, s := range m.snapshot() {
		s.Pause()
	}
	m.persist(ctx)
	m.log.Info("master paused")
}

// Continue resumes every supervisor and persists the new status.
func (m *Master) Continue(ctx context.Context) {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	for _, s := range m.snapshot() {
		s.Continue()
	}
	m.persist(ctx)
	m.log.Info("master continued")
}

func (m *Master) persist(ctx context.Context) {
	if err := m.heartbeat(ctx); err != nil {
		m.log.Warn("persist master status", "error", err)
	}
	for _, s := range m.snapshot() {
		if err := m.deps.Repos.Supervisors.Update(ctx, s.Record()); err != nil {
			m.log.Warn("persist supervisor status", "supervisor", s.Name(), "error", err)
		}
	}
}

func (m *Master) removePIDFile() {
	if m.deps.PIDFile == "" {
		return
	}
	if err := os.Remove(m.deps.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("remove pid file", "path", m.deps.PIDFile, "error", err)
	}
}

// Terminate stops every supervisor. With wait it blocks until all workers
// exit or the plan timeout elapses, then kills what is left. Records are
// forgotten either way.
func (m *Master) Terminate(ctx context.Context, wait bool) error {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	sups := m.snapshot()
	m.log.Info("terminating", "wait", wait, "supervisors", len(sups))
	for _, s := range sups {
		s.Terminate()
	}
	if wait {
		m.drain(ctx, sups, m.deps.Plan.Timeout(m.deps.Environment))
	}

	var errs []error
	names := m.SupervisorNames()
	if len(names) > 0 {
		if err := m.deps.Repos.Supervisors.Forget(ctx, names...); err != nil {
			errs = append(errs, fmt.Errorf("forget supervisors: %w", err))
		}
	}
	if err := m.deps.Repos.Masters.Forget(ctx, m.name); err != nil {
		errs = append(errs, fmt.Errorf("forget master: %w", err))
	}
	m.removePIDFile()
	return errors.Join(errs...)
}

func (m *Master) drain(ctx context.Context, sups []*supervisor.Supervisor, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.drainPoll)
	defer poll.Stop()
	for {
		drained := true
		for _, s := range sups {
			_ = s.Loop(ctx)
			if !s.Drained() {
				drained = false
			}
		}
		if drained {
			return
		}
		select {
		case <-deadline.C:
			m.log.Warn("workers still running after timeout, killing", "timeout", timeout)
			for _, s := range sups {
				s.Kill()
			}
			return
		case <-poll.C:
			// keep the record alive so a drain longer than the TTL still reads as running
			if err := m.heartbeat(ctx); err != nil {
				m.log.Warn("heartbeat while draining", "error", err)
			}
		}
	}
}

// Run starts the master and monitors it until it terminates.
func (m *Master) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	return m.Monitor(ctx)
}

// Monitor ticks until a termination signal, a terminate command, or ctx
// cancellation, and then terminates. Cancellation terminates without waiting.
func (m *Master) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(m.deps.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.Terminate(context.Background(), false)
		case sig := <-m.deps.Signals:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				m.log.Info("received signal", "signal", sig.String())
				wait := !m.deps.FastTermination
				// a terminate command pushed alongside the signal decides the wait
				_ = m.drainCommands(ctx, m.name, func(cmd repository.Command) error {
					return m.handle(ctx, cmd)
				})
				if m.terminate.Load() {
					wait = m.terminateWait.Load()
				}
				return m.Terminate(ctx, wait)
			case syscall.SIGUSR2:
				m.Pause(ctx)
			case syscall.SIGCONT:
				m.Continue(ctx)
			default:
				m.log.Debug("ignoring signal", "signal", sig.String())
			}
		case <-ticker.C:
			_ = m.Tick(ctx)
			if m.terminate.Load() {
				return m.Terminate(ctx, m.terminateWait.Load())
			}
		}
	}
}

// Tick runs one monitor iteration. Every step runs even when an earlier one fails.
func (m *Master) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start).Seconds()) }()

	var errs []error
	step := func(name string, err error) {
		if err == nil {
			return
		}
		metrics.IncTickError(name)
		m.log.Warn("tick step failed", "step", name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	step("heartbeat", m.heartbeat(ctx))
	for _, s := range m.snapshot() {
		step("supervisor_commands", m.drainCommands(ctx, s.Name(), s.Handle))
		step("supervisor_loop", s.Loop(ctx))
		step("supervisor_record", m.deps.Repos.Supervisors.Update(ctx, s.Record()))
	}
	step("master_commands", m.drainCommands(ctx, m.name, func(cmd repository.Command) error {
		return m.handle(ctx, cmd)
	}))
	if m.purgeDue.Swap(false) {
		step("purge", m.purge(ctx))
	}
	return errors.Join(errs...)
}

func (m *Master) drainCommands(ctx context.Context, name string, apply func(repository.Command) error) error {
	q, err := m.deps.Repos.CommandQueue()
	if err != nil {
		if errors.Is(err, repository.ErrUnsupported) {
			return nil
		}
		return err
	}
	cmds, err := q.Pending(ctx, name)
	if err != nil {
		return err
	}
	var errs []error
	for _, cmd := range cmds {
		if err := apply(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Master) handle(ctx context.Context, cmd repository.Command) error {
	switch cmd.Kind {
	case repository.CommandPause:
		m.Pause(ctx)
	case repository.CommandContinue:
		m.Continue(ctx)
	case repository.CommandTerminate:
		m.terminateWait.Store(cmd.Wait)
		m.terminate.Store(true)
	default:
		return fmt.Errorf("unknown master command %q", cmd.Kind)
	}
	return nil
}

func (m *Master) purge(ctx context.Context) error {
	_, err := m.deps.Purger.Run(ctx)
	return err
}
