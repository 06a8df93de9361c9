package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/horizon/internal/metrics"
	"github.com/loykin/horizon/internal/process"
	"github.com/loykin/horizon/internal/queue"
	"github.com/loykin/horizon/internal/repository"
)

// Deps are the collaborators a supervisor uses. Only Spawner is required.
type Deps struct {
	Spawner Spawner
	Backlog queue.Reader
	Logger  *slog.Logger
	Hooks   Hooks
	Now     func() time.Time
	PID     int // pid recorded in the repository, defaults to os.Getpid()
}

// pool is the set of workers consuming one queue (or every queue when balancing is off).
type pool struct {
	queue       string
	desired     int
	workers     []Worker
	terminating []Worker
	lastScaled  time.Time
	seq         int
}

// Supervisor owns the worker pools of one plan entry. All methods are safe for
// concurrent use, though the master drives it from a single goroutine.
type Supervisor struct {
	opts    Options
	spawner Spawner
	backlog queue.Reader
	log     *slog.Logger
	hooks   Hooks
	now     func() time.Time
	pid     int

	mu          sync.Mutex
	pools       []*pool
	paused      bool
	terminating bool
}

// New validates opts and lays out the pools; no worker is started until Start.
func New(opts Options, deps Deps) (*Supervisor, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Spawner == nil {
		return nil, errors.New("supervisor: spawner is required")
	}
	s := &Supervisor{
		opts:    opts,
		spawner: deps.Spawner,
		backlog: deps.Backlog,
		log:     deps.Logger,
		hooks:   deps.Hooks,
		now:     deps.Now,
		pid:     deps.PID,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("supervisor", opts.Name)
	if s.now == nil {
		s.now = time.Now
	}
	if s.pid == 0 {
		s.pid = os.Getpid()
	}
	switch opts.Balance {
	case BalanceSimple:
		for i, n := range simpleSplit(opts.MaxProcesses, len(opts.Queues)) {
			s.pools = append(s.pools, &pool{queue: opts.Queues[i], desired: n})
		}
	case BalanceAuto:
		for _, q := range opts.Queues {
			s.pools = append(s.pools, &pool{queue: q, desired: opts.MinProcesses})
		}
	default:
		s.pools = []*pool{{queue: strings.Join(opts.Queues, ","), desired: opts.MaxProcesses}}
	}
	return s, nil
}

func (s *Supervisor) Name() string     { return s.opts.Name }
func (s *Supervisor) Options() Options { return s.opts }

// Start forks the initial workers of every pool.
func (s *Supervisor) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, p := range s.pools {
		if err := s.fill(p, false); err != nil {
			errs = append(errs, err)
		}
		metrics.SetPoolProcesses(s.opts.Name, p.queue, p.desired)
	}
	return errors.Join(errs...)
}

// Loop runs one supervision tick: exited workers are reaped and replaced
// first, then pools are balanced. A paused or terminating supervisor only reaps.
func (s *Supervisor) Loop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, p := range s.pools {
		s.reap(p)
	}
	if s.paused || s.terminating {
		return nil
	}
	for _, p := range s.pools {
		if err := s.fill(p, true); err != nil {
			errs = append(errs, err)
		}
	}
	if s.opts.Balance == BalanceAuto {
		for _, p := range s.pools {
			if err := s.balance(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// reap drops exited workers and kills terminating ones that overran the timeout.
func (s *Supervisor) reap(p *pool) {
	live := p.workers[:0]
	for _, w := range p.workers {
		if w.Alive() {
			live = append(live, w)
			continue
		}
		stopping, _ := w.Stopping()
		s.exited(p, w, !stopping)
	}
	p.workers = live

	now := s.now()
	draining := p.terminating[:0]
	for _, w := range p.terminating {
		if !w.Alive() {
			s.exited(p, w, false)
			continue
		}
		if _, since := w.Stopping(); !since.IsZero() && now.Sub(since) > s.opts.Timeout {
			if err := w.Kill(); err != nil {
				s.log.Warn("kill overdue worker", "pid", w.PID(), "error", err)
			} else {
				s.log.Warn("killed worker past timeout", "pid", w.PID(), "timeout", s.opts.Timeout)
				metrics.IncWorkerKill(s.opts.Name)
			}
		}
		draining = append(draining, w)
	}
	p.terminating = draining
}

func (s *Supervisor) exited(p *pool, w Worker, crashed bool) {
	st := w.Snapshot()
	if crashed {
		s.log.Warn("worker exited unexpectedly", "queue", p.queue, "pid", st.PID, "error", st.ExitErr)
		metrics.IncWorkerRestart(s.opts.Name, p.queue)
	} else {
		s.log.Debug("worker exited", "queue", p.queue, "pid", st.PID)
	}
	if s.hooks.OnExit != nil {
		s.hooks.OnExit(Event{
			Supervisor: s.opts.Name, Queue: p.queue, Worker: st.Name, PID: st.PID,
			StartedAt: st.StartedAt, StoppedAt: st.StoppedAt, ExitErr: st.ExitErr, Crashed: crashed,
		})
	}
}

// fill spawns workers until the pool reaches its desired count, or terminates
// the oldest ones when it is above it.
func (s *Supervisor) fill(p *pool, replacing bool) error {
	if over := len(p.workers) - p.desired; over > 0 {
		sort.SliceStable(p.workers, func(i, j int) bool {
			return p.workers[i].StartedAt().Before(p.workers[j].StartedAt())
		})
		for _, w := range p.workers[:over] {
			if err := w.Terminate(); err != nil {
				s.log.Warn("terminate worker", "pid", w.PID(), "error", err)
			}
			p.terminating = append(p.terminating, w)
		}
		p.workers = append([]Worker(nil), p.workers[over:]...)
		return nil
	}
	var errs []error
	for len(p.workers) < p.desired {
		w, err := s.spawn(p)
		if err != nil {
			errs = append(errs, err)
			break
		}
		p.workers = append(p.workers, w)
		if replacing {
			s.log.Info("worker started", "queue", p.queue, "pid", w.PID())
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) spawn(p *pool) (Worker, error) {
	p.seq++
	name := sanitize(s.opts.Name) + "-" + sanitize(p.queue) + "-" + strconv.Itoa(p.seq)
	spec := process.Spec{
		Name:    name,
		Command: s.opts.WorkerCommand(p.queue),
		WorkDir: s.opts.WorkDir,
		Env:     append([]string(nil), s.opts.Env...),
		Nice:    s.opts.Nice,
		Log:     s.opts.Log,
	}
	w, err := s.spawner.Spawn(spec)
	if err != nil {
		return nil, fmt.Errorf("spawn worker for %s: %w", p.queue, err)
	}
	metrics.IncWorkerStart(s.opts.Name, p.queue)
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(Event{Supervisor: s.opts.Name, Queue: p.queue, Worker: name, PID: w.PID(), StartedAt: w.StartedAt()})
	}
	return w, nil
}

// balance applies one auto-balancing decision to p, honoring the cooldown.
func (s *Supervisor) balance(ctx context.Context, p *pool) error {
	if s.backlog == nil {
		return nil
	}
	now := s.now()
	if !p.lastScaled.IsZero() && now.Sub(p.lastScaled) < s.opts.BalanceCooldown {
		return nil
	}
	b, err := s.backlog.Backlog(ctx, s.opts.Connection, p.queue)
	if err != nil {
		if errors.Is(err, queue.ErrUnsupported) {
			s.log.Debug("backlog unavailable, skipping balance", "queue", p.queue)
			return nil
		}
		return fmt.Errorf("read backlog %s: %w", p.queue, err)
	}
	target := autoTarget(p.desired, b, s.opts)
	if target == p.desired {
		return nil
	}
	delta := target - p.desired
	s.log.Info("scaling pool", "queue", p.queue, "from", p.desired, "to", target,
		"pending", b.Pending, "oldest_age", b.OldestAge)
	p.desired = target
	p.lastScaled = now
	metrics.RecordScale(s.opts.Name, p.queue, delta)
	metrics.SetPoolProcesses(s.opts.Name, p.queue, target)
	return s.fill(p, true)
}

// Pause asks every worker to stop taking new jobs.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.signalAll(syscall.SIGUSR2)
	metrics.SetPaused(s.opts.Name, true)
}

// Continue resumes paused workers.
func (s *Supervisor) Continue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.signalAll(syscall.SIGCONT)
	metrics.SetPaused(s.opts.Name, false)
}

func (s *Supervisor) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Supervisor) signalAll(sig syscall.Signal) {
	for _, p := range s.pools {
		for _, w := range p.workers {
			if err := w.Signal(sig); err != nil {
				s.log.Warn("signal worker", "pid", w.PID(), "signal", process.SignalName(sig), "error", err)
			}
		}
	}
}

// Terminate sends SIGTERM to every worker and stops replacing them.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminating = true
	for _, p := range s.pools {
		for _, w := range p.workers {
			if err := w.Terminate(); err != nil {
				s.log.Warn("terminate worker", "pid", w.PID(), "error", err)
			}
			p.terminating = append(p.terminating, w)
		}
		p.workers = nil
	}
}

// Kill sends SIGKILL to every worker still alive.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		for _, w := range append(append([]Worker(nil), p.workers...), p.terminating...) {
			if w.Alive() {
				_ = w.Kill()
			}
		}
	}
}

// Drained reports whether every worker has exited.
func (s *Supervisor) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		for _, w := range p.workers {
			if w.Alive() {
				return false
			}
		}
		for _, w := range p.terminating {
			if w.Alive() {
				return false
			}
		}
	}
	return true
}

// Counts returns the live, non-terminating worker count per pool.
func (s *Supervisor) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.pools))
	for _, p := range s.pools {
		out[p.queue] = len(p.workers)
	}
	return out
}

// Desired returns the target worker count per pool.
func (s *Supervisor) Desired() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.pools))
	for _, p := range s.pools {
		out[p.queue] = p.desired
	}
	return out
}

// PIDs returns the pids of every tracked worker, terminating ones included.
func (s *Supervisor) PIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, p := range s.pools {
		for _, w := range p.workers {
			out = append(out, w.PID())
		}
		for _, w := range p.terminating {
			out = append(out, w.PID())
		}
	}
	return out
}

// Record projects the supervisor into its repository record.
func (s *Supervisor) Record() repository.SupervisorRecord {
	status := repository.StatusRunning
	if s.Paused() {
		status = repository.StatusPaused
	}
	return repository.SupervisorRecord{
		Name:      s.opts.Name,
		Master:    s.opts.Master,
		PID:       s.pid,
		Status:    status,
		Balance:   string(s.opts.Balance),
		Queues:    append([]string(nil), s.opts.Queues...),
		Processes: s.Counts(),
		Timeout:   s.opts.Timeout,
		UpdatedAt: s.now(),
	}
}

// Handle applies a repository-mediated command.
func (s *Supervisor) Handle(cmd repository.Command) error {
	switch cmd.Kind {
	case repository.CommandPause:
		s.Pause()
	case repository.CommandContinue:
		s.Continue()
	case repository.CommandTerminate:
		s.Terminate()
	default:
		return fmt.Errorf("supervisor %s: unknown command %q", s.opts.Name, cmd.Kind)
	}
	s.log.Info("command applied", "command", cmd.Kind)
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ',', '/', '@', ' ':
			return '_'
		}
		return r
	}, s)
}
