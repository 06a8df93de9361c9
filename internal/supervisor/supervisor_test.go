package supervisor

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/horizon/internal/process"
	"github.com/loykin/horizon/internal/queue"
	"github.com/loykin/horizon/internal/repository"
)

type fakeWorker struct {
	mu      sync.Mutex
	pid     int
	name    string
	started time.Time
	alive   bool
	stopAt  time.Time
	signals []syscall.Signal
	exitErr error
}

func (w *fakeWorker) PID() int             { return w.pid }
func (w *fakeWorker) StartedAt() time.Time { return w.started }

func (w *fakeWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

func (w *fakeWorker) Signal(sig syscall.Signal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signals = append(w.signals, sig)
	return nil
}

func (w *fakeWorker) Terminate() error {
	w.mu.Lock()
	if w.stopAt.IsZero() {
		w.stopAt = time.Now()
	}
	w.mu.Unlock()
	return w.Signal(syscall.SIGTERM)
}

func (w *fakeWorker) Kill() error {
	w.mu.Lock()
	if w.stopAt.IsZero() {
		w.stopAt = time.Now()
	}
	w.alive = false
	w.mu.Unlock()
	return w.Signal(syscall.SIGKILL)
}

func (w *fakeWorker) Stopping() (bool, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopAt.IsZero(), w.stopAt
}

func (w *fakeWorker) Snapshot() process.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return process.Status{Name: w.name, PID: w.pid, Running: w.alive, StartedAt: w.started, ExitErr: w.exitErr}
}

// crash simulates an exit the supervisor did not ask for.
func (w *fakeWorker) crash() {
	w.mu.Lock()
	w.alive = false
	w.exitErr = errors.New("exit status 1")
	w.mu.Unlock()
}

func (w *fakeWorker) received(sig syscall.Signal) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.signals {
		if s == sig {
			return true
		}
	}
	return false
}

type fakeSpawner struct {
	mu      sync.Mutex
	next    int
	clock   *fakeClock
	workers []*fakeWorker
	specs   []process.Spec
	fail    bool
}

func (f *fakeSpawner) Spawn(spec process.Spec) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("fork failed")
	}
	f.next++
	started := time.Unix(0, 0).Add(time.Duration(f.next) * time.Second)
	if f.clock != nil {
		started = f.clock.Now().Add(time.Duration(f.next) * time.Millisecond)
	}
	w := &fakeWorker{pid: 1000 + f.next, name: spec.Name, started: started, alive: true}
	f.workers = append(f.workers, w)
	f.specs = append(f.specs, spec)
	return w, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func baseOptions() Options {
	return Options{
		Name:    "web:supervisor-1",
		Master:  "web@host",
		Command: "php artisan horizon:work",
		Queues:  []string{"default"},
	}
}

func newTestSupervisor(t *testing.T, opts Options, backlog queue.Reader) (*Supervisor, *fakeSpawner, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	sp := &fakeSpawner{clock: clock}
	s, err := New(opts, Deps{Spawner: sp, Backlog: backlog, Now: clock.Now, PID: 4242})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	return s, sp, clock
}

func TestNoneBalanceRunsMaxProcessesOnJoinedQueues(t *testing.T) {
	opts := baseOptions()
	opts.Queues = []string{"high", "low"}
	opts.MaxProcesses = 3
	s, sp, _ := newTestSupervisor(t, opts, nil)

	assert.Equal(t, map[string]int{"high,low": 3}, s.Counts())
	require.Len(t, sp.specs, 3)
	assert.Contains(t, sp.specs[0].Command, "--queue=high,low")
}

func TestSimpleBalanceSplitsEvenly(t *testing.T) {
	opts := baseOptions()
	opts.Queues = []string{"a", "b", "c", "d"}
	opts.Balance = BalanceSimple
	opts.MaxProcesses = 6
	s, _, _ := newTestSupervisor(t, opts, nil)

	assert.Equal(t, map[string]int{"a": 2, "b": 2, "c": 1, "d": 1}, s.Counts())
}

func TestAutoScalesUpOneStepPerTickUntilMax(t *testing.T) {
	backlog := queue.NewStatic()
	backlog.Set("default", queue.Backlog{Pending: 50, OldestAge: 30 * time.Second})
	opts := baseOptions()
	opts.Balance = BalanceAuto
	opts.MinProcesses = 1
	opts.MaxProcesses = 5
	opts.BalanceCooldown = 0
	s, _, _ := newTestSupervisor(t, opts, backlog)

	assert.Equal(t, 1, s.Counts()["default"])
	var seen []int
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Loop(context.Background()))
		seen = append(seen, s.Counts()["default"])
	}
	assert.Equal(t, []int{2, 3, 4, 5, 5, 5}, seen)
}

func TestAutoScalesDownOldestFirst(t *testing.T) {
	backlog := queue.NewStatic()
	backlog.Set("default", queue.Backlog{Pending: 5, OldestAge: time.Minute})
	opts := baseOptions()
	opts.Balance = BalanceAuto
	opts.MinProcesses = 1
	opts.MaxProcesses = 3
	opts.BalanceMaxShift = 2
	s, sp, clock := newTestSupervisor(t, opts, backlog)

	require.NoError(t, s.Loop(context.Background()))
	assert.Equal(t, 3, s.Counts()["default"])

	backlog.Set("default", queue.Backlog{})
	clock.Advance(time.Second)
	require.NoError(t, s.Loop(context.Background()))
	assert.Equal(t, 1, s.Counts()["default"])

	// the two oldest workers got SIGTERM, the newest keeps running
	assert.True(t, sp.workers[0].received(syscall.SIGTERM))
	assert.True(t, sp.workers[1].received(syscall.SIGTERM))
	assert.False(t, sp.workers[2].received(syscall.SIGTERM))
}

func TestAutoStaysWithinBoundsAndHonorsCooldown(t *testing.T) {
	backlog := queue.NewStatic()
	opts := baseOptions()
	opts.Balance = BalanceAuto
	opts.MinProcesses = 2
	opts.MaxProcesses = 4
	opts.BalanceMaxShift = 3
	opts.BalanceCooldown = 3 * time.Second
	s, _, clock := newTestSupervisor(t, opts, backlog)

	var lastChange time.Time
	prev := s.Desired()["default"]
	pattern := []queue.Backlog{
		{Pending: 10, OldestAge: time.Minute}, {}, {Pending: 1, OldestAge: time.Second}, {}, {Pending: 3, OldestAge: 5 * time.Second},
	}
	for i := 0; i < 40; i++ {
		backlog.Set("default", pattern[i%len(pattern)])
		require.NoError(t, s.Loop(context.Background()))
		cur := s.Desired()["default"]
		require.GreaterOrEqual(t, cur, 2)
		require.LessOrEqual(t, cur, 4)
		if cur != prev {
			if !lastChange.IsZero() {
				require.GreaterOrEqual(t, clock.Now().Sub(lastChange), 3*time.Second)
			}
			lastChange = clock.Now()
			prev = cur
		}
		clock.Advance(time.Second)
	}
	assert.False(t, lastChange.IsZero(), "expected at least one scaling change")
}

func TestAutoSkipsUnsupportedBacklog(t *testing.T) {
	opts := baseOptions()
	opts.Balance = BalanceAuto
	opts.MaxProcesses = 3
	opts.Connection = "sqs"
	rdb := queue.NewRedis(nil, "redis", "")
	s, _, _ := newTestSupervisor(t, opts, rdb)
	require.NoError(t, s.Loop(context.Background()))
	assert.Equal(t, 1, s.Counts()["default"])
}

func TestCrashedWorkerIsReplacedAndReported(t *testing.T) {
	opts := baseOptions()
	opts.MaxProcesses = 2
	var mu sync.Mutex
	var exits []Event
	clock := newFakeClock()
	sp := &fakeSpawner{clock: clock}
	s, err := New(opts, Deps{Spawner: sp, Now: clock.Now, Hooks: Hooks{OnExit: func(e Event) {
		mu.Lock()
		exits = append(exits, e)
		mu.Unlock()
	}}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	sp.workers[0].crash()
	require.NoError(t, s.Loop(context.Background()))

	assert.Equal(t, 2, s.Counts()["default"])
	assert.Len(t, sp.workers, 3)
	require.Len(t, exits, 1)
	assert.True(t, exits[0].Crashed)
	assert.Equal(t, sp.workers[0].pid, exits[0].PID)
}

func TestPausedSupervisorDoesNotRestartOrBalance(t *testing.T) {
	backlog := queue.NewStatic()
	backlog.Set("default", queue.Backlog{Pending: 9, OldestAge: time.Minute})
	opts := baseOptions()
	opts.Balance = BalanceAuto
	opts.MaxProcesses = 3
	s, sp, _ := newTestSupervisor(t, opts, backlog)

	s.Pause()
	assert.True(t, s.Paused())
	assert.True(t, sp.workers[0].received(syscall.SIGUSR2))
	assert.Equal(t, repository.StatusPaused, s.Record().Status)

	sp.workers[0].crash()
	require.NoError(t, s.Loop(context.Background()))
	assert.Equal(t, 0, s.Counts()["default"])
	assert.Len(t, sp.workers, 1)

	backlog.Set("default", queue.Backlog{})
	s.Continue()
	require.NoError(t, s.Loop(context.Background()))
	assert.Equal(t, 1, s.Counts()["default"])
}

func TestContinueSignalsWorkers(t *testing.T) {
	s, sp, _ := newTestSupervisor(t, baseOptions(), nil)
	require.NoError(t, s.Handle(repository.Command{Kind: repository.CommandPause}))
	require.NoError(t, s.Handle(repository.Command{Kind: repository.CommandContinue}))
	assert.True(t, sp.workers[0].received(syscall.SIGCONT))
	assert.False(t, s.Paused())
	assert.Error(t, s.Handle(repository.Command{Kind: "explode"}))
}

func TestTerminateThenKillOverdue(t *testing.T) {
	opts := baseOptions()
	opts.MaxProcesses = 2
	opts.Timeout = 10 * time.Second
	s, sp, clock := newTestSupervisor(t, opts, nil)

	s.Terminate()
	for _, w := range sp.workers {
		assert.True(t, w.received(syscall.SIGTERM))
	}
	assert.False(t, s.Drained())
	assert.Len(t, s.PIDs(), 2)

	// terminating workers are not replaced
	require.NoError(t, s.Loop(context.Background()))
	assert.Len(t, sp.workers, 2)

	sp.workers[0].crash()
	// fake workers record their stop time on the real clock; move the fake one far ahead
	clock.Advance(time.Since(clock.Now()) + time.Minute)
	require.NoError(t, s.Loop(context.Background()))
	assert.True(t, sp.workers[1].received(syscall.SIGKILL))
	assert.True(t, s.Drained())
}

func TestKillSignalsEveryLiveWorker(t *testing.T) {
	opts := baseOptions()
	opts.MaxProcesses = 2
	s, sp, _ := newTestSupervisor(t, opts, nil)
	s.Kill()
	assert.True(t, sp.workers[0].received(syscall.SIGKILL))
	assert.True(t, s.Drained())
}

func TestStartReportsSpawnFailure(t *testing.T) {
	sp := &fakeSpawner{fail: true}
	s, err := New(baseOptions(), Deps{Spawner: sp})
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, 0, s.Counts()["default"])
}

func TestRecordProjection(t *testing.T) {
	opts := baseOptions()
	opts.Timeout = 90 * time.Second
	s, _, clock := newTestSupervisor(t, opts, nil)
	rec := s.Record()
	assert.Equal(t, "web:supervisor-1", rec.Name)
	assert.Equal(t, "web@host", rec.Master)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, repository.StatusRunning, rec.Status)
	assert.Equal(t, 90*time.Second, rec.Timeout)
	assert.Equal(t, map[string]int{"default": 1}, rec.Processes)
	assert.Equal(t, clock.Now(), rec.UpdatedAt)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{Name: "x"}, Deps{Spawner: &fakeSpawner{}})
	assert.Error(t, err)
	_, err = New(baseOptions(), Deps{})
	assert.Error(t, err)
}
