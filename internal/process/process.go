//go:build !windows

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNotStarted is returned by operations that need a running OS process.
var ErrNotStarted = errors.New("process: not started")

// Process is a handle on one forked worker. A waiter goroutine reaps the child
// and closes Done; signal methods never block on exit.
type Process struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	stopAt    time.Time // when Terminate or Kill was first requested
	done      chan struct{}
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(spec Spec) *Process { return &Process{spec: spec, status: Status{Name: spec.Name}} }

// Name returns the configured worker name.
func (p *Process) Name() string { return p.spec.Name }

// configure builds the command with workdir, environment, output and its own
// process group so signals reach shell-wrapped children too.
func (p *Process) configure() (*exec.Cmd, error) {
	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		cmd.Env = p.spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outW, errW, err := p.spec.Log.Writers(p.spec.Name)
	if err != nil {
		return nil, err
	}
	if outW == nil {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		outW, errW = null, nopWriteCloser{null}
	}
	p.mu.Lock()
	p.outCloser, p.errCloser = outW, errW
	p.mu.Unlock()
	cmd.Stdout = outW
	cmd.Stderr = errW
	return cmd, nil
}

// Start forks the worker. It fails if the process was already started.
func (p *Process) Start() error {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if started {
		return fmt.Errorf("start %s: already started", p.spec.Name)
	}
	cmd, err := p.configure()
	if err != nil {
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	done := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.done = done
	p.status.PID = cmd.Process.Pid
	p.status.Running = true
	p.status.StartedAt = time.Now()
	p.mu.Unlock()

	if p.spec.Nice != 0 {
		// best effort; an unprivileged supervisor may not lower niceness
		_ = syscall.Setpriority(syscall.PRIO_PROCESS, cmd.Process.Pid, p.spec.Nice)
	}
	go p.wait(cmd, done)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.mu.Unlock()
	p.closeWriters()
	close(done)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	out, errW := p.outCloser, p.errCloser
	p.outCloser, p.errCloser = nil, nil
	p.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

// PID returns the OS pid, 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// StartedAt returns when the worker was forked.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.StartedAt
}

// Done is closed once the worker has exited and been reaped. Nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Alive reports whether the worker was started and has not exited.
func (p *Process) Alive() bool {
	d := p.Done()
	if d == nil {
		return false
	}
	select {
	case <-d:
		return false
	default:
		return true
	}
}

// Stopping reports whether termination was requested, and since when.
func (p *Process) Stopping() (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopAt.IsZero(), p.stopAt
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status
	s.Stopping = !p.stopAt.IsZero()
	return s
}

// Signal delivers sig to the worker's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	pid := p.PID()
	if pid <= 0 {
		return ErrNotStarted
	}
	if !p.Alive() {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return &SignalError{PID: pid, Signal: sig, Err: err}
	}
	return nil
}

func (p *Process) markStopping() {
	p.mu.Lock()
	if p.stopAt.IsZero() {
		p.stopAt = time.Now()
	}
	p.mu.Unlock()
}

// Terminate asks the worker to finish its current job and exit.
func (p *Process) Terminate() error {
	p.markStopping()
	return p.Signal(syscall.SIGTERM)
}

// Kill ends the worker immediately.
func (p *Process) Kill() error {
	p.markStopping()
	return p.Signal(syscall.SIGKILL)
}

// Stop terminates the worker and waits up to wait for it to exit before killing it.
func (p *Process) Stop(wait time.Duration) error {
	d := p.Done()
	if d == nil {
		return nil
	}
	if err := p.Terminate(); err != nil {
		return err
	}
	select {
	case <-d:
		return nil
	case <-time.After(wait):
	}
	if err := p.Kill(); err != nil {
		return err
	}
	select {
	case <-d:
	case <-time.After(time.Second):
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
