//go:build !windows

// Package worker is the worker-side half of the pause protocol. A worker
// checks Flag before claiming each job; signals never interrupt a job that
// is already running.
package worker

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Flag tracks the pause and stop requests a supervisor sends to a worker:
// SIGUSR2 pauses, SIGCONT resumes, SIGTERM and SIGINT ask it to stop after
// the current job.
type Flag struct {
	mu       sync.Mutex
	paused   bool
	stopping bool
	changed  chan struct{} // closed and replaced on every state change
	stopOnce sync.Once
	done     chan struct{}
}

// New returns a Flag fed by the process's own signals. Call Stop to release them.
func New() *Flag {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGUSR2, syscall.SIGCONT, syscall.SIGTERM, syscall.SIGINT)
	f := Watch(ch)
	go func() {
		<-f.done
		signal.Stop(ch)
	}()
	return f
}

// Watch returns a Flag fed by signals read from ch.
func Watch(ch <-chan os.Signal) *Flag {
	f := &Flag{changed: make(chan struct{}), done: make(chan struct{})}
	go f.loop(ch)
	return f
}

func (f *Flag) loop(ch <-chan os.Signal) {
	for {
		select {
		case <-f.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			f.apply(sig)
		}
	}
}

func (f *Flag) apply(sig os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch sig {
	case syscall.SIGUSR2:
		f.paused = true
	case syscall.SIGCONT:
		f.paused = false
	case syscall.SIGTERM, syscall.SIGINT:
		f.stopping = true
	default:
		return
	}
	close(f.changed)
	f.changed = make(chan struct{})
}

// Paused reports whether the worker should hold off claiming new jobs.
func (f *Flag) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Stopping reports whether the worker should exit after its current job.
func (f *Flag) Stopping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopping
}

// Wait blocks while the worker is paused. It returns true when the worker
// may claim a job, false when it should stop or ctx is done.
func (f *Flag) Wait(ctx context.Context) bool {
	for {
		f.mu.Lock()
		paused, stopping, changed := f.paused, f.stopping, f.changed
		f.mu.Unlock()
		if stopping {
			return false
		}
		if !paused {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}

// Stop releases the signal subscription.
func (f *Flag) Stop() {
	f.stopOnce.Do(func() { close(f.done) })
}
