package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/horizon/internal/supervisor"
)

// Hooks returns supervisor hooks that write every worker start and exit to s.
// Write failures are logged and never block supervision.
func Hooks(s Store, logger *slog.Logger, timeout time.Duration) supervisor.Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return supervisor.Hooks{
		OnStart: func(ev supervisor.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			run := Run{Supervisor: ev.Supervisor, Queue: ev.Queue, Worker: ev.Worker, PID: ev.PID, StartedAt: ev.StartedAt}
			if err := s.RecordStart(ctx, run); err != nil {
				logger.Warn("record worker start", "worker", ev.Worker, "pid", ev.PID, "error", err)
			}
		},
		OnExit: func(ev supervisor.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			stopped := ev.StoppedAt
			if stopped.IsZero() {
				stopped = time.Now()
			}
			if err := s.RecordStop(ctx, UniqueKey(ev.PID, ev.StartedAt), stopped, ev.ExitErr, ev.Crashed); err != nil {
				logger.Warn("record worker exit", "worker", ev.Worker, "pid", ev.PID, "error", err)
			}
		},
	}
}

// Chain runs each hook set in order.
func Chain(hooks ...supervisor.Hooks) supervisor.Hooks {
	return supervisor.Hooks{
		OnStart: func(ev supervisor.Event) {
			for _, h := range hooks {
				if h.OnStart != nil {
					h.OnStart(ev)
				}
			}
		},
		OnExit: func(ev supervisor.Event) {
			for _, h := range hooks {
				if h.OnExit != nil {
					h.OnExit(ev)
				}
			}
		},
	}
}
