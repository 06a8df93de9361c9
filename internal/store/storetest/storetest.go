// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/horizon/internal/store"
)

// Exercise runs the shared backend checks against an empty store.
func Exercise(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// idempotent
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	runs := []store.Run{
		{Supervisor: "web:supervisor-1", Queue: "default", Worker: "web-supervisor-1-default-1", PID: 101, StartedAt: base},
		{Supervisor: "web:supervisor-1", Queue: "default", Worker: "web-supervisor-1-default-2", PID: 102, StartedAt: base.Add(time.Second)},
		{Supervisor: "api:supervisor-1", Queue: "emails", Worker: "api-supervisor-1-emails-1", PID: 201, StartedAt: base.Add(2 * time.Second)},
	}
	for _, r := range runs {
		if err := s.RecordStart(ctx, r); err != nil {
			t.Fatalf("record start %d: %v", r.PID, err)
		}
	}

	running, err := s.Running(ctx, "web:")
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if len(running) != 2 || running[0].PID != 102 || running[1].PID != 101 {
		t.Fatalf("unexpected running set: %+v", running)
	}
	if !running[0].Running || running[0].Queue != "default" || running[0].Worker != "web-supervisor-1-default-2" {
		t.Fatalf("unexpected run fields: %+v", running[0])
	}

	stopped := base.Add(time.Minute)
	if err := s.RecordStop(ctx, runs[0].Key(), stopped, errors.New("exit status 255"), true); err != nil {
		t.Fatalf("record stop: %v", err)
	}
	if err := s.RecordStop(ctx, runs[1].Key(), stopped, nil, false); err != nil {
		t.Fatalf("record stop: %v", err)
	}

	running, err = s.Running(ctx, "web:")
	if err != nil {
		t.Fatalf("running after stop: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected no running web runs, got %+v", running)
	}

	hist, err := s.History(ctx, "web:", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(hist))
	}
	crashed := hist[1]
	if crashed.PID != 101 || !crashed.Crashed || !crashed.ExitErr.Valid || crashed.ExitErr.String != "exit status 255" {
		t.Fatalf("unexpected crashed run: %+v", crashed)
	}
	if !crashed.StoppedAt.Valid || !crashed.StoppedAt.Time.Equal(stopped) {
		t.Fatalf("unexpected stopped_at: %+v", crashed.StoppedAt)
	}
	if hist[0].Crashed || hist[0].ExitErr.Valid {
		t.Fatalf("clean exit recorded as failure: %+v", hist[0])
	}

	limited, err := s.History(ctx, "", 1)
	if err != nil {
		t.Fatalf("history limit: %v", err)
	}
	if len(limited) != 1 || limited[0].PID != 201 {
		t.Fatalf("unexpected limited history: %+v", limited)
	}

	n, err := s.PurgeOlderThan(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged rows, got %d", n)
	}
	all, err := s.History(ctx, "", 10)
	if err != nil {
		t.Fatalf("history after purge: %v", err)
	}
	if len(all) != 1 || all[0].PID != 201 {
		t.Fatalf("running run must survive purge: %+v", all)
	}
}
