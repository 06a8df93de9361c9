package inspector

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/horizon/internal/repository"
	"github.com/loykin/horizon/internal/repository/memory"
)

type staticTable struct {
	entries []Entry
	err     error
}

func (s staticTable) List(context.Context) ([]Entry, error) { return s.entries, s.err }

func newInspector(t *testing.T, entries []Entry) (*Inspector, *repository.Set) {
	t.Helper()
	set := memory.New(time.Minute).Set()
	return &Inspector{
		Table:       staticTable{entries: entries},
		Signature:   "horizon:work",
		Masters:     set.Masters,
		Supervisors: set.Supervisors,
		SelfPID:     1,
	}, set
}

func TestOrphanedExcludesMonitoredChildren(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{
		{PID: 1, PPID: 0, Cmdline: "horizon horizon:work"}, // self
		{PID: 100, PPID: 1, Cmdline: "horizon --environment=production"},
		{PID: 101, PPID: 100, Cmdline: "php artisan horizon:work redis --queue=default"},
		{PID: 102, PPID: 100, Cmdline: "php artisan horizon:work redis --queue=emails"},
		{PID: 200, PPID: 1, Cmdline: "php artisan horizon:work redis --queue=default"},
		{PID: 201, PPID: 77, Cmdline: "php artisan horizon:work redis --queue=default"},
		{PID: 300, PPID: 1, Cmdline: "nginx: worker process"},
	}
	in, set := newInspector(t, entries)
	require.NoError(t, set.Masters.Update(ctx, repository.MasterRecord{Name: "web@h", PID: 100}))
	require.NoError(t, set.Supervisors.Update(ctx, repository.SupervisorRecord{Name: "web:s", PID: 100}))

	current, err := in.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102, 200, 201}, current)

	monitored, err := in.Monitoring(ctx)
	require.NoError(t, err)
	assert.Contains(t, monitored, 100)
	assert.Contains(t, monitored, 101)
	assert.NotContains(t, monitored, 200)

	orphans, err := in.Orphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{200, 201}, orphans)
}

func TestOrphanedExcludesShellWrappedWorkers(t *testing.T) {
	ctx := context.Background()
	in, set := newInspector(t, []Entry{
		{PID: 100, PPID: 1, Cmdline: "horizon --environment=production"},
		{PID: 101, PPID: 100, Cmdline: "/bin/sh -c cd /srv/app && php artisan horizon:work redis"},
		{PID: 102, PPID: 101, Cmdline: "php artisan horizon:work redis --queue=default"},
		{PID: 103, PPID: 102, Cmdline: "php artisan horizon:work redis --queue=default"},
		{PID: 200, PPID: 150, Cmdline: "/bin/sh -c php artisan horizon:work redis"},
		{PID: 201, PPID: 200, Cmdline: "php artisan horizon:work redis --queue=default"},
	})
	require.NoError(t, set.Masters.Update(ctx, repository.MasterRecord{Name: "web@h", PID: 100}))

	monitored, err := in.Monitoring(ctx)
	require.NoError(t, err)
	for _, pid := range []int{100, 101, 102, 103} {
		assert.Contains(t, monitored, pid)
	}

	orphans, err := in.Orphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{200, 201}, orphans)
}

func TestOwnerWithoutPIDClaimsNothing(t *testing.T) {
	ctx := context.Background()
	in, set := newInspector(t, []Entry{
		{PID: 10, PPID: 1, Cmdline: "worker horizon:work"},
		{PID: 11, PPID: 0, Cmdline: "worker horizon:work"},
	})
	in.SelfPID = 99
	require.NoError(t, set.Masters.Update(ctx, repository.MasterRecord{Name: "web@h"}))
	orphans, err := in.Orphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11}, orphans)
}

func TestOrphanedWithNoMastersReturnsAllWorkers(t *testing.T) {
	in, _ := newInspector(t, []Entry{
		{PID: 10, PPID: 9, Cmdline: "worker horizon:work"},
		{PID: 11, PPID: 9, Cmdline: "worker horizon:work"},
	})
	orphans, err := in.Orphaned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11}, orphans)
}

func TestEmptySignatureMatchesNothing(t *testing.T) {
	in, _ := newInspector(t, []Entry{{PID: 10, PPID: 9, Cmdline: "anything"}})
	in.Signature = ""
	orphans, err := in.Orphaned(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestTableErrorPropagates(t *testing.T) {
	in, _ := newInspector(t, nil)
	in.Table = staticTable{err: errors.New("boom")}
	_, err := in.Orphaned(context.Background())
	assert.Error(t, err)
}

func TestSystemTableSeesChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tests require sleep on Unix-like systems")
	}
	cmd := exec.Command("sleep", "2")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	time.Sleep(50 * time.Millisecond)

	entries, err := SystemTable{}.List(context.Background())
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.PID == cmd.Process.Pid {
			found = true
			assert.Equal(t, os.Getpid(), e.PPID)
			assert.Contains(t, e.Cmdline, "sleep 2")
		}
	}
	assert.True(t, found, "child not listed")
}
