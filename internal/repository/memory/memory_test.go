package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/horizon/internal/repository"
)

func TestMastersFindMissingReturnsNil(t *testing.T) {
	set := New(time.Minute).Set()
	rec, err := set.Masters.Find(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMastersUpdateAndNames(t *testing.T) {
	ctx := context.Background()
	set := New(time.Minute).Set()
	require.NoError(t, set.Masters.Update(ctx, repository.MasterRecord{Name: "b@h", PID: 2, Status: repository.StatusRunning}))
	require.NoError(t, set.Masters.Update(ctx, repository.MasterRecord{Name: "a@h", PID: 1, Status: repository.StatusPaused}))

	names, err := set.Masters.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@h", "b@h"}, names)

	rec, err := set.Masters.Find(ctx, "a@h")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Paused())

	require.NoError(t, set.Masters.Forget(ctx, "a@h"))
	all, _ := set.Masters.All(ctx)
	require.Len(t, all, 1)
	assert.Equal(t, "b@h", all[0].Name)
}

func TestRecordsExpireAfterTTL(t *testing.T) {
	ctx := context.Background()
	set := New(50 * time.Millisecond).Set()
	require.NoError(t, set.Supervisors.Update(ctx, repository.SupervisorRecord{Name: "h:s", Timeout: time.Second}))
	time.Sleep(120 * time.Millisecond)
	rec, err := set.Supervisors.Find(ctx, "h:s")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLongestActiveTimeout(t *testing.T) {
	ctx := context.Background()
	set := New(time.Minute).Set()
	d, err := set.Supervisors.LongestActiveTimeout(ctx)
	require.NoError(t, err)
	assert.Zero(t, d)

	_ = set.Supervisors.Update(ctx, repository.SupervisorRecord{Name: "h:a", Timeout: 30 * time.Second})
	_ = set.Supervisors.Update(ctx, repository.SupervisorRecord{Name: "h:b", Timeout: 90 * time.Second})
	d, _ = set.Supervisors.LongestActiveTimeout(ctx)
	assert.Equal(t, 90*time.Second, d)

	require.NoError(t, set.Supervisors.Forget(ctx, "h:a", "h:b"))
	names, _ := set.Supervisors.Names(ctx)
	assert.Empty(t, names)
}

func TestOrphanedReturnsOnlyNewPIDs(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)
	set := s.Set()

	fresh, err := set.Processes.Orphaned(ctx, "m", []int{10, 11})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{10, 11}, fresh)

	fresh, err = set.Processes.Orphaned(ctx, "m", []int{10, 11, 12})
	require.NoError(t, err)
	assert.Equal(t, []int{12}, fresh)

	// 11 is no longer orphaned and drops out of the ledger
	_, _ = set.Processes.Orphaned(ctx, "m", []int{10, 12})
	all, _ := set.Processes.AllOrphans(ctx, "m")
	assert.Len(t, all, 2)
	assert.NotContains(t, all, 11)
}

func TestOrphanedForBoundary(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)
	base := time.Unix(1_700_000_000, 0)
	now := base
	s.SetClock(func() time.Time { return now })
	set := s.Set()

	_, _ = set.Processes.Orphaned(ctx, "m", []int{7})

	now = base.Add(59 * time.Second)
	got, _ := set.Processes.OrphanedFor(ctx, "m", time.Minute)
	assert.Empty(t, got)

	now = base.Add(time.Minute)
	got, _ = set.Processes.OrphanedFor(ctx, "m", time.Minute)
	assert.Equal(t, []int{7}, got)

	require.NoError(t, set.Processes.ForgetOrphans(ctx, "m", got))
	got, _ = set.Processes.OrphanedFor(ctx, "m", 0)
	assert.Empty(t, got)
}

func TestCommandQueueDrains(t *testing.T) {
	ctx := context.Background()
	set := New(time.Minute).Set()
	q, err := set.CommandQueue()
	require.NoError(t, err)

	require.NoError(t, q.Push(ctx, "h:s", repository.Command{Kind: repository.CommandPause}))
	require.NoError(t, q.Push(ctx, "h:s", repository.Command{Kind: repository.CommandContinue}))

	cmds, err := q.Pending(ctx, "h:s")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, repository.CommandPause, cmds[0].Kind)
	assert.False(t, cmds[0].IssuedAt.IsZero())

	cmds, _ = q.Pending(ctx, "h:s")
	assert.Empty(t, cmds)
}
