// Package inspector finds worker processes that no live master or supervisor owns.
package inspector

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/horizon/internal/repository"
)

// Entry is one row of the OS process table.
type Entry struct {
	PID     int
	PPID    int
	Cmdline string
}

// Table lists running processes.
type Table interface {
	List(ctx context.Context) ([]Entry, error)
}

// SystemTable reads the process table through gopsutil.
type SystemTable struct{}

func (SystemTable) List(ctx context.Context) ([]Entry, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Entry, 0, len(procs))
	for _, p := range procs {
		// processes can vanish between listing and inspection
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Entry{PID: int(p.Pid), PPID: int(ppid), Cmdline: cmdline})
	}
	return out, nil
}

// Inspector classifies worker processes. It holds no state between calls.
type Inspector struct {
	Table       Table
	Signature   string // substring identifying worker command lines
	Masters     repository.MasterSupervisorRepository
	Supervisors repository.SupervisorRepository
	SelfPID     int
}

// New returns an Inspector over the system process table.
func New(signature string, masters repository.MasterSupervisorRepository, supervisors repository.SupervisorRepository) *Inspector {
	return &Inspector{
		Table:       SystemTable{},
		Signature:   signature,
		Masters:     masters,
		Supervisors: supervisors,
		SelfPID:     os.Getpid(),
	}
}

// Current returns the pids of every process whose command line carries the signature.
func (i *Inspector) Current(ctx context.Context) ([]int, error) {
	entries, err := i.Table.List(ctx)
	if err != nil {
		return nil, err
	}
	return i.current(entries), nil
}

func (i *Inspector) current(entries []Entry) []int {
	var out []int
	for _, e := range entries {
		if e.PID == i.SelfPID || i.Signature == "" {
			continue
		}
		if strings.Contains(e.Cmdline, i.Signature) {
			out = append(out, e.PID)
		}
	}
	sort.Ints(out)
	return out
}

// Monitoring returns the pids of live masters and supervisors plus every
// process descending from them. Workers run through a shell wrapper are
// grandchildren of their master, so the whole subtree counts.
func (i *Inspector) Monitoring(ctx context.Context) (map[int]struct{}, error) {
	entries, err := i.Table.List(ctx)
	if err != nil {
		return nil, err
	}
	return i.monitoring(ctx, entries)
}

func (i *Inspector) monitoring(ctx context.Context, entries []Entry) (map[int]struct{}, error) {
	var owners []int
	masters, err := i.Masters.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list masters: %w", err)
	}
	for _, m := range masters {
		owners = append(owners, m.PID)
	}
	sups, err := i.Supervisors.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list supervisors: %w", err)
	}
	for _, s := range sups {
		owners = append(owners, s.PID)
	}

	children := make(map[int][]int, len(entries))
	for _, e := range entries {
		children[e.PPID] = append(children[e.PPID], e.PID)
	}
	out := make(map[int]struct{}, len(owners))
	var queue []int
	for _, pid := range owners {
		// 0 and 1 would claim the whole table
		if pid <= 1 {
			continue
		}
		if _, seen := out[pid]; !seen {
			out[pid] = struct{}{}
			queue = append(queue, pid)
		}
	}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if _, seen := out[child]; !seen {
				out[child] = struct{}{}
				queue = append(queue, child)
			}
		}
	}
	return out, nil
}

// Orphaned returns worker pids that no live master or supervisor monitors.
func (i *Inspector) Orphaned(ctx context.Context) ([]int, error) {
	entries, err := i.Table.List(ctx)
	if err != nil {
		return nil, err
	}
	monitored, err := i.monitoring(ctx, entries)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, pid := range i.current(entries) {
		if _, ok := monitored[pid]; !ok {
			out = append(out, pid)
		}
	}
	return out, nil
}
