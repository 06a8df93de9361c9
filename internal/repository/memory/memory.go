// Package memory implements the repository contracts in process memory.
// Records expire through go-cache; it backs single-host setups and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/loykin/horizon/internal/repository"
)

// Store holds every repository in one place so a master and CLI commands in the
// same process observe the same state.
type Store struct {
	ttl         time.Duration
	masters     *gocache.Cache
	supervisors *gocache.Cache

	mu       sync.Mutex
	orphans  map[string]map[int]time.Time
	commands map[string][]repository.Command

	now func() time.Time
}

// New returns a Store whose master and supervisor records expire after ttl.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = repository.DefaultTTL
	}
	return &Store{
		ttl:         ttl,
		masters:     gocache.New(ttl, ttl),
		supervisors: gocache.New(ttl, ttl),
		orphans:     make(map[string]map[int]time.Time),
		commands:    make(map[string][]repository.Command),
		now:         time.Now,
	}
}

// SetClock replaces the time source used for orphan ages.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Set returns the repository bundle backed by s.
func (s *Store) Set() *repository.Set {
	return repository.NewSet(masters{s}, supervisors{s}, processes{s}, commands{s}, nil)
}

func sortedKeys(c *gocache.Cache) []string {
	items := c.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type masters struct{ s *Store }

func (m masters) Names(_ context.Context) ([]string, error) {
	return sortedKeys(m.s.masters), nil
}

func (m masters) All(ctx context.Context) ([]repository.MasterRecord, error) {
	names, _ := m.Names(ctx)
	out := make([]repository.MasterRecord, 0, len(names))
	for _, n := range names {
		if v, ok := m.s.masters.Get(n); ok {
			out = append(out, v.(repository.MasterRecord))
		}
	}
	return out, nil
}

func (m masters) Find(_ context.Context, name string) (*repository.MasterRecord, error) {
	v, ok := m.s.masters.Get(name)
	if !ok {
		return nil, nil
	}
	rec := v.(repository.MasterRecord)
	return &rec, nil
}

func (m masters) Update(_ context.Context, rec repository.MasterRecord) error {
	rec.Supervisors = append([]string(nil), rec.Supervisors...)
	m.s.masters.Set(rec.Name, rec, m.s.ttl)
	return nil
}

func (m masters) Forget(_ context.Context, name string) error {
	m.s.masters.Delete(name)
	return nil
}

type supervisors struct{ s *Store }

func (r supervisors) Names(_ context.Context) ([]string, error) {
	return sortedKeys(r.s.supervisors), nil
}

func (r supervisors) All(ctx context.Context) ([]repository.SupervisorRecord, error) {
	names, _ := r.Names(ctx)
	out := make([]repository.SupervisorRecord, 0, len(names))
	for _, n := range names {
		if v, ok := r.s.supervisors.Get(n); ok {
			out = append(out, v.(repository.SupervisorRecord))
		}
	}
	return out, nil
}

func (r supervisors) Find(_ context.Context, name string) (*repository.SupervisorRecord, error) {
	v, ok := r.s.supervisors.Get(name)
	if !ok {
		return nil, nil
	}
	rec := v.(repository.SupervisorRecord)
	return &rec, nil
}

func (r supervisors) LongestActiveTimeout(ctx context.Context) (time.Duration, error) {
	all, _ := r.All(ctx)
	var longest time.Duration
	for _, rec := range all {
		if rec.Timeout > longest {
			longest = rec.Timeout
		}
	}
	return longest, nil
}

func (r supervisors) Update(_ context.Context, rec repository.SupervisorRecord) error {
	procs := make(map[string]int, len(rec.Processes))
	for k, v := range rec.Processes {
		procs[k] = v
	}
	rec.Processes = procs
	rec.Queues = append([]string(nil), rec.Queues...)
	r.s.supervisors.Set(rec.Name, rec, r.s.ttl)
	return nil
}

func (r supervisors) Forget(_ context.Context, names ...string) error {
	for _, n := range names {
		r.s.supervisors.Delete(n)
	}
	return nil
}

type processes struct{ s *Store }

func (p processes) Orphaned(_ context.Context, master string, pids []int) ([]int, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	now := p.s.now()
	ledger := p.s.orphans[master]
	if ledger == nil {
		ledger = make(map[int]time.Time)
		p.s.orphans[master] = ledger
	}
	current := make(map[int]struct{}, len(pids))
	var fresh []int
	for _, pid := range pids {
		current[pid] = struct{}{}
		if _, ok := ledger[pid]; !ok {
			ledger[pid] = now
			fresh = append(fresh, pid)
		}
	}
	for pid := range ledger {
		if _, ok := current[pid]; !ok {
			delete(ledger, pid)
		}
	}
	return fresh, nil
}

func (p processes) OrphanedFor(_ context.Context, master string, timeout time.Duration) ([]int, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	now := p.s.now()
	var out []int
	for pid, at := range p.s.orphans[master] {
		if now.Sub(at) >= timeout {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (p processes) ForgetOrphans(_ context.Context, master string, pids []int) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	ledger := p.s.orphans[master]
	for _, pid := range pids {
		delete(ledger, pid)
	}
	return nil
}

func (p processes) AllOrphans(_ context.Context, master string) (map[int]time.Time, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	out := make(map[int]time.Time, len(p.s.orphans[master]))
	for pid, at := range p.s.orphans[master] {
		out[pid] = at
	}
	return out, nil
}

type commands struct{ s *Store }

func (c commands) Push(_ context.Context, name string, cmd repository.Command) error {
	c.s.mu.Lock()
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = c.s.now()
	}
	c.s.commands[name] = append(c.s.commands[name], cmd)
	c.s.mu.Unlock()
	return nil
}

func (c commands) Pending(_ context.Context, name string) ([]repository.Command, error) {
	c.s.mu.Lock()
	out := c.s.commands[name]
	delete(c.s.commands, name)
	c.s.mu.Unlock()
	return out, nil
}
