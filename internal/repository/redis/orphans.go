package redis

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"github.com/loykin/horizon/internal/repository"
)

type processes struct{ s *Store }

func (p processes) ledger(master string) string { return p.s.key(master, "orphans") }

func (p processes) Orphaned(ctx context.Context, master string, pids []int) ([]int, error) {
	key := p.ledger(master)
	stamp := strconv.FormatInt(p.s.now().UnixMilli(), 10)

	added := make([]*redis.BoolCmd, len(pids))
	if len(pids) > 0 {
		_, err := p.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, pid := range pids {
				added[i] = pipe.HSetNX(ctx, key, strconv.Itoa(pid), stamp)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	var fresh []int
	for i, cmd := range added {
		if cmd.Val() {
			fresh = append(fresh, pids[i])
		}
	}

	recorded, err := p.s.rdb.HKeys(ctx, key).Result()
	if err != nil {
		return fresh, err
	}
	current := make(map[string]struct{}, len(pids))
	for _, pid := range pids {
		current[strconv.Itoa(pid)] = struct{}{}
	}
	var gone []string
	for _, f := range recorded {
		if _, ok := current[f]; !ok {
			gone = append(gone, f)
		}
	}
	if len(gone) > 0 {
		if err := p.s.rdb.HDel(ctx, key, gone...).Err(); err != nil {
			return fresh, err
		}
	}
	return fresh, nil
}

func (p processes) OrphanedFor(ctx context.Context, master string, timeout time.Duration) ([]int, error) {
	all, err := p.AllOrphans(ctx, master)
	if err != nil {
		return nil, err
	}
	now := p.s.now()
	var out []int
	for pid, at := range all {
		if now.Sub(at) >= timeout {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (p processes) ForgetOrphans(ctx context.Context, master string, pids []int) error {
	if len(pids) == 0 {
		return nil
	}
	fields := make([]string, len(pids))
	for i, pid := range pids {
		fields[i] = strconv.Itoa(pid)
	}
	return p.s.rdb.HDel(ctx, p.ledger(master), fields...).Err()
}

func (p processes) AllOrphans(ctx context.Context, master string) (map[int]time.Time, error) {
	raw, err := p.s.rdb.HGetAll(ctx, p.ledger(master)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int]time.Time, len(raw))
	for f, v := range raw {
		pid, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[pid] = time.UnixMilli(ms)
	}
	return out, nil
}

type commands struct{ s *Store }

func (c commands) queue(name string) string { return c.s.key("commands", name) }

func (c commands) Push(ctx context.Context, name string, cmd repository.Command) error {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = c.s.now()
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.s.rdb.RPush(ctx, c.queue(name), b).Err()
}

func (c commands) Pending(ctx context.Context, name string) ([]repository.Command, error) {
	key := c.queue(name)
	var lr *redis.StringSliceCmd
	_, err := c.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lr = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]repository.Command, 0, len(lr.Val()))
	for _, raw := range lr.Val() {
		var cmd repository.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}
