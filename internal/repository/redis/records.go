package redis

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/loykin/horizon/internal/repository"
)

type masters struct{ s *Store }

func (m masters) index() string             { return m.s.key("masters") }
func (m masters) recKey(name string) string { return m.s.key("master", name) }

func (m masters) Names(ctx context.Context) ([]string, error) {
	return m.s.liveNames(ctx, m.index())
}

func (m masters) All(ctx context.Context) ([]repository.MasterRecord, error) {
	names, err := m.Names(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = m.recKey(n)
	}
	raw, err := m.s.many(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]repository.MasterRecord, 0, len(raw))
	for _, b := range raw {
		var rec repository.MasterRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m masters) Find(ctx context.Context, name string) (*repository.MasterRecord, error) {
	b, err := m.s.get(ctx, m.recKey(name))
	if err != nil || b == nil {
		return nil, err
	}
	var rec repository.MasterRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m masters) Update(ctx context.Context, rec repository.MasterRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.s.now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.s.put(ctx, m.index(), m.recKey(rec.Name), rec.Name, b)
}

func (m masters) Forget(ctx context.Context, name string) error {
	pipe := m.s.rdb.TxPipeline()
	pipe.Del(ctx, m.recKey(name))
	pipe.ZRem(ctx, m.index(), name)
	_, err := pipe.Exec(ctx)
	return err
}

type supervisors struct{ s *Store }

func (r supervisors) index() string             { return r.s.key("supervisors") }
func (r supervisors) recKey(name string) string { return r.s.key("supervisor", name) }

func (r supervisors) Names(ctx context.Context) ([]string, error) {
	return r.s.liveNames(ctx, r.index())
}

func (r supervisors) All(ctx context.Context) ([]repository.SupervisorRecord, error) {
	names, err := r.Names(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = r.recKey(n)
	}
	raw, err := r.s.many(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]repository.SupervisorRecord, 0, len(raw))
	for _, b := range raw {
		var rec repository.SupervisorRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r supervisors) Find(ctx context.Context, name string) (*repository.SupervisorRecord, error) {
	b, err := r.s.get(ctx, r.recKey(name))
	if err != nil || b == nil {
		return nil, err
	}
	var rec repository.SupervisorRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r supervisors) LongestActiveTimeout(ctx context.Context) (time.Duration, error) {
	all, err := r.All(ctx)
	if err != nil {
		return 0, err
	}
	var longest time.Duration
	for _, rec := range all {
		if rec.Timeout > longest {
			longest = rec.Timeout
		}
	}
	return longest, nil
}

func (r supervisors) Update(ctx context.Context, rec repository.SupervisorRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.s.now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.s.put(ctx, r.index(), r.recKey(rec.Name), rec.Name, b)
}

func (r supervisors) Forget(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	keys := make([]string, len(names))
	members := make([]interface{}, len(names))
	for i, n := range names {
		keys[i] = r.recKey(n)
		members[i] = n
	}
	pipe := r.s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, r.index(), members...)
	_, err := pipe.Exec(ctx)
	return err
}
