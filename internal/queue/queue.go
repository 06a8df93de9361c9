// Package queue reads queue backlog for balancing and clears queues on request.
// Jobs themselves are produced and consumed by the workers, never here.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
)

// ErrUnsupported is returned for connections a reader does not serve.
var ErrUnsupported = errors.New("queue: unsupported connection")

// Backlog is the pressure signal the auto balancer consumes.
type Backlog struct {
	Pending   int
	OldestAge time.Duration
}

// Reader reports the backlog of one queue on a connection.
type Reader interface {
	Backlog(ctx context.Context, connection, queue string) (Backlog, error)
}

// Purger removes every pending job from a queue and reports how many were removed.
type Purger interface {
	Purge(ctx context.Context, connection, queue string) (int64, error)
}

// Redis reads Laravel-style list queues: pending payloads live in the list
// "queues:<name>" with the oldest at index 0.
type Redis struct {
	rdb        redis.UniversalClient
	connection string
	prefix     string
	now        func() time.Time
}

// NewRedis serves the named connection from rdb.
func NewRedis(rdb redis.UniversalClient, connection, prefix string) *Redis {
	if connection == "" {
		connection = "redis"
	}
	if prefix == "" {
		prefix = "queues:"
	}
	return &Redis{rdb: rdb, connection: connection, prefix: prefix, now: time.Now}
}

// SetClock replaces the time source used for payload ages.
func (r *Redis) SetClock(now func() time.Time) { r.now = now }

func (r *Redis) Backlog(ctx context.Context, connection, queue string) (Backlog, error) {
	if connection != r.connection {
		return Backlog{}, fmt.Errorf("%w: %s", ErrUnsupported, connection)
	}
	key := r.prefix + queue
	var llen *redis.IntCmd
	var head *redis.StringCmd
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, key)
		head = pipe.LIndex(ctx, key, 0)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Backlog{}, err
	}
	b := Backlog{Pending: int(llen.Val())}
	if b.Pending == 0 {
		return b, nil
	}
	if pushed, ok := pushedAt(head.Val()); ok {
		if age := r.now().Sub(pushed); age > 0 {
			b.OldestAge = age
		}
	}
	return b, nil
}

func (r *Redis) Purge(ctx context.Context, connection, queue string) (int64, error) {
	if connection != r.connection {
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, connection)
	}
	key := r.prefix + queue
	var llen *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, key)
		pipe.Del(ctx, key, key+":delayed", key+":reserved", key+":notify")
		return nil
	})
	if err != nil {
		return 0, err
	}
	return llen.Val(), nil
}

// pushedAt extracts the enqueue time from a job payload. The field is unix
// seconds, written either as a number or as a numeric string.
func pushedAt(payload string) (time.Time, bool) {
	var p struct {
		PushedAt any `json:"pushedAt"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return time.Time{}, false
	}
	var secs float64
	switch v := p.PushedAt.(type) {
	case float64:
		secs = v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	default:
		return time.Time{}, false
	}
	if secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(secs*float64(time.Second))), true
}

// Static serves fixed backlogs keyed by queue name. It is safe for concurrent use.
type Static struct {
	mu   sync.Mutex
	data map[string]Backlog
}

// NewStatic returns an empty Static reader.
func NewStatic() *Static { return &Static{data: make(map[string]Backlog)} }

// Set replaces the backlog reported for queue.
func (s *Static) Set(queue string, b Backlog) {
	s.mu.Lock()
	s.data[queue] = b
	s.mu.Unlock()
}

func (s *Static) Backlog(_ context.Context, _ string, queue string) (Backlog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[queue], nil
}

func (s *Static) Purge(_ context.Context, _ string, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(s.data[queue].Pending)
	delete(s.data, queue)
	return n, nil
}
