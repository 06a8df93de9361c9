// Package redis implements the repository contracts on a shared Redis, so
// masters on several hosts and the CLI observe the same records.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loykin/horizon/internal/repository"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "horizon:"

// Options configures the Redis connection.
// When SentinelAddrs is set a failover client is used instead of a direct one.
type Options struct {
	Addr          string
	Password      string
	DB            int
	MasterName    string
	SentinelAddrs []string
	Prefix        string
	TTL           time.Duration
}

// Dial returns a client for opts. It does not contact the server.
func Dial(opts Options) redis.UniversalClient {
	if len(opts.SentinelAddrs) > 0 {
		name := opts.MasterName
		if name == "" {
			name = "mymaster"
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       name,
			SentinelAddrs:    opts.SentinelAddrs,
			SentinelPassword: opts.Password,
			Password:         opts.Password,
			DB:               opts.DB,
		})
	}
	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: opts.Password, DB: opts.DB})
}

// Store implements every repository contract against one client.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// New wraps rdb. A zero ttl selects repository.DefaultTTL.
func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = repository.DefaultTTL
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

// Open dials Redis, checks connectivity and returns the repository bundle.
func Open(ctx context.Context, opts Options) (*repository.Set, redis.UniversalClient, error) {
	rdb := Dial(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return New(rdb, opts.Prefix, opts.TTL).Set(), rdb, nil
}

// SetClock replaces the time source used for record scores and orphan ages.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Set returns the repository bundle backed by s. Closing it closes the client.
func (s *Store) Set() *repository.Set {
	return repository.NewSet(masters{s}, supervisors{s}, processes{s}, commands{s}, s.rdb.Close)
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// liveNames drops index members older than the TTL and returns the rest in score order.
func (s *Store) liveNames(ctx context.Context, index string) ([]string, error) {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	if err := s.rdb.ZRemRangeByScore(ctx, index, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, err
	}
	return s.rdb.ZRange(ctx, index, 0, -1).Result()
}

func (s *Store) put(ctx context.Context, index, key, member string, payload []byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, s.ttl)
		pipe.ZAdd(ctx, index, &redis.Z{Score: float64(s.now().UnixMilli()), Member: member})
		return nil
	})
	return err
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

// many fetches keys in one round trip, skipping expired ones.
func (s *Store) many(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, []byte(str))
		}
	}
	return out, nil
}
