package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/portside/anchor/internal/shared"
	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes a key only when it still holds the expected
// value. GET and DEL must happen in one atomic step or a lock that expired
// between them could be freed out from under its new owner.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

const (
	connectTimeout = 5 * time.Second
	scanBatchSize  = 256
)

// RedisConfig configures a RedisStore. URL wins over Addr when both are set.
type RedisConfig struct {
	URL      string // redis://[:password@]host:port/db
	Addr     string
	Password string
	DB       int
	Logger   *slog.Logger
}

// RedisStore implements Store on a single Redis instance.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		addr := cfg.Addr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		opts = &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, &shared.UnavailableError{Op: "kv.connect", Err: err}
	}

	logger.Debug("redis store connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := checkWrite(key, ttl); err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, &shared.UnavailableError{Op: "kv.setnx", Err: err}
	}
	return ok, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := checkWrite(key, ttl); err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &shared.UnavailableError{Op: "kv.set", Err: err}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", &shared.NotFoundError{Kind: "key", Key: key}
	}
	if err != nil {
		return "", &shared.UnavailableError{Op: "kv.get", Err: err}
	}
	return val, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, &shared.UnavailableError{Op: "kv.del", Err: err}
	}
	return n, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, &shared.UnavailableError{Op: "kv.compare_and_delete", Err: err}
	}
	return res == 1, nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	// SCAN, never KEYS: the match runs incrementally and may return a key
	// more than once, so results are deduplicated before sorting.
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, &shared.UnavailableError{Op: "kv.keys", Err: err}
		}
		for _, k := range batch {
			seen[k] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, &shared.UnavailableError{Op: "kv.ttl", Err: err}
	}
	// PTTL reports -2ms for a missing key and -1ms for a key with no expiry.
	if d == -2*time.Millisecond {
		return 0, &shared.NotFoundError{Kind: "key", Key: key}
	}
	if d == -1*time.Millisecond {
		return -1, nil
	}
	return d, nil
}

// ServerTime returns the Redis server clock. Callers use it to detect skew
// between the process and the instance that enforces lock TTLs.
func (s *RedisStore) ServerTime(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, &shared.UnavailableError{Op: "kv.time", Err: err}
	}
	return t, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &shared.UnavailableError{Op: "kv.ping", Err: err}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func checkWrite(key string, ttl time.Duration) error {
	if key == "" {
		return &shared.ValidationError{Msg: "key must not be empty"}
	}
	if ttl <= 0 {
		return &shared.ValidationError{Msg: fmt.Sprintf("ttl must be positive, got %s", ttl)}
	}
	return nil
}
