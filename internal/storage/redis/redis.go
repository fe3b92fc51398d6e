package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/rotator/internal/config"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix  = "rotator"
	defaultLockTTL    = 10 * time.Second
	defaultLockWait   = 5 * time.Second
	lockRetryInterval = 25 * time.Millisecond
)

// ErrLockTimeout is returned by Update when the write lock stays taken for
// longer than the configured wait.
var ErrLockTimeout = errors.New("redis: timed out waiting for write lock")

// Store implements the storage.Store interface using Redis.
//
// Writers serialize on a single lock key. Reads inside Update see the
// transaction's own writes; the writes themselves are queued and applied in
// one MULTI/EXEC block after fn returns nil.
type Store struct {
	client   *redis.Client
	keys     keyspace
	lockTTL  time.Duration
	lockWait time.Duration
	release  *redis.Script
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := parseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := parseDuration(cfg.ReadTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := parseDuration(cfg.WriteTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	lockTTL, err := parseDuration(cfg.LockTTL, defaultLockTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid lock_ttl: %w", err)
	}

	lockWait, err := parseDuration(cfg.LockWait, defaultLockWait)
	if err != nil {
		return nil, fmt.Errorf("invalid lock_wait: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &Store{
		client:   client,
		keys:     keyspace{prefix: prefix},
		lockTTL:  lockTTL,
		lockWait: lockWait,
		release:  redis.NewScript(releaseLockScript),
	}, nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// View runs fn against the live keyspace. Writes are rejected.
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newTxn(s, true))
}

// Update runs fn under the write lock and commits its queued writes
// atomically when fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	token, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer s.releaseLock(token)

	t := newTxn(s, false)
	if err := fn(t); err != nil {
		return err
	}
	return t.commit(ctx)
}

func (s *Store) acquireLock(ctx context.Context) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(s.lockWait)

	for {
		ok, err := s.client.SetNX(ctx, s.keys.lock(), token, s.lockTTL).Result()
		if err != nil {
			return "", fmt.Errorf("acquire write lock: %w", err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// releaseLock runs on its own context so a cancelled caller still frees
// the lock.
func (s *Store) releaseLock(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = s.release.Run(ctx, s.client, []string{s.keys.lock()}, token).Err()
}
