package rotation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/rotator/internal/config"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/goodtune/rotator/internal/storage/bolt"
	"github.com/goodtune/rotator/internal/storage/memory"
	"github.com/goodtune/rotator/internal/storage/redis"
	"github.com/goodtune/rotator/internal/storage/sqldb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sqliteSeq atomic.Int64

func backends() []struct {
	name string
	open func(t *testing.T) storage.Store
} {
	return []struct {
		name string
		open func(t *testing.T) storage.Store
	}{
		{"memory", func(t *testing.T) storage.Store { return memory.New() }},
		{"bolt", func(t *testing.T) storage.Store {
			store, err := bolt.Open(filepath.Join(t.TempDir(), "rotator.bolt"))
			require.NoError(t, err)
			return store
		}},
		{"bolt-transient", func(t *testing.T) storage.Store {
			store, err := bolt.OpenTransient(filepath.Join(t.TempDir(), "rotator.bolt"))
			require.NoError(t, err)
			return store
		}},
		{"sqlite", func(t *testing.T) storage.Store {
			store, err := sqldb.Open(fmt.Sprintf("file:engine_%d?mode=memory&cache=shared", sqliteSeq.Add(1)))
			require.NoError(t, err)
			return store
		}},
		{"redis", func(t *testing.T) storage.Store {
			mr := miniredis.RunT(t)
			store, err := redis.Open(config.RedisConfig{
				Host:         mr.Addr(),
				PoolSize:     4,
				DialTimeout:  "5s",
				ReadTimeout:  "3s",
				WriteTimeout: "3s",
				KeyPrefix:    "engine",
				LockTTL:      "10s",
				LockWait:     "1s",
			})
			require.NoError(t, err)
			return store
		}},
	}
}

func TestRotationLifecycleOnEveryBackend(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.open(t)
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			clock := &TestClock{CurrentTime: t0}
			pool := New(store, Config{Clock: clock}, zerolog.Nop()).Pool(testOwner)

			a := addAccount(t, pool, clock, "a@example.com")
			b := addAccount(t, pool, clock, "b@example.com")

			first, err := pool.StartSession(ctx, a.ID, storage.ProviderAnthropic)
			require.NoError(t, err)
			_, err = pool.StartSession(ctx, b.ID, storage.ProviderAnthropic)
			require.ErrorIs(t, err, ErrConflict)

			clock.Advance(time.Hour)
			resetAt := clock.Now().Add(2 * time.Hour)
			result, err := pool.RotateToNext(ctx, storage.EndReasonQuotaExhausted, &resetAt, true)
			require.NoError(t, err)
			require.NotNil(t, result.EndedSession)
			assert.Equal(t, first.ID, result.EndedSession.ID)
			assert.Equal(t, time.Hour, result.EndedSession.Duration)
			require.NotNil(t, result.NewSession)
			assert.Equal(t, b.ID, result.NewSession.AccountID)
			assert.True(t, result.Rotated)
			assert.Equal(t, 1, openSessions(t, store))

			quota := storedQuota(t, store, a.ID, storage.ProviderAnthropic)
			assert.True(t, quota.Exhausted())
			require.NotNil(t, quota.NextResetAt)
			assert.True(t, quota.NextResetAt.Equal(resetAt))

			next, err := pool.NextReset(ctx, storage.ProviderAnthropic)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.True(t, next.Equal(resetAt))

			summary, err := pool.Summarize(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, summary.Total)
			assert.Equal(t, 1, summary.Available)
			assert.Equal(t, 1, summary.PartiallyLimited)
			assert.Equal(t, 1, summary.ExhaustedBy[storage.ProviderAnthropic])
			assert.Equal(t, 1.0, summary.TotalHours)
			assert.Equal(t, string(storage.ProviderAnthropic), summary.MostUsedProvider)

			clock.Advance(3 * time.Hour)
			reclaimed, err := pool.ReclaimExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, reclaimed)
			assert.False(t, storedQuota(t, store, a.ID, storage.ProviderAnthropic).Exhausted())

			ended, err := pool.EndSession(ctx, storage.EndReasonManual, nil)
			require.NoError(t, err)
			require.NotNil(t, ended)
			assert.Equal(t, 3*time.Hour, ended.Duration)

			stats, err := pool.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.TotalSessions)
			assert.Equal(t, 4.0, stats.TotalHours)

			view, err := pool.GetAccount(ctx, b.ID)
			require.NoError(t, err)
			assert.False(t, view.Active)
			assert.Equal(t, int64(1), view.TimesUsed)
			assert.Equal(t, 3*time.Hour, view.UsedDuration)
		})
	}
}
