package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/goodtune/rotator/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "owner-1"

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestPool(t *testing.T) (*Pool, *TestClock, storage.Store) {
	t.Helper()

	store := memory.New()
	clock := &TestClock{CurrentTime: t0}
	engine := New(store, Config{Clock: clock}, zerolog.Nop())
	return engine.Pool(testOwner), clock, store
}

// addAccount creates an account one minute after the previous one so
// creation order is unambiguous.
func addAccount(t *testing.T, pool *Pool, clock *TestClock, email string) *AccountView {
	t.Helper()

	clock.Advance(time.Minute)
	view, err := pool.CreateAccount(context.Background(), NewAccount{Email: email})
	require.NoError(t, err)
	return view
}

func setTimesUsed(t *testing.T, store storage.Store, accountID string, n int64) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		account, err := tx.Accounts().Get(ctx, testOwner, accountID)
		if err != nil {
			return err
		}
		account.TimesUsed = n
		return tx.Accounts().Update(ctx, account)
	}))
}

func storedQuota(t *testing.T, store storage.Store, accountID string, provider storage.Provider) storage.QuotaState {
	t.Helper()

	ctx := context.Background()
	var quota storage.QuotaState
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		q, err := tx.Quotas().Get(ctx, accountID, provider)
		if err != nil {
			return err
		}
		quota = *q
		return nil
	}))
	return quota
}

func openSessions(t *testing.T, store storage.Store) int {
	t.Helper()

	ctx := context.Background()
	count := 0
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		sessions, err := tx.Sessions().List(ctx, testOwner, storage.SessionFilter{})
		if err != nil {
			return err
		}
		for i := range sessions {
			if sessions[i].Open() {
				count++
			}
		}
		return nil
	}))
	return count
}

func ptr[T any](v T) *T { return &v }

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2025-06-01T10:00:00Z", want: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		{in: "2025-06-01T12:00:00+02:00", want: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		{in: "2025-06-01T05:30:00.5-04:30", want: time.Date(2025, 6, 1, 10, 0, 0, 5e8, time.UTC)},
		{in: "2025-06-01T10:00:00", wantErr: true},
		{in: "2025-06-01", wantErr: true},
		{in: "tomorrow", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseProvider(t *testing.T) {
	engine := New(memory.New(), Config{}, zerolog.Nop())

	p, err := engine.ParseProvider(" Anthropic ")
	require.NoError(t, err)
	assert.Equal(t, storage.ProviderAnthropic, p)

	_, err = engine.ParseProvider("openai")
	assert.ErrorIs(t, err, ErrInvalidInput)

	custom := New(memory.New(), Config{Providers: []storage.Provider{"gemini", "openai"}}, zerolog.Nop())
	assert.Equal(t, storage.Provider("gemini"), custom.Preferred())
	_, err = custom.ParseProvider("openai")
	assert.NoError(t, err)
}

func TestQuotaAvailability(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	account := addAccount(t, pool, clock, "a@example.com")

	resetAt := clock.Now().Add(time.Hour)
	_, err := pool.MarkExhausted(ctx, account.ID, storage.ProviderAnthropic, resetAt)
	require.NoError(t, err)

	available, err := pool.ListAvailable(ctx, storage.ProviderAnthropic)
	require.NoError(t, err)
	assert.Empty(t, available, "exhausted before reset time")

	clock.Advance(time.Hour - time.Nanosecond)
	available, err = pool.ListAvailable(ctx, storage.ProviderAnthropic)
	require.NoError(t, err)
	assert.Empty(t, available, "still exhausted one tick before reset")
	assert.Equal(t, storage.QuotaExhausted, storedQuota(t, store, account.ID, storage.ProviderAnthropic).Status)

	clock.Advance(time.Nanosecond)
	available, err = pool.ListAvailable(ctx, storage.ProviderAnthropic)
	require.NoError(t, err)
	require.Len(t, available, 1, "available exactly at reset time")

	quota := storedQuota(t, store, account.ID, storage.ProviderAnthropic)
	assert.Equal(t, storage.QuotaAvailable, quota.Status, "lazy reset is persisted")
	assert.Nil(t, quota.NextResetAt)
	assert.Nil(t, quota.ExhaustedAt)
}

func TestMarkExhaustedInPastSelfHeals(t *testing.T) {
	pool, clock, _ := newTestPool(t)
	ctx := context.Background()
	account := addAccount(t, pool, clock, "a@example.com")

	quota, err := pool.MarkExhausted(ctx, account.ID, storage.ProviderGemini, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.QuotaExhausted, quota.Status)

	quotas, err := pool.Quotas(ctx, account.ID)
	require.NoError(t, err)
	for _, q := range quotas {
		assert.Equal(t, storage.QuotaAvailable, q.Status, "provider %s", q.Provider)
	}
}

func TestMissingQuotaFailsOpen(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()

	// An account stored without quota records.
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Create(ctx, &storage.Account{
			ID:        "bare",
			OwnerID:   testOwner,
			Email:     "bare@example.com",
			CreatedAt: clock.Now(),
		})
	}))

	view, err := pool.GetAccount(ctx, "bare")
	require.NoError(t, err)
	assert.Equal(t, storage.ClassAvailable, view.Classification)

	session, err := pool.StartSession(ctx, "bare", storage.ProviderGemini)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = pool.EndSession(ctx, storage.EndReasonQuotaExhausted, ptr(clock.Now().Add(time.Hour)))
	require.NoError(t, err)

	quota := storedQuota(t, store, "bare", session.Provider)
	assert.Equal(t, storage.QuotaExhausted, quota.Status, "missing quota created on exhaustion")
}

func TestResetQuotaIdempotent(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	account := addAccount(t, pool, clock, "a@example.com")

	_, err := pool.MarkExhausted(ctx, account.ID, storage.ProviderAnthropic, clock.Now().Add(time.Hour))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		quota, err := pool.ResetQuota(ctx, account.ID, storage.ProviderAnthropic)
		require.NoError(t, err)
		assert.Equal(t, storage.QuotaAvailable, quota.Status)
	}
	assert.Equal(t, storage.NewQuota(account.ID, storage.ProviderAnthropic), storedQuota(t, store, account.ID, storage.ProviderAnthropic))

	_, err = pool.ResetQuota(ctx, "missing", storage.ProviderAnthropic)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = pool.ResetQuota(ctx, account.ID, "openai")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClassification(t *testing.T) {
	pool, clock, _ := newTestPool(t)
	ctx := context.Background()
	account := addAccount(t, pool, clock, "a@example.com")
	assert.Equal(t, storage.ClassAvailable, account.Classification)

	_, err := pool.MarkExhausted(ctx, account.ID, storage.ProviderAnthropic, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	view, err := pool.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ClassPartiallyLimited, view.Classification)

	_, err = pool.MarkExhausted(ctx, account.ID, storage.ProviderGemini, clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	view, err = pool.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ClassFullyLimited, view.Classification)

	clock.Advance(90 * time.Minute)
	view, err = pool.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ClassPartiallyLimited, view.Classification)
}

func TestSelectBestPrefersLeastUsed(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()

	a := addAccount(t, pool, clock, "a@example.com")
	b := addAccount(t, pool, clock, "b@example.com")
	setTimesUsed(t, store, a.ID, 3)
	setTimesUsed(t, store, b.ID, 1)
	_, err := pool.MarkExhausted(ctx, a.ID, storage.ProviderGemini, clock.Now().Add(time.Hour))
	require.NoError(t, err)

	best, err := pool.SelectBest(ctx, storage.ProviderAnthropic)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, b.ID, best.Account.ID)
	assert.Equal(t, storage.ProviderAnthropic, best.Provider)
}

func TestSelectBestDeterministic(t *testing.T) {
	pool, clock, _ := newTestPool(t)
	ctx := context.Background()

	first := addAccount(t, pool, clock, "first@example.com")
	addAccount(t, pool, clock, "second@example.com")
	addAccount(t, pool, clock, "third@example.com")

	for i := 0; i < 5; i++ {
		best, err := pool.SelectBest(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, first.ID, best.Account.ID, "equal usage falls back to oldest account")
	}
}

func TestSelectBestFallsBackToOtherProvider(t *testing.T) {
	pool, clock, _ := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")

	_, err := pool.MarkExhausted(ctx, a.ID, storage.ProviderAnthropic, clock.Now().Add(time.Hour))
	require.NoError(t, err)

	best, err := pool.SelectBest(ctx, storage.ProviderAnthropic)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, storage.ProviderGemini, best.Provider)

	_, err = pool.MarkExhausted(ctx, a.ID, storage.ProviderGemini, clock.Now().Add(time.Hour))
	require.NoError(t, err)

	best, err = pool.SelectBest(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestStartSessionPreconditions(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")
	b := addAccount(t, pool, clock, "b@example.com")

	_, err := pool.StartSession(ctx, "missing", storage.ProviderAnthropic)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = pool.MarkExhausted(ctx, b.ID, storage.ProviderGemini, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = pool.StartSession(ctx, b.ID, storage.ProviderGemini)
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	session, err := pool.StartSession(ctx, a.ID, storage.ProviderAnthropic)
	require.NoError(t, err)
	assert.True(t, session.Open())

	view, err := pool.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, view.Active)

	// Conflict is checked before the account and the quota.
	_, err = pool.StartSession(ctx, b.ID, storage.ProviderAnthropic)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = pool.StartSession(ctx, "missing", storage.ProviderAnthropic)
	assert.ErrorIs(t, err, ErrConflict)

	assert.Equal(t, 1, openSessions(t, store))

	active, err := pool.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, session.ID, active.ID)
}

func TestEndSession(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")

	ended, err := pool.EndSession(ctx, "", nil)
	require.NoError(t, err)
	assert.Nil(t, ended, "idle pool has nothing to end")

	_, err = pool.StartSession(ctx, a.ID, storage.ProviderAnthropic)
	require.NoError(t, err)
	clock.Advance(90 * time.Minute)

	ended, err = pool.EndSession(ctx, storage.EndReasonManual, ptr(clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.Equal(t, storage.EndReasonManual, ended.EndReason)
	assert.Equal(t, 90*time.Minute, ended.Duration)

	again, err := pool.EndSession(ctx, storage.EndReasonManual, nil)
	require.NoError(t, err)
	assert.Nil(t, again)

	view, err := pool.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, view.Active)
	assert.Equal(t, int64(1), view.TimesUsed, "second end does not count twice")
	assert.Equal(t, 90*time.Minute, view.UsedDuration)
	assert.Equal(t, storage.QuotaAvailable, storedQuota(t, store, a.ID, storage.ProviderAnthropic).Status,
		"manual end leaves the quota alone even with a reset time")

	_, err = pool.EndSession(ctx, "bogus", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEndSessionQuotaExhausted(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")

	_, err := pool.StartSession(ctx, a.ID, storage.ProviderAnthropic)
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)

	resetAt := clock.Now().Add(time.Hour)
	_, err = pool.EndSession(ctx, storage.EndReasonQuotaExhausted, &resetAt)
	require.NoError(t, err)

	quota := storedQuota(t, store, a.ID, storage.ProviderAnthropic)
	assert.Equal(t, storage.QuotaExhausted, quota.Status)
	require.NotNil(t, quota.NextResetAt)
	assert.True(t, quota.NextResetAt.Equal(resetAt))

	summary, err := pool.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExhaustedBy[storage.ProviderAnthropic])
	assert.Equal(t, 0, summary.ExhaustedBy[storage.ProviderGemini])
	assert.Equal(t, 1, summary.PartiallyLimited)
}

func TestEndSessionQuotaExhaustedWithoutResetKeepsQuota(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")

	_, err := pool.StartSession(ctx, a.ID, storage.ProviderAnthropic)
	require.NoError(t, err)
	_, err = pool.EndSession(ctx, storage.EndReasonQuotaExhausted, nil)
	require.NoError(t, err)

	assert.Equal(t, storage.QuotaAvailable, storedQuota(t, store, a.ID, storage.ProviderAnthropic).Status)
}

func TestRotateToNext(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")
	b := addAccount(t, pool, clock, "b@example.com")

	_, err := pool.StartSession(ctx, a.ID, storage.ProviderAnthropic)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	result, err := pool.RotateToNext(ctx, "", ptr(clock.Now().Add(5*time.Hour)), true)
	require.NoError(t, err)
	require.NotNil(t, result.EndedSession)
	assert.Equal(t, storage.EndReasonQuotaExhausted, result.EndedSession.EndReason, "rotation defaults to quota exhaustion")
	require.NotNil(t, result.NextAccount)
	assert.Equal(t, b.ID, result.NextAccount.ID)
	assert.Equal(t, storage.ProviderAnthropic, result.NextProvider)
	assert.True(t, result.Rotated)
	assert.False(t, result.NeedsUserChoice)
	require.NotNil(t, result.NewSession)
	assert.Equal(t, b.ID, result.NewSession.AccountID)
	assert.Equal(t, 1, openSessions(t, store))

	active, err := pool.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, result.NewSession.ID, active.ID)
}

func TestRotateToNextWithoutAutoStart(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")

	result, err := pool.RotateToNext(ctx, storage.EndReasonManual, nil, false)
	require.NoError(t, err)
	assert.Nil(t, result.EndedSession)
	require.NotNil(t, result.NextAccount)
	assert.Equal(t, a.ID, result.NextAccount.ID)
	assert.False(t, result.Rotated)
	assert.Nil(t, result.NewSession)
	assert.Equal(t, 0, openSessions(t, store))
}

func TestRotateToNextNeedsUserChoice(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")
	b := addAccount(t, pool, clock, "b@example.com")

	earliest := clock.Now().Add(2 * time.Hour)
	_, err := pool.MarkExhausted(ctx, b.ID, storage.ProviderAnthropic, clock.Now().Add(4*time.Hour))
	require.NoError(t, err)
	_, err = pool.StartSession(ctx, a.ID, storage.ProviderAnthropic)
	require.NoError(t, err)

	result, err := pool.RotateToNext(ctx, storage.EndReasonQuotaExhausted, &earliest, true)
	require.NoError(t, err)
	require.NotNil(t, result.EndedSession)
	assert.True(t, result.NeedsUserChoice)
	assert.False(t, result.Rotated)
	assert.Nil(t, result.NewSession, "never auto-starts on a non-preferred provider")
	assert.Equal(t, storage.ProviderGemini, result.NextProvider)
	require.NotNil(t, result.NextPreferredReset)
	assert.True(t, result.NextPreferredReset.Equal(earliest))
	assert.Equal(t, 0, openSessions(t, store))
}

func TestRotateToNextNoAccountAvailable(t *testing.T) {
	pool, clock, _ := newTestPool(t)
	ctx := context.Background()

	result, err := pool.RotateToNext(ctx, "", nil, true)
	require.NoError(t, err)
	assert.Nil(t, result.NextAccount)
	assert.False(t, result.Rotated)

	a := addAccount(t, pool, clock, "a@example.com")
	for _, provider := range storage.DefaultProviders {
		_, err := pool.MarkExhausted(ctx, a.ID, provider, clock.Now().Add(time.Hour))
		require.NoError(t, err)
	}

	best, err := pool.SelectBest(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, best)

	result, err = pool.RotateToNext(ctx, "", nil, true)
	require.NoError(t, err)
	assert.Nil(t, result.NextAccount)
	assert.Nil(t, result.NewSession)
	assert.False(t, result.NeedsUserChoice)
}

func TestSingleOpenSessionAcrossSequences(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	accounts := []*AccountView{
		addAccount(t, pool, clock, "a@example.com"),
		addAccount(t, pool, clock, "b@example.com"),
		addAccount(t, pool, clock, "c@example.com"),
	}

	steps := []func() error{
		func() error { _, err := pool.StartSession(ctx, accounts[0].ID, storage.ProviderAnthropic); return err },
		func() error { _, err := pool.StartSession(ctx, accounts[1].ID, storage.ProviderGemini); return err },
		func() error { _, err := pool.RotateToNext(ctx, "", ptr(clock.Now().Add(time.Hour)), true); return err },
		func() error { _, err := pool.RotateToNext(ctx, storage.EndReasonManual, nil, true); return err },
		func() error { _, err := pool.EndSession(ctx, "", nil); return err },
		func() error { _, err := pool.EndSession(ctx, "", nil); return err },
		func() error { _, err := pool.RotateToNext(ctx, "", nil, true); return err },
		func() error { _, err := pool.StartSession(ctx, accounts[2].ID, storage.ProviderGemini); return err },
	}

	for i, step := range steps {
		clock.Advance(10 * time.Minute)
		if err := step(); err != nil {
			require.True(t, errors.Is(err, ErrConflict) || errors.Is(err, ErrQuotaExhausted), "step %d: %v", i, err)
		}
		assert.LessOrEqual(t, openSessions(t, store), 1, "after step %d", i)

		active := 0
		views, err := pool.ListAccounts(ctx, ListOptions{})
		require.NoError(t, err)
		for _, v := range views {
			if v.Active {
				active++
			}
		}
		assert.Equal(t, openSessions(t, store), active, "account flags follow sessions after step %d", i)
	}
}

func TestConcurrentStartSession(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = addAccount(t, pool, clock, string(rune('a'+i))+"@example.com").ID
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = pool.StartSession(ctx, id, storage.ProviderAnthropic)
		}(i, id)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, openSessions(t, store))
}

func TestReclaimExpired(t *testing.T) {
	pool, clock, store := newTestPool(t)
	ctx := context.Background()
	a := addAccount(t, pool, clock, "a@example.com")
	b := addAccount(t, pool, clock, "b@example.com")

	_, err := pool.MarkExhausted(ctx, a.ID, storage.ProviderAnthropic, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = pool.MarkExhausted(ctx, b.ID, storage.ProviderGemini, clock.Now().Add(3*time.Hour))
	require.NoError(t, err)

	count, err := pool.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	clock.Advance(2 * time.Hour)
	count, err = pool.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, storage.QuotaAvailable, storedQuota(t, store, a.ID, storage.ProviderAnthropic).Status)
	assert.Equal(t, storage.QuotaExhausted, storedQuota(t, store, b.ID, storage.ProviderGemini).Status)

	next, err := pool.NextReset(ctx, storage.ProviderGemini)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(t0.Add(2*time.Minute+3*time.Hour)))

	next, err = pool.NextReset(ctx, storage.ProviderAnthropic)
	require.NoError(t, err)
	assert.Nil(t, next)
}
