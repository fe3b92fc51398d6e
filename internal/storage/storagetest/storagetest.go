// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a fresh, empty store. The caller closes it.
type Opener func(t *testing.T) storage.Store

const (
	ownerA = "owner-a"
	ownerB = "owner-b"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store storage.Store)
	}{
		{"AccountLifecycle", testAccountLifecycle},
		{"AccountOwnerScope", testAccountOwnerScope},
		{"AccountEmailUnique", testAccountEmailUnique},
		{"AccountDeleteCascades", testAccountDeleteCascades},
		{"QuotaLifecycle", testQuotaLifecycle},
		{"SessionOpenIndex", testSessionOpenIndex},
		{"SessionSingleOpenPerOwner", testSessionSingleOpenPerOwner},
		{"SessionListOrderAndFilter", testSessionListOrderAndFilter},
		{"UpdateRollsBack", testUpdateRollsBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := open(t)
			defer func() { _ = store.Close() }()
			tt.fn(t, store)
		})
	}
}

func update(t *testing.T, store storage.Store, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error { return fn(ctx, tx) }))
}

func view(t *testing.T, store storage.Store, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error { return fn(ctx, tx) }))
}

func newAccount(id, owner, email string, created time.Time) *storage.Account {
	return &storage.Account{
		ID:        id,
		OwnerID:   owner,
		Email:     email,
		CreatedAt: created,
	}
}

func testAccountLifecycle(t *testing.T, store storage.Store) {
	account := newAccount("acct-1", ownerA, "one@example.com", base)
	account.DisplayName = "Primary"

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		return tx.Accounts().Create(ctx, account)
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		got, err := tx.Accounts().Get(ctx, ownerA, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "Primary", got.DisplayName)
		assert.Equal(t, "one@example.com", got.Email)
		assert.True(t, got.CreatedAt.Equal(base), "created_at round trip: %v", got.CreatedAt)
		assert.False(t, got.Active)
		return nil
	})

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		got, err := tx.Accounts().Get(ctx, ownerA, "acct-1")
		if err != nil {
			return err
		}
		got.Active = true
		got.TimesUsed = 3
		got.UsedDuration = 90 * time.Minute
		return tx.Accounts().Update(ctx, got)
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		got, err := tx.Accounts().Get(ctx, ownerA, "acct-1")
		require.NoError(t, err)
		assert.True(t, got.Active)
		assert.Equal(t, int64(3), got.TimesUsed)
		assert.Equal(t, 90*time.Minute, got.UsedDuration)
		return nil
	})

	ctx := context.Background()
	err := store.Update(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Create(ctx, newAccount("acct-1", ownerA, "other@example.com", base))
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	err = store.Update(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Update(ctx, newAccount("missing", ownerA, "x@example.com", base))
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAccountOwnerScope(t *testing.T, store storage.Store) {
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Accounts().Create(ctx, newAccount("b-1", ownerA, "b@example.com", base.Add(time.Minute))); err != nil {
			return err
		}
		if err := tx.Accounts().Create(ctx, newAccount("a-1", ownerA, "a@example.com", base)); err != nil {
			return err
		}
		return tx.Accounts().Create(ctx, newAccount("c-1", ownerB, "a@example.com", base))
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		accounts, err := tx.Accounts().List(ctx, ownerA)
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "a-1", accounts[0].ID, "oldest account first")
		assert.Equal(t, "b-1", accounts[1].ID)

		_, err = tx.Accounts().Get(ctx, ownerB, "a-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})

	ctx := context.Background()
	err := store.Update(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Delete(ctx, ownerB, "a-1")
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAccountEmailUnique(t *testing.T, store storage.Store) {
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Accounts().Create(ctx, newAccount("acct-1", ownerA, "one@example.com", base)); err != nil {
			return err
		}
		return tx.Accounts().Create(ctx, newAccount("acct-2", ownerA, "two@example.com", base))
	})

	ctx := context.Background()
	err := store.Update(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Create(ctx, newAccount("acct-3", ownerA, "ONE@example.com", base))
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	err = store.Update(ctx, func(tx storage.Tx) error {
		account, err := tx.Accounts().Get(ctx, ownerA, "acct-2")
		if err != nil {
			return err
		}
		account.Email = "one@example.com"
		return tx.Accounts().Update(ctx, account)
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	// Renaming frees the old address.
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		account, err := tx.Accounts().Get(ctx, ownerA, "acct-1")
		if err != nil {
			return err
		}
		account.Email = "renamed@example.com"
		return tx.Accounts().Update(ctx, account)
	})
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		return tx.Accounts().Create(ctx, newAccount("acct-3", ownerA, "one@example.com", base))
	})
}

func testAccountDeleteCascades(t *testing.T, store storage.Store) {
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Accounts().Create(ctx, newAccount("acct-1", ownerA, "one@example.com", base)); err != nil {
			return err
		}
		if err := tx.Accounts().Create(ctx, newAccount("acct-2", ownerA, "two@example.com", base)); err != nil {
			return err
		}
		for _, id := range []string{"acct-1", "acct-2"} {
			for _, provider := range storage.DefaultProviders {
				quota := storage.NewQuota(id, provider)
				if err := tx.Quotas().Create(ctx, &quota); err != nil {
					return err
				}
			}
		}
		if err := tx.Sessions().Create(ctx, closedSession("s-1", "acct-1", storage.ProviderAnthropic, base, time.Hour)); err != nil {
			return err
		}
		return tx.Sessions().Create(ctx, closedSession("s-2", "acct-2", storage.ProviderGemini, base, time.Hour))
	})

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		return tx.Accounts().Delete(ctx, ownerA, "acct-1")
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Accounts().Get(ctx, ownerA, "acct-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		quotas, err := tx.Quotas().ListByAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Empty(t, quotas)

		quotas, err = tx.Quotas().ListByAccount(ctx, "acct-2")
		require.NoError(t, err)
		assert.Len(t, quotas, 2)

		sessions, err := tx.Sessions().List(ctx, ownerA, storage.SessionFilter{})
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "s-2", sessions[0].ID)
		return nil
	})

	// The email is free again once the account is gone.
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		return tx.Accounts().Create(ctx, newAccount("acct-3", ownerA, "one@example.com", base))
	})
}

func testQuotaLifecycle(t *testing.T, store storage.Store) {
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Accounts().Create(ctx, newAccount("acct-1", ownerA, "one@example.com", base)); err != nil {
			return err
		}
		quota := storage.NewQuota("acct-1", storage.ProviderAnthropic)
		return tx.Quotas().Create(ctx, &quota)
	})

	ctx := context.Background()
	err := store.Update(ctx, func(tx storage.Tx) error {
		quota := storage.NewQuota("acct-1", storage.ProviderAnthropic)
		return tx.Quotas().Create(ctx, &quota)
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	err = store.Update(ctx, func(tx storage.Tx) error {
		quota := storage.NewQuota("acct-1", storage.ProviderGemini)
		return tx.Quotas().Update(ctx, &quota)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	resetAt := base.Add(5 * time.Hour)
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		quota, err := tx.Quotas().Get(ctx, "acct-1", storage.ProviderAnthropic)
		if err != nil {
			return err
		}
		quota.MarkExhausted(base, resetAt)
		return tx.Quotas().Update(ctx, quota)
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		quota, err := tx.Quotas().Get(ctx, "acct-1", storage.ProviderAnthropic)
		require.NoError(t, err)
		assert.Equal(t, storage.QuotaExhausted, quota.Status)
		require.NotNil(t, quota.NextResetAt)
		require.NotNil(t, quota.ExhaustedAt)
		assert.True(t, quota.NextResetAt.Equal(resetAt))
		assert.True(t, quota.ExhaustedAt.Equal(base))

		_, err = tx.Quotas().Get(ctx, "acct-1", storage.ProviderGemini)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		quota, err := tx.Quotas().Get(ctx, "acct-1", storage.ProviderAnthropic)
		if err != nil {
			return err
		}
		quota.Reset()
		return tx.Quotas().Update(ctx, quota)
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		quota, err := tx.Quotas().Get(ctx, "acct-1", storage.ProviderAnthropic)
		require.NoError(t, err)
		assert.Equal(t, storage.QuotaAvailable, quota.Status)
		assert.Nil(t, quota.NextResetAt)
		assert.Nil(t, quota.ExhaustedAt)
		return nil
	})
}

func testSessionOpenIndex(t *testing.T, store storage.Store) {
	session := &storage.Session{
		ID:        "s-1",
		OwnerID:   ownerA,
		AccountID: "acct-1",
		Provider:  storage.ProviderAnthropic,
		StartedAt: base,
	}

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Accounts().Create(ctx, newAccount("acct-1", ownerA, "one@example.com", base)); err != nil {
			return err
		}
		_, err := tx.Sessions().GetOpen(ctx, ownerA)
		require.ErrorIs(t, err, storage.ErrNotFound)
		return tx.Sessions().Create(ctx, session)
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		open, err := tx.Sessions().GetOpen(ctx, ownerA)
		require.NoError(t, err)
		assert.Equal(t, "s-1", open.ID)
		assert.True(t, open.Open())

		_, err = tx.Sessions().GetOpen(ctx, ownerB)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		open, err := tx.Sessions().GetOpen(ctx, ownerA)
		if err != nil {
			return err
		}
		open.Close(base.Add(45*time.Minute), storage.EndReasonQuotaExhausted)
		return tx.Sessions().Update(ctx, open)
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Sessions().GetOpen(ctx, ownerA)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		sessions, err := tx.Sessions().List(ctx, ownerA, storage.SessionFilter{ClosedOnly: true})
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, storage.EndReasonQuotaExhausted, sessions[0].EndReason)
		assert.Equal(t, 45*time.Minute, sessions[0].Duration)
		require.NotNil(t, sessions[0].EndedAt)
		assert.True(t, sessions[0].EndedAt.Equal(base.Add(45*time.Minute)))
		return nil
	})
}

func testSessionSingleOpenPerOwner(t *testing.T, store storage.Store) {
	ctx := context.Background()
	openSession := func(id, owner, accountID string, start time.Time) *storage.Session {
		return &storage.Session{ID: id, OwnerID: owner, AccountID: accountID, Provider: storage.ProviderAnthropic, StartedAt: start}
	}

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Accounts().Create(ctx, newAccount("acct-1", ownerA, "one@example.com", base)); err != nil {
			return err
		}
		if err := tx.Accounts().Create(ctx, newAccount("acct-2", ownerB, "two@example.com", base)); err != nil {
			return err
		}
		return tx.Sessions().Create(ctx, openSession("s-1", ownerA, "acct-1", base))
	})

	// A writer that skipped GetOpen must still be refused.
	err := store.Update(ctx, func(tx storage.Tx) error {
		return tx.Sessions().Create(ctx, openSession("s-2", ownerA, "acct-1", base.Add(time.Minute)))
	})
	require.ErrorIs(t, err, storage.ErrDuplicate)

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Sessions().Create(ctx, openSession("s-3", ownerB, "acct-2", base)); err != nil {
			return err
		}
		return tx.Sessions().Create(ctx, closedSession("s-4", "acct-1", storage.ProviderGemini, base.Add(-time.Hour), time.Minute))
	})

	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		open, err := tx.Sessions().GetOpen(ctx, ownerA)
		if err != nil {
			return err
		}
		open.Close(base.Add(time.Hour), storage.EndReasonManual)
		if err := tx.Sessions().Update(ctx, open); err != nil {
			return err
		}
		return tx.Sessions().Create(ctx, openSession("s-5", ownerA, "acct-1", base.Add(time.Hour)))
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		open, err := tx.Sessions().GetOpen(ctx, ownerA)
		require.NoError(t, err)
		assert.Equal(t, "s-5", open.ID)

		all, err := tx.Sessions().List(ctx, ownerA, storage.SessionFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"s-5", "s-1", "s-4"}, sessionIDs(all))
		return nil
	})
}

func testSessionListOrderAndFilter(t *testing.T, store storage.Store) {
	update(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Accounts().Create(ctx, newAccount("acct-1", ownerA, "one@example.com", base)); err != nil {
			return err
		}
		if err := tx.Accounts().Create(ctx, newAccount("acct-2", ownerA, "two@example.com", base)); err != nil {
			return err
		}
		sessions := []*storage.Session{
			closedSession("s-1", "acct-1", storage.ProviderAnthropic, base, time.Hour),
			closedSession("s-2", "acct-2", storage.ProviderGemini, base.Add(2*time.Hour), time.Hour),
			closedSession("s-3", "acct-1", storage.ProviderGemini, base.Add(4*time.Hour), time.Hour),
			{ID: "s-4", OwnerID: ownerA, AccountID: "acct-2", Provider: storage.ProviderAnthropic, StartedAt: base.Add(6 * time.Hour)},
		}
		for _, s := range sessions {
			if err := tx.Sessions().Create(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		all, err := tx.Sessions().List(ctx, ownerA, storage.SessionFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"s-4", "s-3", "s-2", "s-1"}, sessionIDs(all))

		limited, err := tx.Sessions().List(ctx, ownerA, storage.SessionFilter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"s-4", "s-3"}, sessionIDs(limited))

		byAccount, err := tx.Sessions().List(ctx, ownerA, storage.SessionFilter{AccountID: "acct-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"s-3", "s-1"}, sessionIDs(byAccount))

		byProvider, err := tx.Sessions().List(ctx, ownerA, storage.SessionFilter{Provider: storage.ProviderGemini})
		require.NoError(t, err)
		assert.Equal(t, []string{"s-3", "s-2"}, sessionIDs(byProvider))

		closed, err := tx.Sessions().List(ctx, ownerA, storage.SessionFilter{ClosedOnly: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"s-3", "s-2", "s-1"}, sessionIDs(closed))

		other, err := tx.Sessions().List(ctx, ownerB, storage.SessionFilter{})
		require.NoError(t, err)
		assert.Empty(t, other)
		return nil
	})
}

func testUpdateRollsBack(t *testing.T, store storage.Store) {
	boom := errors.New("boom")
	ctx := context.Background()

	err := store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Accounts().Create(ctx, newAccount("acct-1", ownerA, "one@example.com", base)); err != nil {
			return err
		}
		quota := storage.NewQuota("acct-1", storage.ProviderAnthropic)
		if err := tx.Quotas().Create(ctx, &quota); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	view(t, store, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Accounts().Get(ctx, ownerA, "acct-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		quotas, err := tx.Quotas().ListByAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Empty(t, quotas)
		return nil
	})
}

func closedSession(id, accountID string, provider storage.Provider, start time.Time, d time.Duration) *storage.Session {
	s := &storage.Session{
		ID:        id,
		OwnerID:   ownerA,
		AccountID: accountID,
		Provider:  provider,
		StartedAt: start,
	}
	s.Close(start.Add(d), storage.EndReasonManual)
	return s
}

func sessionIDs(sessions []storage.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}
