package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/goodtune/rotator/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rotator.bolt")
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = store.Update(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Create(ctx, &storage.Account{
			ID:        "acct-1",
			OwnerID:   "owner",
			Email:     "one@example.com",
			CreatedAt: created,
		})
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()

	err = store.View(ctx, func(tx storage.Tx) error {
		account, err := tx.Accounts().Get(ctx, "owner", "acct-1")
		if err != nil {
			return err
		}
		if !account.CreatedAt.Equal(created) {
			t.Errorf("expected created_at %v, got %v", created, account.CreatedAt)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
}

func TestViewRejectsWrites(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	err := store.View(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Create(ctx, &storage.Account{ID: "acct-1", OwnerID: "owner", Email: "x@example.com"})
	})
	if err == nil {
		t.Fatal("expected write inside View to fail")
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rotator.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestTransientConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, err := OpenTransient(filepath.Join(t.TempDir(), "rotator.bolt"))
		if err != nil {
			t.Fatalf("open transient store: %v", err)
		}
		return store
	})
}

func TestTransientReleasesFileBetweenTransactions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotator.bolt")
	ctx := context.Background()

	daemon, err := OpenTransient(path)
	if err != nil {
		t.Fatalf("open transient store: %v", err)
	}
	defer func() { _ = daemon.Close() }()

	err = daemon.Update(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Create(ctx, &storage.Account{ID: "acct-1", OwnerID: "owner", Email: "one@example.com"})
	})
	if err != nil {
		t.Fatalf("create through transient store: %v", err)
	}

	// A second process-style open must not wait on the daemon's lock.
	start := time.Now()
	cli, err := Open(path)
	if err != nil {
		t.Fatalf("open while transient store is held: %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("open waited %v for the file lock", waited)
	}
	err = cli.Update(ctx, func(tx storage.Tx) error {
		return tx.Accounts().Create(ctx, &storage.Account{ID: "acct-2", OwnerID: "owner", Email: "two@example.com"})
	})
	if err != nil {
		t.Fatalf("create through direct store: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("close direct store: %v", err)
	}

	err = daemon.View(ctx, func(tx storage.Tx) error {
		accounts, err := tx.Accounts().List(ctx, "owner")
		if err != nil {
			return err
		}
		if len(accounts) != 2 {
			t.Errorf("expected 2 accounts, got %d", len(accounts))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list through transient store: %v", err)
	}
}
