package bolt

import (
	"context"
	"sync"

	"github.com/goodtune/rotator/internal/storage"
)

// TransientStore opens the database file for each transaction and closes it
// straight after. bbolt holds an exclusive file lock while a DB is open;
// between transactions other processes can open the file.
type TransientStore struct {
	path string
	mu   sync.Mutex
}

// OpenTransient checks that the file can be opened and initialized, then
// releases it.
func OpenTransient(path string) (*TransientStore, error) {
	store, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Close(); err != nil {
		return nil, err
	}
	return &TransientStore{path: path}, nil
}

// View opens the file, runs fn in a read-only transaction and closes it.
func (s *TransientStore) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.with(ctx, func(store *Store) error {
		return store.View(ctx, fn)
	})
}

// Update opens the file, runs fn in a read-write transaction and closes it.
func (s *TransientStore) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.with(ctx, func(store *Store) error {
		return store.Update(ctx, fn)
	})
}

// Close is a no-op; the file is only open during a transaction.
func (s *TransientStore) Close() error {
	return nil
}

// with serializes opens within the process. A second bbolt.Open of the same
// file from this process would wait on our own lock until it timed out.
func (s *TransientStore) with(ctx context.Context, fn func(store *Store) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	store, err := Open(s.path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(store)
}
