package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/rotator/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketAccounts       = "accounts"
	bucketQuotas         = "quotas"
	bucketSessions       = "sessions"
	bucketIndexes        = "indexes"
	bucketIndexEmail     = "account_email"
	bucketIndexOpen      = "open_session"
	quotaKeySeparator    = "/"
	defaultOpenTimeout   = 2 * time.Second
	bucketIndexSeparator = "/"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketAccounts),
			[]byte(bucketQuotas),
			[]byte(bucketSessions),
			[]byte(bucketIndexes),
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		indexes := tx.Bucket([]byte(bucketIndexes))
		if indexes == nil {
			return fmt.Errorf("indexes bucket missing")
		}
		if _, err := indexes.CreateBucketIfNotExists([]byte(bucketIndexEmail)); err != nil {
			return fmt.Errorf("create email index: %w", err)
		}
		if _, err := indexes.CreateBucketIfNotExists([]byte(bucketIndexOpen)); err != nil {
			return fmt.Errorf("create open session index: %w", err)
		}

		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// View runs fn inside a read-only bbolt transaction.
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&txn{tx: btx})
	})
}

// Update runs fn inside a read-write bbolt transaction. bbolt rolls the
// transaction back when fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&txn{tx: btx})
	})
}

type txn struct {
	tx *bbolt.Tx
}

func (t *txn) Accounts() storage.AccountStore { return &accountStore{tx: t.tx} }
func (t *txn) Quotas() storage.QuotaStore     { return &quotaStore{tx: t.tx} }
func (t *txn) Sessions() storage.SessionStore { return &sessionStore{tx: t.tx} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket missing: %s", name)
	}
	return b, nil
}

func indexBucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	root, err := bucket(tx, bucketIndexes)
	if err != nil {
		return nil, err
	}
	b := root.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("index bucket missing: %s", name)
	}
	return b, nil
}

func listBucket[T any](ctx context.Context, tx *bbolt.Tx, name string, keep func(*T) bool) ([]T, error) {
	b, err := bucket(tx, name)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0)
	err = b.ForEach(func(_, v []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var item T
		if err := unmarshal(v, &item); err != nil {
			return err
		}
		if keep == nil || keep(&item) {
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func getBucketValue[T any](ctx context.Context, tx *bbolt.Tx, name string, key string) (*T, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	b, err := bucket(tx, name)
	if err != nil {
		return nil, err
	}
	value := b.Get([]byte(key))
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var result T
	if err := unmarshal(value, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func putBucketValue(ctx context.Context, tx *bbolt.Tx, name string, key string, value any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	data, err := marshal(value)
	if err != nil {
		return err
	}
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func exists(tx *bbolt.Tx, name string, key string) bool {
	b := tx.Bucket([]byte(name))
	return b != nil && b.Get([]byte(key)) != nil
}

func indexKey(parts ...string) []byte {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += bucketIndexSeparator
		}
		key += part
	}
	return []byte(key)
}

func quotaKey(accountID string, provider storage.Provider) string {
	return accountID + quotaKeySeparator + string(provider)
}
