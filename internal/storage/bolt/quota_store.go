package bolt

import (
	"bytes"
	"context"

	"github.com/goodtune/rotator/internal/storage"
	"go.etcd.io/bbolt"
)

type quotaStore struct {
	tx *bbolt.Tx
}

func (s *quotaStore) Get(ctx context.Context, accountID string, provider storage.Provider) (*storage.QuotaState, error) {
	return getBucketValue[storage.QuotaState](ctx, s.tx, bucketQuotas, quotaKey(accountID, provider))
}

func (s *quotaStore) ListByAccount(ctx context.Context, accountID string) ([]storage.QuotaState, error) {
	b, err := bucket(s.tx, bucketQuotas)
	if err != nil {
		return nil, err
	}
	prefix := []byte(accountID + quotaKeySeparator)
	quotas := make([]storage.QuotaState, 0, 2)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var quota storage.QuotaState
		if err := unmarshal(v, &quota); err != nil {
			return nil, err
		}
		quotas = append(quotas, quota)
	}
	return quotas, nil
}

func (s *quotaStore) Create(ctx context.Context, quota *storage.QuotaState) error {
	if !exists(s.tx, bucketAccounts, quota.AccountID) {
		return storage.ErrNotFound
	}
	key := quotaKey(quota.AccountID, quota.Provider)
	if exists(s.tx, bucketQuotas, key) {
		return storage.ErrDuplicate
	}
	return putBucketValue(ctx, s.tx, bucketQuotas, key, quota)
}

func (s *quotaStore) Update(ctx context.Context, quota *storage.QuotaState) error {
	key := quotaKey(quota.AccountID, quota.Provider)
	if !exists(s.tx, bucketQuotas, key) {
		return storage.ErrNotFound
	}
	return putBucketValue(ctx, s.tx, bucketQuotas, key, quota)
}
