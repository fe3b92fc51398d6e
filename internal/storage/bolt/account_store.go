package bolt

import (
	"bytes"
	"context"

	"github.com/goodtune/rotator/internal/storage"
	"go.etcd.io/bbolt"
)

type accountStore struct {
	tx *bbolt.Tx
}

func (s *accountStore) Get(ctx context.Context, ownerID, id string) (*storage.Account, error) {
	account, err := getBucketValue[storage.Account](ctx, s.tx, bucketAccounts, id)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	return account, nil
}

func (s *accountStore) List(ctx context.Context, ownerID string) ([]storage.Account, error) {
	accounts, err := listBucket(ctx, s.tx, bucketAccounts, func(a *storage.Account) bool {
		return a.OwnerID == ownerID
	})
	if err != nil {
		return nil, err
	}
	storage.SortAccounts(accounts)
	return accounts, nil
}

func (s *accountStore) Create(ctx context.Context, account *storage.Account) error {
	if exists(s.tx, bucketAccounts, account.ID) {
		return storage.ErrDuplicate
	}
	emails, err := indexBucket(s.tx, bucketIndexEmail)
	if err != nil {
		return err
	}
	emailKey := indexKey(account.OwnerID, storage.EmailKey(account.Email))
	if emails.Get(emailKey) != nil {
		return storage.ErrDuplicate
	}
	if err := putBucketValue(ctx, s.tx, bucketAccounts, account.ID, account); err != nil {
		return err
	}
	return emails.Put(emailKey, []byte(account.ID))
}

func (s *accountStore) Update(ctx context.Context, account *storage.Account) error {
	current, err := s.Get(ctx, account.OwnerID, account.ID)
	if err != nil {
		return err
	}
	emails, err := indexBucket(s.tx, bucketIndexEmail)
	if err != nil {
		return err
	}
	newKey := indexKey(account.OwnerID, storage.EmailKey(account.Email))
	if owner := emails.Get(newKey); owner != nil && !bytes.Equal(owner, []byte(account.ID)) {
		return storage.ErrDuplicate
	}
	oldKey := indexKey(current.OwnerID, storage.EmailKey(current.Email))
	if !bytes.Equal(oldKey, newKey) {
		if err := emails.Delete(oldKey); err != nil {
			return err
		}
		if err := emails.Put(newKey, []byte(account.ID)); err != nil {
			return err
		}
	}
	return putBucketValue(ctx, s.tx, bucketAccounts, account.ID, account)
}

func (s *accountStore) Delete(ctx context.Context, ownerID, id string) error {
	account, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}

	accounts, err := bucket(s.tx, bucketAccounts)
	if err != nil {
		return err
	}
	if err := accounts.Delete([]byte(id)); err != nil {
		return err
	}

	emails, err := indexBucket(s.tx, bucketIndexEmail)
	if err != nil {
		return err
	}
	if err := emails.Delete(indexKey(ownerID, storage.EmailKey(account.Email))); err != nil {
		return err
	}

	// Quotas share the account id as key prefix.
	quotas, err := bucket(s.tx, bucketQuotas)
	if err != nil {
		return err
	}
	prefix := []byte(id + quotaKeySeparator)
	var quotaKeys [][]byte
	c := quotas.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		quotaKeys = append(quotaKeys, append([]byte(nil), k...))
	}
	for _, k := range quotaKeys {
		if err := quotas.Delete(k); err != nil {
			return err
		}
	}

	sessions, err := listBucket(ctx, s.tx, bucketSessions, func(sess *storage.Session) bool {
		return sess.AccountID == id
	})
	if err != nil {
		return err
	}
	sessionBucket, err := bucket(s.tx, bucketSessions)
	if err != nil {
		return err
	}
	open, err := indexBucket(s.tx, bucketIndexOpen)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := sessionBucket.Delete([]byte(sess.ID)); err != nil {
			return err
		}
		if current := open.Get([]byte(ownerID)); current != nil && string(current) == sess.ID {
			if err := open.Delete([]byte(ownerID)); err != nil {
				return err
			}
		}
	}

	return nil
}
