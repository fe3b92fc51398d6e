package bolt

import (
	"context"

	"github.com/goodtune/rotator/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	tx *bbolt.Tx
}

func (s *sessionStore) Create(ctx context.Context, session *storage.Session) error {
	if exists(s.tx, bucketSessions, session.ID) {
		return storage.ErrDuplicate
	}
	if !exists(s.tx, bucketAccounts, session.AccountID) {
		return storage.ErrNotFound
	}
	if session.Open() {
		open, err := indexBucket(s.tx, bucketIndexOpen)
		if err != nil {
			return err
		}
		if open.Get([]byte(session.OwnerID)) != nil {
			return storage.ErrDuplicate
		}
	}
	if err := putBucketValue(ctx, s.tx, bucketSessions, session.ID, session); err != nil {
		return err
	}
	return s.syncOpenIndex(session)
}

func (s *sessionStore) Update(ctx context.Context, session *storage.Session) error {
	if !exists(s.tx, bucketSessions, session.ID) {
		return storage.ErrNotFound
	}
	if err := putBucketValue(ctx, s.tx, bucketSessions, session.ID, session); err != nil {
		return err
	}
	return s.syncOpenIndex(session)
}

func (s *sessionStore) GetOpen(ctx context.Context, ownerID string) (*storage.Session, error) {
	open, err := indexBucket(s.tx, bucketIndexOpen)
	if err != nil {
		return nil, err
	}
	id := open.Get([]byte(ownerID))
	if id == nil {
		return nil, storage.ErrNotFound
	}
	return getBucketValue[storage.Session](ctx, s.tx, bucketSessions, string(id))
}

func (s *sessionStore) List(ctx context.Context, ownerID string, filter storage.SessionFilter) ([]storage.Session, error) {
	sessions, err := listBucket(ctx, s.tx, bucketSessions, func(sess *storage.Session) bool {
		return sess.OwnerID == ownerID && filter.Match(sess)
	})
	if err != nil {
		return nil, err
	}
	return storage.SortSessions(sessions, filter.Limit), nil
}

// syncOpenIndex keeps the owner -> open session pointer in step with the record.
func (s *sessionStore) syncOpenIndex(session *storage.Session) error {
	open, err := indexBucket(s.tx, bucketIndexOpen)
	if err != nil {
		return err
	}
	key := []byte(session.OwnerID)
	if session.Open() {
		return open.Put(key, []byte(session.ID))
	}
	if current := open.Get(key); current != nil && string(current) == session.ID {
		return open.Delete(key)
	}
	return nil
}
