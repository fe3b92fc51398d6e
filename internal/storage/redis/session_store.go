package redis

import (
	"context"
	"errors"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct{ *txn }

func (s *sessionStore) Create(ctx context.Context, session *storage.Session) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, err := s.loadSession(ctx, session.ID); err == nil {
		return storage.ErrDuplicate
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, err := s.loadAccount(ctx, session.AccountID); err != nil {
		return err
	}
	if session.Open() {
		open, err := s.lookup(ctx, s.keys().open(session.OwnerID))
		if err != nil {
			return err
		}
		if open != "" {
			return storage.ErrDuplicate
		}
	}
	s.put(session)
	return s.syncOpenIndex(ctx, session)
}

func (s *sessionStore) Update(ctx context.Context, session *storage.Session) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, err := s.loadSession(ctx, session.ID); err != nil {
		return err
	}
	s.put(session)
	return s.syncOpenIndex(ctx, session)
}

func (s *sessionStore) GetOpen(ctx context.Context, ownerID string) (*storage.Session, error) {
	id, err := s.lookup(ctx, s.keys().open(ownerID))
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, storage.ErrNotFound
	}
	return s.loadSession(ctx, id)
}

func (s *sessionStore) List(ctx context.Context, ownerID string, filter storage.SessionFilter) ([]storage.Session, error) {
	ids, err := s.client().ZRange(ctx, s.keys().ownerSessions(ownerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	persisted, err := s.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}

	sessions := make([]storage.Session, 0, len(persisted)+len(s.sessions))
	for i := range persisted {
		if persisted[i].OwnerID == ownerID && filter.Match(&persisted[i]) {
			sessions = append(sessions, persisted[i])
		}
	}
	for _, session := range s.sessions {
		if session != nil && session.OwnerID == ownerID && filter.Match(session) {
			sessions = append(sessions, *session)
		}
	}
	return storage.SortSessions(sessions, filter.Limit), nil
}

func (s *sessionStore) put(session *storage.Session) {
	copied := *session
	s.sessions[session.ID] = &copied

	keys := s.keys()
	fields := sessionFields(&copied)
	s.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, keys.session(copied.ID), fields...)
		pipe.ZAdd(ctx, keys.ownerSessions(copied.OwnerID), redis.Z{
			Score:  float64(copied.StartedAt.UnixMilli()),
			Member: copied.ID,
		})
		pipe.SAdd(ctx, keys.accountSessions(copied.AccountID), copied.ID)
	})
}

// syncOpenIndex keeps the owner -> open session pointer in step with the record.
func (s *sessionStore) syncOpenIndex(ctx context.Context, session *storage.Session) error {
	key := s.keys().open(session.OwnerID)
	if session.Open() {
		s.setIndex(key, session.ID)
		return nil
	}
	current, err := s.lookup(ctx, key)
	if err != nil {
		return err
	}
	if current == session.ID {
		s.clearIndex(key)
	}
	return nil
}
