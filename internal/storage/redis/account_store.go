package redis

import (
	"context"
	"errors"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/redis/go-redis/v9"
)

type accountStore struct{ *txn }

func (s *accountStore) Get(ctx context.Context, ownerID, id string) (*storage.Account, error) {
	account, err := s.loadAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	return account, nil
}

func (s *accountStore) List(ctx context.Context, ownerID string) ([]storage.Account, error) {
	ids, err := s.client().SMembers(ctx, s.keys().ownerAccounts(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for id, account := range s.accounts {
		if account != nil && account.OwnerID == ownerID && !seen[id] {
			ids = append(ids, id)
		}
	}

	accounts := make([]storage.Account, 0, len(ids))
	for _, id := range ids {
		account, err := s.Get(ctx, ownerID, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	storage.SortAccounts(accounts)
	return accounts, nil
}

// emailTaken reports whether another account of the owner holds the address.
func (s *accountStore) emailTaken(ctx context.Context, account *storage.Account) (bool, error) {
	holder, err := s.lookup(ctx, s.keys().email(account.OwnerID, account.Email))
	if err != nil {
		return false, err
	}
	return holder != "" && holder != account.ID, nil
}

func (s *accountStore) Create(ctx context.Context, account *storage.Account) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, err := s.loadAccount(ctx, account.ID); err == nil {
		return storage.ErrDuplicate
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	taken, err := s.emailTaken(ctx, account)
	if err != nil {
		return err
	}
	if taken {
		return storage.ErrDuplicate
	}

	s.put(account)
	s.setIndex(s.keys().email(account.OwnerID, account.Email), account.ID)
	owner := s.keys().ownerAccounts(account.OwnerID)
	id := account.ID
	s.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, owner, id)
	})
	return nil
}

func (s *accountStore) Update(ctx context.Context, account *storage.Account) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	current, err := s.Get(ctx, account.OwnerID, account.ID)
	if err != nil {
		return err
	}
	taken, err := s.emailTaken(ctx, account)
	if err != nil {
		return err
	}
	if taken {
		return storage.ErrDuplicate
	}

	if storage.EmailKey(current.Email) != storage.EmailKey(account.Email) {
		s.clearIndex(s.keys().email(current.OwnerID, current.Email))
		s.setIndex(s.keys().email(account.OwnerID, account.Email), account.ID)
	}
	s.put(account)
	return nil
}

func (s *accountStore) put(account *storage.Account) {
	copied := *account
	s.accounts[account.ID] = &copied
	key := s.keys().account(account.ID)
	fields := accountFields(&copied)
	s.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, fields...)
	})
}

func (s *accountStore) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	account, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}

	quotas, err := s.Quotas().ListByAccount(ctx, id)
	if err != nil {
		return err
	}
	sessionIDs, err := s.accountSessionIDs(ctx, id)
	if err != nil {
		return err
	}
	openKey := s.keys().open(ownerID)
	openID, err := s.lookup(ctx, openKey)
	if err != nil {
		return err
	}

	keys := s.keys()
	for _, quota := range quotas {
		s.quotas[quotaRef{id, quota.Provider}] = nil
		quotaKey := keys.quota(id, quota.Provider)
		s.queue(func(ctx context.Context, pipe redis.Pipeliner) {
			pipe.Del(ctx, quotaKey)
		})
	}
	for _, sid := range sessionIDs {
		s.sessions[sid] = nil
		sessionKey := keys.session(sid)
		member := sid
		s.queue(func(ctx context.Context, pipe redis.Pipeliner) {
			pipe.Del(ctx, sessionKey)
			pipe.ZRem(ctx, keys.ownerSessions(ownerID), member)
		})
		if sid == openID {
			s.clearIndex(openKey)
		}
	}

	s.accounts[id] = nil
	s.dropped[id] = true
	s.clearIndex(keys.email(ownerID, account.Email))
	s.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, keys.account(id), keys.accountQuotas(id), keys.accountSessions(id))
		pipe.SRem(ctx, keys.ownerAccounts(ownerID), id)
	})
	return nil
}

// accountSessionIDs lists persisted and pending session ids of an account.
func (s *accountStore) accountSessionIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	if !s.dropped[accountID] {
		persisted, err := s.client().SMembers(ctx, s.keys().accountSessions(accountID)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range persisted {
			if session, ok := s.sessions[id]; ok && session == nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	for id, session := range s.sessions {
		if session != nil && session.AccountID == accountID && !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
