package redis

import (
	"context"
	"errors"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/redis/go-redis/v9"
)

type quotaStore struct{ *txn }

func (s *quotaStore) Get(ctx context.Context, accountID string, provider storage.Provider) (*storage.QuotaState, error) {
	return s.loadQuota(ctx, quotaRef{accountID, provider})
}

func (s *quotaStore) ListByAccount(ctx context.Context, accountID string) ([]storage.QuotaState, error) {
	var providers []string
	if !s.dropped[accountID] {
		persisted, err := s.client().SMembers(ctx, s.keys().accountQuotas(accountID)).Result()
		if err != nil {
			return nil, err
		}
		providers = persisted
	}
	for ref, quota := range s.quotas {
		if ref.accountID == accountID && quota != nil && !contains(providers, string(ref.provider)) {
			providers = append(providers, string(ref.provider))
		}
	}

	quotas := make([]storage.QuotaState, 0, len(providers))
	for _, provider := range providers {
		quota, err := s.loadQuota(ctx, quotaRef{accountID, storage.Provider(provider)})
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, *quota)
	}
	return quotas, nil
}

func (s *quotaStore) Create(ctx context.Context, quota *storage.QuotaState) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, err := s.loadAccount(ctx, quota.AccountID); err != nil {
		return err
	}
	if _, err := s.loadQuota(ctx, quotaRef{quota.AccountID, quota.Provider}); err == nil {
		return storage.ErrDuplicate
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	s.put(quota)
	setKey := s.keys().accountQuotas(quota.AccountID)
	provider := string(quota.Provider)
	s.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, setKey, provider)
	})
	return nil
}

func (s *quotaStore) Update(ctx context.Context, quota *storage.QuotaState) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, err := s.loadQuota(ctx, quotaRef{quota.AccountID, quota.Provider}); err != nil {
		return err
	}
	s.put(quota)
	return nil
}

func (s *quotaStore) put(quota *storage.QuotaState) {
	copied := *quota
	s.quotas[quotaRef{quota.AccountID, quota.Provider}] = &copied
	key := s.keys().quota(quota.AccountID, quota.Provider)
	fields := quotaFields(&copied)
	s.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, fields...)
	})
}
