package rotation

import (
	"context"
	"time"

	"github.com/goodtune/rotator/internal/metrics"
	"github.com/goodtune/rotator/internal/storage"
)

// quotaState returns the effective quota for the pair. An exhausted quota
// whose reset time has passed is reset and persisted here, so reads are not
// side-effect free. A missing quota is reported as available and is not
// created.
func (p *Pool) quotaState(u *unit, accountID string, provider storage.Provider) (storage.QuotaState, error) {
	quota, err := u.Quotas().Get(u.ctx, accountID, provider)
	if isStorageNotFound(err) {
		return storage.NewQuota(accountID, provider), nil
	}
	if err != nil {
		return storage.QuotaState{}, err
	}

	if quota.ExpiredAt(u.now) {
		quota.Reset()
		if err := u.Quotas().Update(u.ctx, quota); err != nil {
			return storage.QuotaState{}, err
		}
		u.afterCommit(func() {
			metrics.QuotaReclaimed.WithLabelValues(metrics.TriggerRead).Inc()
		})
		p.logger.Debug().
			Str("account", accountID).
			Str("provider", string(provider)).
			Msg("Quota reset time passed, marked available")
	}
	return *quota, nil
}

func (p *Pool) quotaAvailable(u *unit, accountID string, provider storage.Provider) (bool, error) {
	quota, err := p.quotaState(u, accountID, provider)
	if err != nil {
		return false, err
	}
	return !quota.Exhausted(), nil
}

// accountQuotas returns the effective quota of every configured provider,
// in preference order.
func (p *Pool) accountQuotas(u *unit, accountID string) ([]storage.QuotaState, error) {
	quotas := make([]storage.QuotaState, 0, len(p.providers()))
	for _, provider := range p.providers() {
		quota, err := p.quotaState(u, accountID, provider)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, quota)
	}
	return quotas, nil
}

// classification maps effective quotas to an availability tier.
func classification(quotas []storage.QuotaState) storage.Classification {
	available := 0
	for i := range quotas {
		if !quotas[i].Exhausted() {
			available++
		}
	}
	switch available {
	case len(quotas):
		return storage.ClassAvailable
	case 0:
		return storage.ClassFullyLimited
	default:
		return storage.ClassPartiallyLimited
	}
}

// Quotas returns the account's quota per configured provider after applying
// any due resets.
func (p *Pool) Quotas(ctx context.Context, accountID string) ([]storage.QuotaState, error) {
	var quotas []storage.QuotaState
	err := p.mutate(ctx, "quotas", func(u *unit) error {
		if _, err := p.loadAccount(u, accountID); err != nil {
			return err
		}
		var err error
		quotas, err = p.accountQuotas(u, accountID)
		return err
	})
	return quotas, err
}

// MarkExhausted records that provider is exhausted for the account until
// resetAt. A reset time in the past is accepted; the quota heals on the
// next read.
func (p *Pool) MarkExhausted(ctx context.Context, accountID string, provider storage.Provider, resetAt time.Time) (*storage.QuotaState, error) {
	if err := p.checkProvider(provider); err != nil {
		return nil, err
	}

	var quota *storage.QuotaState
	err := p.mutate(ctx, "mark exhausted", func(u *unit) error {
		if _, err := p.loadAccount(u, accountID); err != nil {
			return err
		}
		var err error
		quota, err = p.markExhausted(u, accountID, provider, resetAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("account", accountID).
		Str("provider", string(provider)).
		Time("next_reset_at", resetAt.UTC()).
		Msg("Quota marked exhausted")
	return quota, nil
}

// markExhausted creates the quota first when it is missing.
func (p *Pool) markExhausted(u *unit, accountID string, provider storage.Provider, resetAt time.Time) (*storage.QuotaState, error) {
	quota, err := u.Quotas().Get(u.ctx, accountID, provider)
	switch {
	case isStorageNotFound(err):
		created := storage.NewQuota(accountID, provider)
		created.MarkExhausted(u.now, resetAt)
		if err := u.Quotas().Create(u.ctx, &created); err != nil {
			return nil, err
		}
		quota = &created
	case err != nil:
		return nil, err
	default:
		quota.MarkExhausted(u.now, resetAt)
		if err := u.Quotas().Update(u.ctx, quota); err != nil {
			return nil, err
		}
	}

	u.afterCommit(func() {
		metrics.QuotaExhausted.WithLabelValues(string(provider)).Inc()
	})
	return quota, nil
}

// ResetQuota forces the quota back to available. Resetting an available
// quota is a no-op write.
func (p *Pool) ResetQuota(ctx context.Context, accountID string, provider storage.Provider) (*storage.QuotaState, error) {
	if err := p.checkProvider(provider); err != nil {
		return nil, err
	}

	var quota *storage.QuotaState
	err := p.mutate(ctx, "reset quota", func(u *unit) error {
		if _, err := p.loadAccount(u, accountID); err != nil {
			return err
		}
		var err error
		quota, err = u.Quotas().Get(u.ctx, accountID, provider)
		if isStorageNotFound(err) {
			return notFound("quota %s/%s", accountID, provider)
		}
		if err != nil {
			return err
		}
		quota.Reset()
		return u.Quotas().Update(u.ctx, quota)
	})
	if err != nil {
		return nil, err
	}
	return quota, nil
}

// NextReset returns the earliest pending reset time for provider across the
// pool, or nil when no quota of that provider is waiting on a reset.
func (p *Pool) NextReset(ctx context.Context, provider storage.Provider) (*time.Time, error) {
	if err := p.checkProvider(provider); err != nil {
		return nil, err
	}

	var next *time.Time
	err := p.view(ctx, "next reset", func(u *unit) error {
		var err error
		next, err = p.nextReset(u, provider)
		return err
	})
	return next, err
}

func (p *Pool) nextReset(u *unit, provider storage.Provider) (*time.Time, error) {
	accounts, err := u.Accounts().List(u.ctx, p.owner)
	if err != nil {
		return nil, err
	}

	var next *time.Time
	for i := range accounts {
		quota, err := u.Quotas().Get(u.ctx, accounts[i].ID, provider)
		if isStorageNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !quota.Exhausted() || quota.NextResetAt == nil || quota.ExpiredAt(u.now) {
			continue
		}
		if next == nil || quota.NextResetAt.Before(*next) {
			next = storage.NormalizeTime(quota.NextResetAt)
		}
	}
	return next, nil
}

// ReclaimExpired resets every exhausted quota in the pool whose reset time
// has passed and returns how many were reset.
func (p *Pool) ReclaimExpired(ctx context.Context) (int, error) {
	count := 0
	err := p.mutate(ctx, "reclaim expired", func(u *unit) error {
		count = 0
		accounts, err := u.Accounts().List(u.ctx, p.owner)
		if err != nil {
			return err
		}
		for i := range accounts {
			quotas, err := u.Quotas().ListByAccount(u.ctx, accounts[i].ID)
			if err != nil {
				return err
			}
			for j := range quotas {
				if !quotas[j].ExpiredAt(u.now) {
					continue
				}
				quotas[j].Reset()
				if err := u.Quotas().Update(u.ctx, &quotas[j]); err != nil {
					return err
				}
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		metrics.QuotaReclaimed.WithLabelValues(metrics.TriggerSweep).Add(float64(count))
		p.logger.Info().Int("count", count).Msg("Reclaimed expired quotas")
	}
	return count, nil
}
