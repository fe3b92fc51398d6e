package sqldb

import (
	"context"

	"github.com/goodtune/rotator/internal/storage"
)

type quotaStore struct{ *txn }

func (s *quotaStore) Get(ctx context.Context, accountID string, provider storage.Provider) (*storage.QuotaState, error) {
	var row quotaRow
	err := s.conn(ctx).Where("account_id = ? AND provider = ?", accountID, string(provider)).First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	quota := row.toQuota()
	return &quota, nil
}

func (s *quotaStore) ListByAccount(ctx context.Context, accountID string) ([]storage.QuotaState, error) {
	var rows []quotaRow
	if err := s.conn(ctx).Where("account_id = ?", accountID).Order("provider ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	quotas := make([]storage.QuotaState, 0, len(rows))
	for i := range rows {
		quotas = append(quotas, rows[i].toQuota())
	}
	return quotas, nil
}

func (s *quotaStore) Create(ctx context.Context, quota *storage.QuotaState) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	found, err := s.exists(ctx, &accountRow{}, "id = ?", quota.AccountID)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}
	row := toQuotaRow(quota)
	return translate(s.conn(ctx).Create(&row).Error)
}

func (s *quotaStore) Update(ctx context.Context, quota *storage.QuotaState) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	row := toQuotaRow(quota)
	res := s.conn(ctx).Model(&quotaRow{}).
		Where("account_id = ? AND provider = ?", row.AccountID, row.Provider).
		Select("status", "exhausted_at", "next_reset_at").
		Updates(map[string]any{
			"status":        row.Status,
			"exhausted_at":  row.ExhaustedAt,
			"next_reset_at": row.NextResetAt,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
