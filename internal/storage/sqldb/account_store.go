package sqldb

import (
	"context"

	"github.com/goodtune/rotator/internal/storage"
)

type accountStore struct{ *txn }

func (s *accountStore) Get(ctx context.Context, ownerID, id string) (*storage.Account, error) {
	var row accountRow
	if err := s.conn(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.toAccount(), nil
}

func (s *accountStore) List(ctx context.Context, ownerID string) ([]storage.Account, error) {
	var rows []accountRow
	err := s.conn(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	accounts := make([]storage.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, *rows[i].toAccount())
	}
	storage.SortAccounts(accounts)
	return accounts, nil
}

func (s *accountStore) emailTaken(ctx context.Context, account *storage.Account) (bool, error) {
	return s.exists(ctx, &accountRow{}, "owner_id = ? AND email_key = ? AND id <> ?",
		account.OwnerID, storage.EmailKey(account.Email), account.ID)
}

func (s *accountStore) Create(ctx context.Context, account *storage.Account) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	taken, err := s.exists(ctx, &accountRow{}, "id = ?", account.ID)
	if err != nil {
		return err
	}
	if !taken {
		taken, err = s.emailTaken(ctx, account)
		if err != nil {
			return err
		}
	}
	if taken {
		return storage.ErrDuplicate
	}
	row := toAccountRow(account)
	return translate(s.conn(ctx).Create(&row).Error)
}

func (s *accountStore) Update(ctx context.Context, account *storage.Account) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	found, err := s.exists(ctx, &accountRow{}, "id = ? AND owner_id = ?", account.ID, account.OwnerID)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}
	taken, err := s.emailTaken(ctx, account)
	if err != nil {
		return err
	}
	if taken {
		return storage.ErrDuplicate
	}
	row := toAccountRow(account)
	return translate(s.conn(ctx).Model(&accountRow{}).Where("id = ?", account.ID).Select("*").Updates(&row).Error)
}

func (s *accountStore) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	found, err := s.exists(ctx, &accountRow{}, "id = ? AND owner_id = ?", id, ownerID)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}
	db := s.conn(ctx)
	if err := db.Where("account_id = ?", id).Delete(&sessionRow{}).Error; err != nil {
		return err
	}
	if err := db.Where("account_id = ?", id).Delete(&quotaRow{}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&accountRow{}).Error
}
