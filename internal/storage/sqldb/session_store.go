package sqldb

import (
	"context"

	"github.com/goodtune/rotator/internal/storage"
)

type sessionStore struct{ *txn }

func (s *sessionStore) Create(ctx context.Context, session *storage.Session) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	dup, err := s.exists(ctx, &sessionRow{}, "id = ?", session.ID)
	if err != nil {
		return err
	}
	if dup {
		return storage.ErrDuplicate
	}
	found, err := s.exists(ctx, &accountRow{}, "id = ?", session.AccountID)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}
	row := toSessionRow(session)
	return translate(s.conn(ctx).Create(&row).Error)
}

func (s *sessionStore) Update(ctx context.Context, session *storage.Session) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	row := toSessionRow(session)
	res := s.conn(ctx).Model(&sessionRow{}).Where("id = ?", row.ID).Select("*").Updates(&row)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *sessionStore) GetOpen(ctx context.Context, ownerID string) (*storage.Session, error) {
	var row sessionRow
	err := s.conn(ctx).
		Where("owner_id = ? AND ended_at IS NULL", ownerID).
		Order("started_at DESC").
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	session := row.toSession()
	return &session, nil
}

func (s *sessionStore) List(ctx context.Context, ownerID string, filter storage.SessionFilter) ([]storage.Session, error) {
	query := s.conn(ctx).Where("owner_id = ?", ownerID)
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Provider != "" {
		query = query.Where("provider = ?", string(filter.Provider))
	}
	if filter.ClosedOnly {
		query = query.Where("ended_at IS NOT NULL")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []sessionRow
	if err := query.Order("started_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	sessions := make([]storage.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toSession())
	}
	return sessions, nil
}
