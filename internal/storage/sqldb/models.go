package sqldb

import (
	"time"

	"github.com/goodtune/rotator/internal/storage"
)

type accountRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	OwnerID        string    `gorm:"size:64;not null;uniqueIndex:idx_accounts_owner_email,priority:1"`
	EmailKey       string    `gorm:"size:320;not null;uniqueIndex:idx_accounts_owner_email,priority:2"`
	Email          string    `gorm:"size:320;not null"`
	DisplayName    string    `gorm:"size:255"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	Active         bool      `gorm:"not null;default:false"`
	TimesUsed      int64     `gorm:"not null;default:0"`
	UsedDurationNS int64     `gorm:"column:used_duration_ns;not null;default:0"`
}

func (accountRow) TableName() string { return "accounts" }

func toAccountRow(a *storage.Account) accountRow {
	return accountRow{
		ID:             a.ID,
		OwnerID:        a.OwnerID,
		EmailKey:       storage.EmailKey(a.Email),
		Email:          a.Email,
		DisplayName:    a.DisplayName,
		CreatedAt:      a.CreatedAt.UTC(),
		Active:         a.Active,
		TimesUsed:      a.TimesUsed,
		UsedDurationNS: int64(a.UsedDuration),
	}
}

func (r *accountRow) toAccount() *storage.Account {
	return &storage.Account{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		CreatedAt:    r.CreatedAt.UTC(),
		Active:       r.Active,
		TimesUsed:    r.TimesUsed,
		UsedDuration: time.Duration(r.UsedDurationNS),
	}
}

type quotaRow struct {
	AccountID   string     `gorm:"primaryKey;size:64"`
	Provider    string     `gorm:"primaryKey;size:64"`
	Status      string     `gorm:"size:32;not null"`
	ExhaustedAt *time.Time `gorm:"column:exhausted_at"`
	NextResetAt *time.Time `gorm:"column:next_reset_at;index"`
}

func (quotaRow) TableName() string { return "quotas" }

func toQuotaRow(q *storage.QuotaState) quotaRow {
	return quotaRow{
		AccountID:   q.AccountID,
		Provider:    string(q.Provider),
		Status:      string(q.Status),
		ExhaustedAt: storage.NormalizeTime(q.ExhaustedAt),
		NextResetAt: storage.NormalizeTime(q.NextResetAt),
	}
}

func (r *quotaRow) toQuota() storage.QuotaState {
	return storage.QuotaState{
		AccountID:   r.AccountID,
		Provider:    storage.Provider(r.Provider),
		Status:      storage.QuotaStatus(r.Status),
		ExhaustedAt: storage.NormalizeTime(r.ExhaustedAt),
		NextResetAt: storage.NormalizeTime(r.NextResetAt),
	}
}

type sessionRow struct {
	ID         string     `gorm:"primaryKey;size:64"`
	OwnerID    string     `gorm:"size:64;not null;index:idx_sessions_owner_started,priority:1"`
	AccountID  string     `gorm:"size:64;not null;index"`
	Provider   string     `gorm:"size:64;not null"`
	StartedAt  time.Time  `gorm:"not null;index:idx_sessions_owner_started,priority:2"`
	EndedAt    *time.Time `gorm:"column:ended_at"`
	EndReason  string     `gorm:"size:32"`
	DurationNS int64      `gorm:"column:duration_ns;not null;default:0"`
}

func (sessionRow) TableName() string { return "sessions" }

func toSessionRow(s *storage.Session) sessionRow {
	return sessionRow{
		ID:         s.ID,
		OwnerID:    s.OwnerID,
		AccountID:  s.AccountID,
		Provider:   string(s.Provider),
		StartedAt:  s.StartedAt.UTC(),
		EndedAt:    storage.NormalizeTime(s.EndedAt),
		EndReason:  string(s.EndReason),
		DurationNS: int64(s.Duration),
	}
}

func (r *sessionRow) toSession() storage.Session {
	return storage.Session{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		AccountID: r.AccountID,
		Provider:  storage.Provider(r.Provider),
		StartedAt: r.StartedAt.UTC(),
		EndedAt:   storage.NormalizeTime(r.EndedAt),
		EndReason: storage.EndReason(r.EndReason),
		Duration:  time.Duration(r.DurationNS),
	}
}
