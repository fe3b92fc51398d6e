package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrDuplicate is returned when a record violates a uniqueness constraint
// (account id, owner+email, or account+provider for quotas).
var ErrDuplicate = errors.New("storage: duplicate record")

// Store represents the root storage interface.
//
// View runs fn against a read-only view. Update runs fn inside a single
// read-write transaction: either every write made through tx lands, or none
// does. The error returned by fn is returned unchanged.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx exposes the sub-stores bound to one transaction.
type Tx interface {
	Accounts() AccountStore
	Quotas() QuotaStore
	Sessions() SessionStore
}

// AccountStore manages accounts. All lookups are scoped to an owner.
type AccountStore interface {
	Get(ctx context.Context, ownerID, id string) (*Account, error)
	List(ctx context.Context, ownerID string) ([]Account, error)
	Create(ctx context.Context, account *Account) error
	Update(ctx context.Context, account *Account) error
	// Delete removes the account along with its quotas and sessions.
	Delete(ctx context.Context, ownerID, id string) error
}

// QuotaStore manages per-account, per-provider quota states.
type QuotaStore interface {
	Get(ctx context.Context, accountID string, provider Provider) (*QuotaState, error)
	ListByAccount(ctx context.Context, accountID string) ([]QuotaState, error)
	Create(ctx context.Context, quota *QuotaState) error
	Update(ctx context.Context, quota *QuotaState) error
}

// SessionStore manages session records.
type SessionStore interface {
	// Create returns ErrDuplicate for an open session when the owner
	// already has one open.
	Create(ctx context.Context, session *Session) error
	Update(ctx context.Context, session *Session) error
	// GetOpen returns the owner's open session or ErrNotFound.
	GetOpen(ctx context.Context, ownerID string) (*Session, error)
	// List returns sessions newest first.
	List(ctx context.Context, ownerID string, filter SessionFilter) ([]Session, error)
}

// SortSessions orders sessions by start time descending, then by id, and
// applies the filter limit.
func SortSessions(sessions []Session, limit int) []Session {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// SortAccounts orders accounts by creation time, then by id.
func SortAccounts(accounts []Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
}

// EmailKey normalizes an email for uniqueness checks.
func EmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
