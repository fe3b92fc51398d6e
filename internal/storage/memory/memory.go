// Package memory provides an in-process storage.Store. It backs the engine
// tests and single-shot CLI runs that do not need durability.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/goodtune/rotator/internal/storage"
)

var errReadOnly = errors.New("memory: write in read-only transaction")

type state struct {
	accounts map[string]storage.Account
	quotas   map[quotaKey]storage.QuotaState
	sessions map[string]storage.Session
}

type quotaKey struct {
	accountID string
	provider  storage.Provider
}

func newState() *state {
	return &state{
		accounts: make(map[string]storage.Account),
		quotas:   make(map[quotaKey]storage.QuotaState),
		sessions: make(map[string]storage.Session),
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts: make(map[string]storage.Account, len(s.accounts)),
		quotas:   make(map[quotaKey]storage.QuotaState, len(s.quotas)),
		sessions: make(map[string]storage.Session, len(s.sessions)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.quotas {
		c.quotas[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	return c
}

// Store keeps all records in maps. Update works on a copy that replaces the
// live state only when fn succeeds.
type Store struct {
	mu    sync.RWMutex
	state *state
}

// New creates an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// View runs fn against the current state.
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&txn{state: s.state, readOnly: true})
}

// Update runs fn against a private copy and commits it on success.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&txn{state: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

type txn struct {
	state    *state
	readOnly bool
}

func (t *txn) Accounts() storage.AccountStore { return &accountStore{t} }
func (t *txn) Quotas() storage.QuotaStore     { return &quotaStore{t} }
func (t *txn) Sessions() storage.SessionStore { return &sessionStore{t} }

func (t *txn) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

type accountStore struct{ *txn }

func (s *accountStore) Get(ctx context.Context, ownerID, id string) (*storage.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	account, ok := s.state.accounts[id]
	if !ok || account.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	return &account, nil
}

func (s *accountStore) List(ctx context.Context, ownerID string) ([]storage.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	accounts := make([]storage.Account, 0, len(s.state.accounts))
	for _, account := range s.state.accounts {
		if account.OwnerID == ownerID {
			accounts = append(accounts, account)
		}
	}
	storage.SortAccounts(accounts)
	return accounts, nil
}

func (s *accountStore) emailTaken(account *storage.Account) bool {
	key := storage.EmailKey(account.Email)
	for id, existing := range s.state.accounts {
		if id != account.ID && existing.OwnerID == account.OwnerID && storage.EmailKey(existing.Email) == key {
			return true
		}
	}
	return false
}

func (s *accountStore) Create(ctx context.Context, account *storage.Account) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, ok := s.state.accounts[account.ID]; ok || s.emailTaken(account) {
		return storage.ErrDuplicate
	}
	s.state.accounts[account.ID] = *account
	return nil
}

func (s *accountStore) Update(ctx context.Context, account *storage.Account) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	current, ok := s.state.accounts[account.ID]
	if !ok || current.OwnerID != account.OwnerID {
		return storage.ErrNotFound
	}
	if s.emailTaken(account) {
		return storage.ErrDuplicate
	}
	s.state.accounts[account.ID] = *account
	return nil
}

func (s *accountStore) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	account, ok := s.state.accounts[id]
	if !ok || account.OwnerID != ownerID {
		return storage.ErrNotFound
	}
	delete(s.state.accounts, id)
	for key := range s.state.quotas {
		if key.accountID == id {
			delete(s.state.quotas, key)
		}
	}
	for sid, session := range s.state.sessions {
		if session.AccountID == id {
			delete(s.state.sessions, sid)
		}
	}
	return nil
}

type quotaStore struct{ *txn }

func (s *quotaStore) Get(ctx context.Context, accountID string, provider storage.Provider) (*storage.QuotaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quota, ok := s.state.quotas[quotaKey{accountID, provider}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &quota, nil
}

func (s *quotaStore) ListByAccount(ctx context.Context, accountID string) ([]storage.QuotaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quotas := make([]storage.QuotaState, 0, 2)
	for key, quota := range s.state.quotas {
		if key.accountID == accountID {
			quotas = append(quotas, quota)
		}
	}
	return quotas, nil
}

func (s *quotaStore) Create(ctx context.Context, quota *storage.QuotaState) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, ok := s.state.accounts[quota.AccountID]; !ok {
		return storage.ErrNotFound
	}
	key := quotaKey{quota.AccountID, quota.Provider}
	if _, ok := s.state.quotas[key]; ok {
		return storage.ErrDuplicate
	}
	s.state.quotas[key] = *quota
	return nil
}

func (s *quotaStore) Update(ctx context.Context, quota *storage.QuotaState) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	key := quotaKey{quota.AccountID, quota.Provider}
	if _, ok := s.state.quotas[key]; !ok {
		return storage.ErrNotFound
	}
	s.state.quotas[key] = *quota
	return nil
}

type sessionStore struct{ *txn }

func (s *sessionStore) Create(ctx context.Context, session *storage.Session) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, ok := s.state.sessions[session.ID]; ok {
		return storage.ErrDuplicate
	}
	if _, ok := s.state.accounts[session.AccountID]; !ok {
		return storage.ErrNotFound
	}
	if session.Open() {
		for _, existing := range s.state.sessions {
			if existing.OwnerID == session.OwnerID && existing.Open() {
				return storage.ErrDuplicate
			}
		}
	}
	s.state.sessions[session.ID] = *session
	return nil
}

func (s *sessionStore) Update(ctx context.Context, session *storage.Session) error {
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, ok := s.state.sessions[session.ID]; !ok {
		return storage.ErrNotFound
	}
	s.state.sessions[session.ID] = *session
	return nil
}

func (s *sessionStore) GetOpen(ctx context.Context, ownerID string) (*storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, session := range s.state.sessions {
		if session.OwnerID == ownerID && session.Open() {
			return &session, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *sessionStore) List(ctx context.Context, ownerID string, filter storage.SessionFilter) ([]storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessions := make([]storage.Session, 0)
	for _, session := range s.state.sessions {
		if session.OwnerID == ownerID && filter.Match(&session) {
			sessions = append(sessions, session)
		}
	}
	return storage.SortSessions(sessions, filter.Limit), nil
}
