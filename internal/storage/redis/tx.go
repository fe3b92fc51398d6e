package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/redis/go-redis/v9"
)

var errReadOnly = errors.New("redis: write in read-only transaction")

type quotaRef struct {
	accountID string
	provider  storage.Provider
}

// txn overlays pending writes on top of the keyspace. A nil map value marks
// a record deleted in this transaction; an empty string marks a released
// index entry.
type txn struct {
	store    *Store
	readOnly bool

	accounts map[string]*storage.Account
	quotas   map[quotaRef]*storage.QuotaState
	sessions map[string]*storage.Session
	index    map[string]string // email and open-session keys
	dropped  map[string]bool   // accounts deleted in this transaction

	ops []func(ctx context.Context, pipe redis.Pipeliner)
}

func newTxn(s *Store, readOnly bool) *txn {
	return &txn{
		store:    s,
		readOnly: readOnly,
		accounts: make(map[string]*storage.Account),
		quotas:   make(map[quotaRef]*storage.QuotaState),
		sessions: make(map[string]*storage.Session),
		index:    make(map[string]string),
		dropped:  make(map[string]bool),
	}
}

func (t *txn) Accounts() storage.AccountStore { return &accountStore{t} }
func (t *txn) Quotas() storage.QuotaStore     { return &quotaStore{t} }
func (t *txn) Sessions() storage.SessionStore { return &sessionStore{t} }

func (t *txn) client() *redis.Client { return t.store.client }
func (t *txn) keys() keyspace        { return t.store.keys }

func (t *txn) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *txn) queue(op func(ctx context.Context, pipe redis.Pipeliner)) {
	t.ops = append(t.ops, op)
}

func (t *txn) commit(ctx context.Context) error {
	if len(t.ops) == 0 {
		return nil
	}
	_, err := t.client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range t.ops {
			op(ctx, pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: commit: %w", err)
	}
	return nil
}

// lookup resolves a string index key, honouring pending writes.
func (t *txn) lookup(ctx context.Context, key string) (string, error) {
	if value, ok := t.index[key]; ok {
		return value, nil
	}
	value, err := t.client().Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (t *txn) setIndex(key, value string) {
	t.index[key] = value
	t.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, value, 0)
	})
}

func (t *txn) clearIndex(key string) {
	t.index[key] = ""
	t.queue(func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
	})
}

func (t *txn) loadAccount(ctx context.Context, id string) (*storage.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if account, ok := t.accounts[id]; ok {
		if account == nil {
			return nil, storage.ErrNotFound
		}
		copied := *account
		return &copied, nil
	}
	data, err := t.client().HGetAll(ctx, t.keys().account(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseAccount(data)
}

func (t *txn) loadQuota(ctx context.Context, ref quotaRef) (*storage.QuotaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if quota, ok := t.quotas[ref]; ok {
		if quota == nil {
			return nil, storage.ErrNotFound
		}
		copied := *quota
		return &copied, nil
	}
	if t.dropped[ref.accountID] {
		return nil, storage.ErrNotFound
	}
	data, err := t.client().HGetAll(ctx, t.keys().quota(ref.accountID, ref.provider)).Result()
	if err != nil {
		return nil, err
	}
	return parseQuota(data)
}

func (t *txn) loadSession(ctx context.Context, id string) (*storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if session, ok := t.sessions[id]; ok {
		if session == nil {
			return nil, storage.ErrNotFound
		}
		copied := *session
		return &copied, nil
	}
	data, err := t.client().HGetAll(ctx, t.keys().session(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// loadSessions fetches persisted sessions in one pipeline, skipping ids
// the transaction has already touched.
func (t *txn) loadSessions(ctx context.Context, ids []string) ([]storage.Session, error) {
	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := t.sessions[id]; !ok {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	pipe := t.client().Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(pending))
	for i, id := range pending {
		cmds[i] = pipe.HGetAll(ctx, t.keys().session(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	sessions := make([]storage.Session, 0, len(pending))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		session, err := parseSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}
