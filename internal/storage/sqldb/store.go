package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goodtune/rotator/internal/storage"
	"gorm.io/gorm"
)

var errReadOnly = errors.New("sqldb: write in read-only transaction")

// Store implements the storage.Store interface on a GORM connection.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	store, err := New(db)
	if err != nil {
		if sqlDB, errDB := db.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return store, nil
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate creates or updates the tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&accountRow{}, &quotaRow{}, &sessionRow{}); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	// At most one open session per owner, enforced across processes that
	// share the database. Both postgres and sqlite support partial indexes.
	if err := db.Exec(createOpenSessionIndex).Error; err != nil {
		return fmt.Errorf("db: create open session index: %w", err)
	}
	return nil
}

const createOpenSessionIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_owner_open
	ON sessions (owner_id) WHERE ended_at IS NULL`

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// View runs fn with reads against the live tables.
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&txn{db: s.db.WithContext(ctx), readOnly: true})
}

// Update runs fn inside a database transaction that is rolled back when fn
// returns an error.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txn{db: tx})
	})
}

type txn struct {
	db       *gorm.DB
	readOnly bool
}

func (t *txn) Accounts() storage.AccountStore { return &accountStore{t} }
func (t *txn) Quotas() storage.QuotaStore     { return &quotaStore{t} }
func (t *txn) Sessions() storage.SessionStore { return &sessionStore{t} }

func (t *txn) conn(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx)
}

func (t *txn) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// translate maps GORM errors onto the storage sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return storage.ErrDuplicate
	default:
		return err
	}
}

func (t *txn) exists(ctx context.Context, model any, query string, args ...any) (bool, error) {
	var count int64
	if err := t.conn(ctx).Model(model).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
