// Package rotation implements the account rotation and quota lifecycle
// engine: it classifies accounts by remaining capacity, selects the next
// account/provider pair, records usage sessions and reclaims exhausted
// quotas once their reset time passes.
package rotation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/rs/zerolog"
)

// Config holds engine configuration
type Config struct {
	// Providers in preference order. The first entry is preferred by
	// SelectBest and RotateToNext. Defaults to storage.DefaultProviders.
	Providers []storage.Provider
	Clock     Clock
}

// Engine owns the storage handle and the per-owner write locks. Work for a
// single owner goes through the Pool returned by Engine.Pool.
type Engine struct {
	store     storage.Store
	providers []storage.Provider
	clock     Clock
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a new rotation engine
func New(store storage.Store, config Config, logger zerolog.Logger) *Engine {
	providers := config.Providers
	if len(providers) == 0 {
		providers = storage.DefaultProviders
	}
	clock := config.Clock
	if clock == nil {
		clock = RealClock{}
	}

	return &Engine{
		store:     store,
		providers: append([]storage.Provider(nil), providers...),
		clock:     clock,
		logger:    logger.With().Str("component", "rotation").Logger(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Providers returns the configured providers in preference order.
func (e *Engine) Providers() []storage.Provider {
	return append([]storage.Provider(nil), e.providers...)
}

// Preferred returns the provider SelectBest tries first by default.
func (e *Engine) Preferred() storage.Provider {
	return e.providers[0]
}

// ParseProvider validates a provider token against the configured set.
func (e *Engine) ParseProvider(s string) (storage.Provider, error) {
	p := storage.Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range e.providers {
		if p == known {
			return p, nil
		}
	}
	return "", invalidInput("unknown provider %q", s)
}

// ParseTimestamp parses an RFC 3339 timestamp that carries an explicit UTC
// offset and returns it in UTC. Offset-less values are rejected rather than
// read as local time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, invalidInput("empty timestamp")
	}
	if !hasOffset(s) {
		return time.Time{}, invalidInput("timestamp %q has no UTC offset", s)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, invalidInput("malformed timestamp %q", s)
	}
	return t.UTC(), nil
}

// hasOffset reports whether an RFC 3339 string ends in Z or ±hh:mm.
func hasOffset(s string) bool {
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		return true
	}
	if len(s) < 6 {
		return false
	}
	tail := s[len(s)-6:]
	return (tail[0] == '+' || tail[0] == '-') && tail[3] == ':'
}

// Pool returns the handle for one owner's accounts.
func (e *Engine) Pool(ownerID string) *Pool {
	return &Pool{
		engine: e,
		owner:  ownerID,
		lock:   e.ownerLock(ownerID),
		logger: e.logger.With().Str("owner", ownerID).Logger(),
	}
}

func (e *Engine) ownerLock(ownerID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[ownerID] = lock
	}
	return lock
}

// Pool is the rotation engine scoped to one owner. Mutations hold the
// owner's lock and run as one storage transaction.
type Pool struct {
	engine *Engine
	owner  string
	lock   *sync.Mutex
	logger zerolog.Logger
}

// Owner returns the owner the pool is scoped to.
func (p *Pool) Owner() string {
	return p.owner
}

// unit is one transaction's view: the storage Tx, the instant the unit
// started, and side effects to run once the transaction has committed.
type unit struct {
	storage.Tx
	ctx      context.Context
	now      time.Time
	onCommit []func()
}

func (u *unit) afterCommit(fn func()) {
	u.onCommit = append(u.onCommit, fn)
}

// mutate runs fn in a read-write transaction under the owner lock.
func (p *Pool) mutate(ctx context.Context, op string, fn func(u *unit) error) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	var committed *unit
	err := p.engine.store.Update(ctx, func(tx storage.Tx) error {
		u := &unit{Tx: tx, ctx: ctx, now: p.engine.clock.Now().UTC()}
		if err := fn(u); err != nil {
			return err
		}
		committed = u
		return nil
	})
	if err != nil {
		return mapError(op, err)
	}
	for _, effect := range committed.onCommit {
		effect()
	}
	return nil
}

// view runs fn in a read-only transaction. It takes no lock.
func (p *Pool) view(ctx context.Context, op string, fn func(u *unit) error) error {
	err := p.engine.store.View(ctx, func(tx storage.Tx) error {
		return fn(&unit{Tx: tx, ctx: ctx, now: p.engine.clock.Now().UTC()})
	})
	return mapError(op, err)
}

func (p *Pool) providers() []storage.Provider {
	return p.engine.providers
}

// checkProvider rejects providers outside the configured set.
func (p *Pool) checkProvider(provider storage.Provider) error {
	for _, known := range p.engine.providers {
		if provider == known {
			return nil
		}
	}
	return invalidInput("unknown provider %q", provider)
}

func (p *Pool) loadAccount(u *unit, accountID string) (*storage.Account, error) {
	account, err := u.Accounts().Get(u.ctx, p.owner, accountID)
	if err != nil {
		if isStorageNotFound(err) {
			return nil, notFound("account %s", accountID)
		}
		return nil, err
	}
	return account, nil
}
