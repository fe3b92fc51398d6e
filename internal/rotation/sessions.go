package rotation

import (
	"context"
	"time"

	"github.com/goodtune/rotator/internal/metrics"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/google/uuid"
)

// DefaultHistoryLimit bounds History when the filter sets no limit.
const DefaultHistoryLimit = 50

// Candidate is an account/provider pair picked by SelectBest.
type Candidate struct {
	Account  storage.Account  `json:"account"`
	Provider storage.Provider `json:"provider"`
}

// RotationResult reports what RotateToNext did.
type RotationResult struct {
	EndedSession *storage.Session `json:"ended_session"`
	NextAccount  *storage.Account `json:"next_account"`
	NextProvider storage.Provider `json:"next_provider,omitempty"`
	Rotated      bool             `json:"rotated"`
	// NeedsUserChoice is set when only a non-preferred provider is left.
	// No session is started in that case.
	NeedsUserChoice bool `json:"needs_user_choice"`
	// NextPreferredReset is the earliest pending reset of the preferred
	// provider, reported alongside NeedsUserChoice.
	NextPreferredReset *time.Time      `json:"next_preferred_reset,omitempty"`
	NewSession         *storage.Session `json:"new_session,omitempty"`
}

// SelectBest picks the least used account with prefer available, falling
// back to the remaining providers in configured order. An empty prefer
// means the configured preferred provider. It returns nil when no account
// has any provider available.
func (p *Pool) SelectBest(ctx context.Context, prefer storage.Provider) (*Candidate, error) {
	if prefer == "" {
		prefer = p.engine.Preferred()
	}
	if err := p.checkProvider(prefer); err != nil {
		return nil, err
	}

	var candidate *Candidate
	err := p.mutate(ctx, "select best", func(u *unit) error {
		var err error
		candidate, err = p.selectBest(u, prefer)
		return err
	})
	return candidate, err
}

func (p *Pool) selectBest(u *unit, prefer storage.Provider) (*Candidate, error) {
	order := []storage.Provider{prefer}
	for _, provider := range p.providers() {
		if provider != prefer {
			order = append(order, provider)
		}
	}

	for _, provider := range order {
		accounts, err := p.listAvailable(u, provider)
		if err != nil {
			return nil, err
		}
		if len(accounts) == 0 {
			continue
		}
		best := &accounts[0]
		for i := 1; i < len(accounts); i++ {
			if lessUsed(&accounts[i], best) {
				best = &accounts[i]
			}
		}
		return &Candidate{Account: *best, Provider: provider}, nil
	}
	return nil, nil
}

// lessUsed orders by usage count, then creation time, then id.
func lessUsed(a, b *storage.Account) bool {
	if a.TimesUsed != b.TimesUsed {
		return a.TimesUsed < b.TimesUsed
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ActiveSession returns the pool's open session, or nil when idle.
func (p *Pool) ActiveSession(ctx context.Context) (*storage.Session, error) {
	var session *storage.Session
	err := p.view(ctx, "active session", func(u *unit) error {
		open, err := u.Sessions().GetOpen(u.ctx, p.owner)
		if isStorageNotFound(err) {
			return nil
		}
		session = open
		return err
	})
	return session, err
}

// StartSession opens a session on the account/provider pair. It fails with
// ErrConflict while another session is open, ErrNotFound for an unknown
// account and ErrQuotaExhausted when the provider is unavailable.
func (p *Pool) StartSession(ctx context.Context, accountID string, provider storage.Provider) (*storage.Session, error) {
	if err := p.checkProvider(provider); err != nil {
		return nil, err
	}

	var session *storage.Session
	err := p.mutate(ctx, "start session", func(u *unit) error {
		var err error
		session, err = p.startSession(u, accountID, provider)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("session", session.ID).
		Str("account", accountID).
		Str("provider", string(provider)).
		Msg("Session started")
	return session, nil
}

func (p *Pool) startSession(u *unit, accountID string, provider storage.Provider) (*storage.Session, error) {
	open, err := u.Sessions().GetOpen(u.ctx, p.owner)
	if err == nil {
		return nil, conflict("session %s is still active on account %s", open.ID, open.AccountID)
	}
	if !isStorageNotFound(err) {
		return nil, err
	}

	account, err := p.loadAccount(u, accountID)
	if err != nil {
		return nil, err
	}

	available, err := p.quotaAvailable(u, accountID, provider)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, quotaExhausted("%s quota exhausted for account %s", provider, accountID)
	}

	session := &storage.Session{
		ID:        uuid.NewString(),
		OwnerID:   p.owner,
		AccountID: accountID,
		Provider:  provider,
		StartedAt: u.now,
	}
	if err := u.Sessions().Create(u.ctx, session); err != nil {
		return nil, err
	}

	account.Active = true
	if err := u.Accounts().Update(u.ctx, account); err != nil {
		return nil, err
	}

	u.afterCommit(func() {
		metrics.SessionsStarted.WithLabelValues(string(provider)).Inc()
	})
	return session, nil
}

// EndSession closes the open session and rolls its duration into the
// account. With reason quota_exhausted and a reset time, the session's
// quota is marked exhausted too. It returns nil when nothing is open.
func (p *Pool) EndSession(ctx context.Context, reason storage.EndReason, nextResetAt *time.Time) (*storage.Session, error) {
	reason, err := checkReason(reason, storage.EndReasonManual)
	if err != nil {
		return nil, err
	}

	var session *storage.Session
	err = p.mutate(ctx, "end session", func(u *unit) error {
		var err error
		session, err = p.endSession(u, reason, nextResetAt)
		return err
	})
	if err != nil || session == nil {
		return nil, err
	}

	p.logger.Info().
		Str("session", session.ID).
		Str("account", session.AccountID).
		Str("reason", string(reason)).
		Dur("duration", session.Duration).
		Msg("Session ended")
	return session, nil
}

func checkReason(reason, fallback storage.EndReason) (storage.EndReason, error) {
	if reason == "" {
		return fallback, nil
	}
	parsed, err := storage.ParseEndReason(string(reason))
	if err != nil {
		return "", invalidInput("%v", err)
	}
	return parsed, nil
}

func (p *Pool) endSession(u *unit, reason storage.EndReason, nextResetAt *time.Time) (*storage.Session, error) {
	session, err := u.Sessions().GetOpen(u.ctx, p.owner)
	if isStorageNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session.Close(u.now, reason)
	if err := u.Sessions().Update(u.ctx, session); err != nil {
		return nil, err
	}

	account, err := u.Accounts().Get(u.ctx, p.owner, session.AccountID)
	if err != nil {
		return nil, err
	}
	account.Active = false
	account.TimesUsed++
	account.UsedDuration += session.Duration
	if err := u.Accounts().Update(u.ctx, account); err != nil {
		return nil, err
	}

	if reason == storage.EndReasonQuotaExhausted && nextResetAt != nil {
		if _, err := p.markExhausted(u, session.AccountID, session.Provider, *nextResetAt); err != nil {
			return nil, err
		}
	}

	closed := *session
	u.afterCommit(func() {
		metrics.SessionsEnded.WithLabelValues(string(closed.Provider), string(reason)).Inc()
		metrics.SessionDuration.WithLabelValues(string(closed.Provider)).Observe(closed.Duration.Seconds())
	})
	return session, nil
}

// RotateToNext ends the open session, selects the next best candidate and,
// when autoStart is set and the candidate uses the preferred provider,
// starts a session on it. It never starts a session on a non-preferred
// provider; that case is reported through NeedsUserChoice. The whole
// rotation is one transaction.
func (p *Pool) RotateToNext(ctx context.Context, reason storage.EndReason, nextResetAt *time.Time, autoStart bool) (*RotationResult, error) {
	reason, err := checkReason(reason, storage.EndReasonQuotaExhausted)
	if err != nil {
		return nil, err
	}
	preferred := p.engine.Preferred()

	var result *RotationResult
	var outcome string
	err = p.mutate(ctx, "rotate", func(u *unit) error {
		result = &RotationResult{}
		ended, err := p.endSession(u, reason, nextResetAt)
		if err != nil {
			return err
		}
		result.EndedSession = ended

		candidate, err := p.selectBest(u, preferred)
		if err != nil {
			return err
		}
		if candidate == nil {
			outcome = metrics.OutcomeNoAccount
			return nil
		}
		result.NextAccount = &candidate.Account
		result.NextProvider = candidate.Provider

		if candidate.Provider != preferred {
			result.NeedsUserChoice = true
			result.NextPreferredReset, err = p.nextReset(u, preferred)
			outcome = metrics.OutcomeNeedsUserChoice
			return err
		}

		outcome = metrics.OutcomeSelected
		if autoStart {
			session, err := p.startSession(u, candidate.Account.ID, candidate.Provider)
			if err != nil {
				return err
			}
			result.NewSession = session
			result.Rotated = true
			outcome = metrics.OutcomeRotated
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Rotations.WithLabelValues(outcome).Inc()
	event := p.logger.Info().Str("outcome", outcome)
	if result.NextAccount != nil {
		event = event.Str("next_account", result.NextAccount.ID).Str("next_provider", string(result.NextProvider))
	}
	event.Msg("Rotation finished")
	return result, nil
}

// History lists sessions newest first. A zero limit means
// DefaultHistoryLimit.
func (p *Pool) History(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	if filter.Provider != "" {
		if err := p.checkProvider(filter.Provider); err != nil {
			return nil, err
		}
	}
	if filter.Limit < 0 {
		return nil, invalidInput("limit must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultHistoryLimit
	}

	var sessions []storage.Session
	err := p.view(ctx, "history", func(u *unit) error {
		var err error
		sessions, err = u.Sessions().List(u.ctx, p.owner, filter)
		return err
	})
	return sessions, err
}
