package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a quota-limited capability source an account can use.
type Provider string

// Reference provider tokens.
const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// DefaultProviders is the reference provider set in preference order.
var DefaultProviders = []Provider{ProviderAnthropic, ProviderGemini}

// UnmarshalJSON implements json.Unmarshaler to normalize providers to lowercase.
func (p *Provider) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = Provider(strings.ToLower(strings.TrimSpace(s)))
	return nil
}

// QuotaStatus is the persisted availability of a quota.
type QuotaStatus string

const (
	QuotaAvailable QuotaStatus = "available"
	QuotaExhausted QuotaStatus = "exhausted"
)

// EndReason records why a session was closed.
type EndReason string

const (
	EndReasonManual         EndReason = "manual"
	EndReasonQuotaExhausted EndReason = "quota_exhausted"
)

// ParseEndReason validates a reason token.
func ParseEndReason(s string) (EndReason, error) {
	switch EndReason(strings.ToLower(strings.TrimSpace(s))) {
	case EndReasonManual:
		return EndReasonManual, nil
	case EndReasonQuotaExhausted:
		return EndReasonQuotaExhausted, nil
	default:
		return "", fmt.Errorf("invalid end reason: %s (must be manual or quota_exhausted)", s)
	}
}

// Classification is the derived availability tier of an account.
type Classification string

const (
	ClassAvailable        Classification = "available"
	ClassPartiallyLimited Classification = "partially_limited"
	ClassFullyLimited     Classification = "fully_limited"
)

// ParseClassification validates a classification token.
func ParseClassification(s string) (Classification, error) {
	switch Classification(strings.ToLower(strings.TrimSpace(s))) {
	case ClassAvailable:
		return ClassAvailable, nil
	case ClassPartiallyLimited:
		return ClassPartiallyLimited, nil
	case ClassFullyLimited:
		return ClassFullyLimited, nil
	default:
		return "", fmt.Errorf("invalid classification: %s", s)
	}
}

// Account is a unit of rotation with independent quota per provider.
type Account struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Email        string        `json:"email"`
	DisplayName  string        `json:"display_name,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Active       bool          `json:"active"`
	TimesUsed    int64         `json:"times_used"`
	UsedDuration time.Duration `json:"used_duration"`
}

// Name returns the display name, falling back to the email.
func (a *Account) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Email
}

// QuotaState is the availability record for one (account, provider) pair.
// NextResetAt is set iff Status is QuotaExhausted.
type QuotaState struct {
	AccountID   string      `json:"account_id"`
	Provider    Provider    `json:"provider"`
	Status      QuotaStatus `json:"status"`
	ExhaustedAt *time.Time  `json:"exhausted_at,omitempty"`
	NextResetAt *time.Time  `json:"next_reset_at,omitempty"`
}

// NewQuota returns an available quota for the pair.
func NewQuota(accountID string, provider Provider) QuotaState {
	return QuotaState{AccountID: accountID, Provider: provider, Status: QuotaAvailable}
}

// Exhausted reports the persisted status without applying the reset time.
func (q *QuotaState) Exhausted() bool {
	return q.Status == QuotaExhausted
}

// ExpiredAt reports whether an exhausted quota has reached its reset time.
// An exhausted quota without a reset time never expires on its own.
func (q *QuotaState) ExpiredAt(now time.Time) bool {
	if q.Status != QuotaExhausted || q.NextResetAt == nil {
		return false
	}
	return !now.UTC().Before(q.NextResetAt.UTC())
}

// AvailableAt reports logical availability at now.
func (q *QuotaState) AvailableAt(now time.Time) bool {
	return q.Status != QuotaExhausted || q.ExpiredAt(now)
}

// MarkExhausted records exhaustion. resetAt is not required to be in the future.
func (q *QuotaState) MarkExhausted(now, resetAt time.Time) {
	exhaustedAt := now.UTC()
	next := resetAt.UTC()
	q.Status = QuotaExhausted
	q.ExhaustedAt = &exhaustedAt
	q.NextResetAt = &next
}

// Reset forces the quota back to available.
func (q *QuotaState) Reset() {
	q.Status = QuotaAvailable
	q.ExhaustedAt = nil
	q.NextResetAt = nil
}

// Session is a usage interval bound to one account and provider.
type Session struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	AccountID string        `json:"account_id"`
	Provider  Provider      `json:"provider"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	EndReason EndReason     `json:"end_reason,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}

// Close ends the session at now and computes its duration.
func (s *Session) Close(now time.Time, reason EndReason) {
	ended := now.UTC()
	s.EndedAt = &ended
	s.EndReason = reason
	s.Duration = ended.Sub(s.StartedAt.UTC())
	if s.Duration < 0 {
		s.Duration = 0
	}
}

// SessionFilter narrows a session listing.
type SessionFilter struct {
	AccountID  string
	Provider   Provider
	ClosedOnly bool
	Limit      int // zero means unbounded
}

// Match reports whether s satisfies the filter, ignoring Limit.
func (f SessionFilter) Match(s *Session) bool {
	if f.AccountID != "" && s.AccountID != f.AccountID {
		return false
	}
	if f.Provider != "" && s.Provider != f.Provider {
		return false
	}
	if f.ClosedOnly && s.Open() {
		return false
	}
	return true
}

// NormalizeTime returns t in UTC, keeping nil as nil.
func NormalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
