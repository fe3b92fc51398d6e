package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/rotator/internal/storage"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatOptionalTime stores a nil time as the empty string.
func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseOptionalTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return &t, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func accountFields(a *storage.Account) []interface{} {
	return []interface{}{
		"id", a.ID,
		"owner_id", a.OwnerID,
		"email", a.Email,
		"display_name", a.DisplayName,
		"created_at", formatTime(a.CreatedAt),
		"active", formatBool(a.Active),
		"times_used", a.TimesUsed,
		"used_duration_ns", int64(a.UsedDuration),
	}
}

// parseAccount converts a Redis hash to Account
func parseAccount(data map[string]string) (*storage.Account, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	active, err := strconv.ParseBool(data["active"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse active: %w", err)
	}

	timesUsed, err := strconv.ParseInt(data["times_used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse times_used: %w", err)
	}

	usedDuration, err := strconv.ParseInt(data["used_duration_ns"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse used_duration_ns: %w", err)
	}

	return &storage.Account{
		ID:           data["id"],
		OwnerID:      data["owner_id"],
		Email:        data["email"],
		DisplayName:  data["display_name"],
		CreatedAt:    createdAt,
		Active:       active,
		TimesUsed:    timesUsed,
		UsedDuration: time.Duration(usedDuration),
	}, nil
}

func quotaFields(q *storage.QuotaState) []interface{} {
	return []interface{}{
		"account_id", q.AccountID,
		"provider", string(q.Provider),
		"status", string(q.Status),
		"exhausted_at", formatOptionalTime(q.ExhaustedAt),
		"next_reset_at", formatOptionalTime(q.NextResetAt),
	}
}

// parseQuota converts a Redis hash to QuotaState
func parseQuota(data map[string]string) (*storage.QuotaState, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	exhaustedAt, err := parseOptionalTime("exhausted_at", data["exhausted_at"])
	if err != nil {
		return nil, err
	}

	nextResetAt, err := parseOptionalTime("next_reset_at", data["next_reset_at"])
	if err != nil {
		return nil, err
	}

	return &storage.QuotaState{
		AccountID:   data["account_id"],
		Provider:    storage.Provider(data["provider"]),
		Status:      storage.QuotaStatus(data["status"]),
		ExhaustedAt: exhaustedAt,
		NextResetAt: nextResetAt,
	}, nil
}

func sessionFields(s *storage.Session) []interface{} {
	return []interface{}{
		"id", s.ID,
		"owner_id", s.OwnerID,
		"account_id", s.AccountID,
		"provider", string(s.Provider),
		"started_at", formatTime(s.StartedAt),
		"ended_at", formatOptionalTime(s.EndedAt),
		"end_reason", string(s.EndReason),
		"duration_ns", int64(s.Duration),
	}
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	endedAt, err := parseOptionalTime("ended_at", data["ended_at"])
	if err != nil {
		return nil, err
	}

	duration, err := strconv.ParseInt(data["duration_ns"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration_ns: %w", err)
	}

	return &storage.Session{
		ID:        data["id"],
		OwnerID:   data["owner_id"],
		AccountID: data["account_id"],
		Provider:  storage.Provider(data["provider"]),
		StartedAt: startedAt,
		EndedAt:   endedAt,
		EndReason: storage.EndReason(data["end_reason"]),
		Duration:  time.Duration(duration),
	}, nil
}
