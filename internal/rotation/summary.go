package rotation

import (
	"context"
	"math"

	"github.com/goodtune/rotator/internal/metrics"
	"github.com/goodtune/rotator/internal/storage"
)

// Values of Summary.MostUsedProvider besides a provider token.
const (
	MostUsedTie  = "tie"
	MostUsedNone = "none"
)

// Summary aggregates the pool. Hours come from closed sessions only.
type Summary struct {
	Total              int                          `json:"total"`
	Available          int                          `json:"available"`
	PartiallyLimited   int                          `json:"partially_limited"`
	FullyLimited       int                          `json:"fully_limited"`
	ExhaustedBy        map[storage.Provider]int     `json:"exhausted_by_provider"`
	HoursByProvider    map[storage.Provider]float64 `json:"hours_by_provider"`
	SessionsByProvider map[storage.Provider]int     `json:"sessions_by_provider"`
	TotalHours         float64                      `json:"total_hours"`
	MostUsedProvider   string                       `json:"most_used_provider"`
}

// ProviderStats is the per-provider part of Stats.
type ProviderStats struct {
	Sessions int     `json:"sessions"`
	Seconds  float64 `json:"seconds"`
	Hours    float64 `json:"hours"`
}

// Stats describes closed sessions.
type Stats struct {
	TotalSessions  int                                `json:"total_sessions"`
	TotalSeconds   float64                            `json:"total_seconds"`
	TotalHours     float64                            `json:"total_hours"`
	AverageSeconds float64                            `json:"average_seconds"`
	ByProvider     map[storage.Provider]ProviderStats `json:"by_provider"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Summarize computes pool-wide figures from live reads. Quotas past their
// reset time are reset as they are read.
func (p *Pool) Summarize(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	err := p.mutate(ctx, "summarize", func(u *unit) error {
		summary = newSummary(p.providers())

		accounts, err := u.Accounts().List(u.ctx, p.owner)
		if err != nil {
			return err
		}
		summary.Total = len(accounts)
		for i := range accounts {
			view, err := p.accountView(u, &accounts[i])
			if err != nil {
				return err
			}
			switch view.Classification {
			case storage.ClassAvailable:
				summary.Available++
			case storage.ClassPartiallyLimited:
				summary.PartiallyLimited++
			default:
				summary.FullyLimited++
			}
			for j := range view.Quotas {
				if view.Quotas[j].Exhausted() {
					summary.ExhaustedBy[view.Quotas[j].Provider]++
				}
			}
		}

		sessions, err := u.Sessions().List(u.ctx, p.owner, storage.SessionFilter{ClosedOnly: true})
		if err != nil {
			return err
		}
		seconds := make(map[storage.Provider]float64)
		var total float64
		for i := range sessions {
			s := sessions[i].Duration.Seconds()
			seconds[sessions[i].Provider] += s
			summary.SessionsByProvider[sessions[i].Provider]++
			total += s
		}
		for provider, s := range seconds {
			summary.HoursByProvider[provider] = round2(s / 3600)
		}
		summary.TotalHours = round2(total / 3600)
		summary.MostUsedProvider = mostUsed(summary.SessionsByProvider)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Accounts.WithLabelValues(string(storage.ClassAvailable)).Set(float64(summary.Available))
	metrics.Accounts.WithLabelValues(string(storage.ClassPartiallyLimited)).Set(float64(summary.PartiallyLimited))
	metrics.Accounts.WithLabelValues(string(storage.ClassFullyLimited)).Set(float64(summary.FullyLimited))
	return summary, nil
}

func newSummary(providers []storage.Provider) *Summary {
	s := &Summary{
		ExhaustedBy:        make(map[storage.Provider]int, len(providers)),
		HoursByProvider:    make(map[storage.Provider]float64, len(providers)),
		SessionsByProvider: make(map[storage.Provider]int, len(providers)),
	}
	for _, provider := range providers {
		s.ExhaustedBy[provider] = 0
		s.HoursByProvider[provider] = 0
		s.SessionsByProvider[provider] = 0
	}
	return s
}

// mostUsed returns the provider with strictly the most sessions, MostUsedTie
// when the maximum is shared and MostUsedNone when there are no sessions.
func mostUsed(counts map[storage.Provider]int) string {
	best, winners := 0, 0
	var winner storage.Provider
	for provider, n := range counts {
		switch {
		case n > best:
			best, winners, winner = n, 1, provider
		case n == best && n > 0:
			winners++
		}
	}
	switch {
	case best == 0:
		return MostUsedNone
	case winners > 1:
		return MostUsedTie
	default:
		return string(winner)
	}
}

// Stats summarizes closed sessions overall and per provider.
func (p *Pool) Stats(ctx context.Context) (*Stats, error) {
	var sessions []storage.Session
	err := p.view(ctx, "stats", func(u *unit) error {
		var err error
		sessions, err = u.Sessions().List(u.ctx, p.owner, storage.SessionFilter{ClosedOnly: true})
		return err
	})
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByProvider: make(map[storage.Provider]ProviderStats)}
	for _, provider := range p.providers() {
		stats.ByProvider[provider] = ProviderStats{}
	}
	for i := range sessions {
		s := sessions[i].Duration.Seconds()
		stats.TotalSeconds += s
		entry := stats.ByProvider[sessions[i].Provider]
		entry.Sessions++
		entry.Seconds += s
		stats.ByProvider[sessions[i].Provider] = entry
	}
	for provider, entry := range stats.ByProvider {
		entry.Hours = round2(entry.Seconds / 3600)
		stats.ByProvider[provider] = entry
	}

	stats.TotalSessions = len(sessions)
	stats.TotalHours = round2(stats.TotalSeconds / 3600)
	if stats.TotalSessions > 0 {
		stats.AverageSeconds = round2(stats.TotalSeconds / float64(stats.TotalSessions))
	}
	return stats, nil
}
