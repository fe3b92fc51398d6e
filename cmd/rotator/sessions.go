package main

import (
	"context"
	"io"
	"time"

	"github.com/goodtune/rotator/internal/rotation"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/spf13/cobra"
)

var (
	endReason       string
	rotateReason    string
	sessionResetAt  string
	sessionResetIn  string
	sessionNoStart  bool
	sessionPrefer   string
	historyAccount  string
	historyProvider string
	historyClosed   bool
	historyLimit    int
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Start, end and rotate usage sessions",
}

var sessionsSelectCmd = &cobra.Command{
	Use:   "select",
	Short: "Show the account and provider a rotation would pick",
	Args:  cobra.NoArgs,
	RunE:  withApp(runSessionsSelect),
}

var sessionsStartCmd = &cobra.Command{
	Use:   "start ACCOUNT_ID PROVIDER",
	Short: "Start a session",
	Args:  cobra.ExactArgs(2),
	RunE:  withApp(runSessionsStart),
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end",
	Short: "End the active session",
	Example: `  rotator sessions end
  rotator sessions end --reason quota_exhausted --in 4h30m`,
	Args: cobra.NoArgs,
	RunE: withApp(runSessionsEnd),
}

var sessionsActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the active session",
	Args:  cobra.NoArgs,
	RunE:  withApp(runSessionsActive),
}

var sessionsRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "End the active session and move to the least used account",
	Example: `  rotator sessions rotate --reset-at 2025-06-01T18:00:00Z
  rotator sessions rotate --reason manual --no-start`,
	Args: cobra.NoArgs,
	RunE: withApp(runSessionsRotate),
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  withApp(runSessionsHistory),
}

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize closed sessions",
	Args:  cobra.NoArgs,
	RunE:  withApp(runSessionsStats),
}

func init() {
	sessionsSelectCmd.Flags().StringVar(&sessionPrefer, "prefer", "", "Provider to try first (defaults to the preferred provider)")

	for _, cmd := range []*cobra.Command{sessionsEndCmd, sessionsRotateCmd} {
		cmd.Flags().StringVar(&sessionResetAt, "reset-at", "", "Quota reset time, RFC 3339 with offset")
		cmd.Flags().StringVar(&sessionResetIn, "in", "", "Quota resets after this duration, e.g. 5h")
		cmd.MarkFlagsMutuallyExclusive("reset-at", "in")
	}
	sessionsEndCmd.Flags().StringVar(&endReason, "reason", string(storage.EndReasonManual), "End reason: manual or quota_exhausted")
	sessionsRotateCmd.Flags().StringVar(&rotateReason, "reason", string(storage.EndReasonQuotaExhausted), "End reason: manual or quota_exhausted")
	sessionsRotateCmd.Flags().BoolVar(&sessionNoStart, "no-start", false, "Select the next account without starting a session")

	sessionsHistoryCmd.Flags().StringVar(&historyAccount, "account", "", "Only sessions of this account")
	sessionsHistoryCmd.Flags().StringVar(&historyProvider, "provider", "", "Only sessions of this provider")
	sessionsHistoryCmd.Flags().BoolVar(&historyClosed, "closed", false, "Only closed sessions")
	sessionsHistoryCmd.Flags().IntVar(&historyLimit, "limit", rotation.DefaultHistoryLimit, "Maximum sessions to list")

	sessionsCmd.AddCommand(sessionsSelectCmd, sessionsStartCmd, sessionsEndCmd, sessionsActiveCmd,
		sessionsRotateCmd, sessionsHistoryCmd, sessionsStatsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsSelect(ctx context.Context, a *app, args []string) error {
	var prefer storage.Provider
	if sessionPrefer != "" {
		p, err := a.provider(sessionPrefer)
		if err != nil {
			return err
		}
		prefer = p
	}

	candidate, err := a.pool.SelectBest(ctx, prefer)
	if err != nil {
		return err
	}
	return a.out.print(candidate, func(w io.Writer) {
		if candidate == nil {
			fprintf(w, "%s\n", red.Sprint("No account has quota left on any provider."))
			return
		}
		fprintf(w, "Next: %s (%s) on %s\n", candidate.Account.Name(), candidate.Account.ID, candidate.Provider)
	})
}

func runSessionsStart(ctx context.Context, a *app, args []string) error {
	provider, err := a.provider(args[1])
	if err != nil {
		return err
	}
	session, err := a.pool.StartSession(ctx, args[0], provider)
	if err != nil {
		return err
	}
	return a.out.print(session, func(w io.Writer) {
		fprintf(w, "%s Session %s started on %s with %s\n", green.Sprint("✓"), session.ID, session.AccountID, session.Provider)
	})
}

func runSessionsEnd(ctx context.Context, a *app, args []string) error {
	resetAt, err := resolveReset(sessionResetAt, sessionResetIn)
	if err != nil {
		return err
	}
	session, err := a.pool.EndSession(ctx, storage.EndReason(endReason), resetAt)
	if err != nil {
		return err
	}
	return a.out.print(session, func(w io.Writer) {
		if session == nil {
			fprintf(w, "No active session.\n")
			return
		}
		fprintf(w, "Session %s ended after %s (%s)\n", session.ID, formatDuration(session.Duration), session.EndReason)
	})
}

func runSessionsActive(ctx context.Context, a *app, args []string) error {
	session, err := a.pool.ActiveSession(ctx)
	if err != nil {
		return err
	}
	return a.out.print(session, func(w io.Writer) {
		if session == nil {
			fprintf(w, "No active session.\n")
			return
		}
		fprintf(w, "Session:\t%s\n", session.ID)
		fprintf(w, "Account:\t%s\n", session.AccountID)
		fprintf(w, "Provider:\t%s\n", session.Provider)
		fprintf(w, "Started:\t%s\n", formatTime(&session.StartedAt))
		fprintf(w, "Running:\t%s\n", formatDuration(time.Since(session.StartedAt)))
	})
}

func runSessionsRotate(ctx context.Context, a *app, args []string) error {
	resetAt, err := resolveReset(sessionResetAt, sessionResetIn)
	if err != nil {
		return err
	}
	result, err := a.pool.RotateToNext(ctx, storage.EndReason(rotateReason), resetAt, !sessionNoStart)
	if err != nil {
		return err
	}
	return a.out.print(result, func(w io.Writer) { writeRotation(w, result) })
}

func writeRotation(w io.Writer, r *rotation.RotationResult) {
	if r.EndedSession != nil {
		fprintf(w, "Ended session %s after %s (%s)\n", r.EndedSession.ID, formatDuration(r.EndedSession.Duration), r.EndedSession.EndReason)
	}
	switch {
	case r.NextAccount == nil:
		fprintf(w, "%s\n", red.Sprint("No account has quota left on any provider."))
	case r.NeedsUserChoice:
		fprintf(w, "%s\n", yellow.Sprintf("Preferred provider is exhausted everywhere; %s (%s) still has %s.",
			r.NextAccount.Name(), r.NextAccount.ID, r.NextProvider))
		if r.NextPreferredReset != nil {
			fprintf(w, "Earliest preferred reset: %s\n", formatTime(r.NextPreferredReset))
		}
		fprintf(w, "Start it explicitly with: rotator sessions start %s %s\n", r.NextAccount.ID, r.NextProvider)
	case r.Rotated:
		fprintf(w, "%s Rotated to %s (%s) on %s, session %s\n", green.Sprint("✓"),
			r.NextAccount.Name(), r.NextAccount.ID, r.NextProvider, r.NewSession.ID)
	default:
		fprintf(w, "Next: %s (%s) on %s\n", r.NextAccount.Name(), r.NextAccount.ID, r.NextProvider)
	}
}

func runSessionsHistory(ctx context.Context, a *app, args []string) error {
	filter := storage.SessionFilter{
		AccountID:  historyAccount,
		ClosedOnly: historyClosed,
		Limit:      historyLimit,
	}
	if historyProvider != "" {
		p, err := a.provider(historyProvider)
		if err != nil {
			return err
		}
		filter.Provider = p
	}

	sessions, err := a.pool.History(ctx, filter)
	if err != nil {
		return err
	}
	return a.out.print(sessions, func(w io.Writer) {
		if len(sessions) == 0 {
			fprintf(w, "No sessions.\n")
			return
		}
		fprintf(w, "ID\tACCOUNT\tPROVIDER\tSTARTED\tENDED\tDURATION\tREASON\n")
		for i := range sessions {
			s := &sessions[i]
			duration := formatDuration(s.Duration)
			if s.Open() {
				duration = cyan.Sprint("active")
			}
			fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.AccountID, s.Provider,
				formatTime(&s.StartedAt), formatTime(s.EndedAt), duration, orDash(string(s.EndReason)))
		}
	})
}

func runSessionsStats(ctx context.Context, a *app, args []string) error {
	stats, err := a.pool.Stats(ctx)
	if err != nil {
		return err
	}
	return a.out.print(stats, func(w io.Writer) {
		fprintf(w, "Sessions:\t%d\n", stats.TotalSessions)
		fprintf(w, "Total hours:\t%.2f\n", stats.TotalHours)
		fprintf(w, "Average:\t%s\n", formatDuration(time.Duration(stats.AverageSeconds*float64(time.Second))))
		for _, provider := range a.engine.Providers() {
			entry := stats.ByProvider[provider]
			fprintf(w, "%s:\t%d sessions\t%.2f h\n", provider, entry.Sessions, entry.Hours)
		}
	})
}
