package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goodtune/rotator/internal/rotation"
	"github.com/spf13/cobra"
)

var (
	quotaResetAt string
	quotaResetIn string
)

var quotasCmd = &cobra.Command{
	Use:     "quotas",
	Aliases: []string{"quota"},
	Short:   "Inspect and change provider quotas",
}

var quotasShowCmd = &cobra.Command{
	Use:   "show ACCOUNT_ID",
	Short: "Show an account's quota per provider",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runQuotasShow),
}

var quotasExhaustCmd = &cobra.Command{
	Use:   "exhaust ACCOUNT_ID PROVIDER",
	Short: "Mark a provider quota exhausted until its reset time",
	Example: `  rotator quotas exhaust 6f1c... anthropic --reset-at 2025-06-01T18:00:00+10:00
  rotator quotas exhaust 6f1c... gemini --in 5h`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(runQuotasExhaust),
}

var quotasResetCmd = &cobra.Command{
	Use:   "reset ACCOUNT_ID PROVIDER",
	Short: "Force a provider quota back to available",
	Args:  cobra.ExactArgs(2),
	RunE:  withApp(runQuotasReset),
}

var quotasNextResetCmd = &cobra.Command{
	Use:   "next-reset PROVIDER",
	Short: "Show the earliest pending reset for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runQuotasNextReset),
}

var quotasReclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Reset every exhausted quota whose reset time has passed",
	Args:  cobra.NoArgs,
	RunE:  withApp(runQuotasReclaim),
}

func init() {
	quotasExhaustCmd.Flags().StringVar(&quotaResetAt, "reset-at", "", "Reset time, RFC 3339 with offset")
	quotasExhaustCmd.Flags().StringVar(&quotaResetIn, "in", "", "Reset after this duration, e.g. 5h")
	quotasExhaustCmd.MarkFlagsOneRequired("reset-at", "in")
	quotasExhaustCmd.MarkFlagsMutuallyExclusive("reset-at", "in")

	quotasCmd.AddCommand(quotasShowCmd, quotasExhaustCmd, quotasResetCmd, quotasNextResetCmd, quotasReclaimCmd)
	rootCmd.AddCommand(quotasCmd)
}

// resolveReset turns --reset-at / --in style flags into an absolute time.
// Both empty yields nil.
func resolveReset(at, in string) (*time.Time, error) {
	switch {
	case at != "" && in != "":
		return nil, fmt.Errorf("%w: pass either a reset time or a duration, not both", rotation.ErrInvalidInput)
	case at != "":
		t, err := rotation.ParseTimestamp(at)
		if err != nil {
			return nil, err
		}
		return &t, nil
	case in != "":
		d, err := time.ParseDuration(in)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: invalid duration %q", rotation.ErrInvalidInput, in)
		}
		t := time.Now().UTC().Add(d)
		return &t, nil
	default:
		return nil, nil
	}
}

func runQuotasShow(ctx context.Context, a *app, args []string) error {
	quotas, err := a.pool.Quotas(ctx, args[0])
	if err != nil {
		return err
	}
	return a.out.print(quotas, func(w io.Writer) {
		fprintf(w, "PROVIDER\tEXHAUSTED AT\tRESETS AT\tSTATUS\n")
		for _, q := range quotas {
			fprintf(w, "%s\t%s\t%s\t%s\n", q.Provider, formatTime(q.ExhaustedAt), formatTime(q.NextResetAt), colorStatus(q))
		}
	})
}

func runQuotasExhaust(ctx context.Context, a *app, args []string) error {
	provider, err := a.provider(args[1])
	if err != nil {
		return err
	}
	resetAt, err := resolveReset(quotaResetAt, quotaResetIn)
	if err != nil {
		return err
	}
	if resetAt == nil {
		return fmt.Errorf("%w: a reset time is required", rotation.ErrInvalidInput)
	}

	quota, err := a.pool.MarkExhausted(ctx, args[0], provider, *resetAt)
	if err != nil {
		return err
	}
	return a.out.print(quota, func(w io.Writer) {
		fprintf(w, "%s quota for %s exhausted until %s\n", quota.Provider, quota.AccountID, formatTime(quota.NextResetAt))
	})
}

func runQuotasReset(ctx context.Context, a *app, args []string) error {
	provider, err := a.provider(args[1])
	if err != nil {
		return err
	}
	quota, err := a.pool.ResetQuota(ctx, args[0], provider)
	if err != nil {
		return err
	}
	return a.out.print(quota, func(w io.Writer) {
		fprintf(w, "%s %s quota for %s is available\n", green.Sprint("✓"), quota.Provider, quota.AccountID)
	})
}

func runQuotasNextReset(ctx context.Context, a *app, args []string) error {
	provider, err := a.provider(args[0])
	if err != nil {
		return err
	}
	next, err := a.pool.NextReset(ctx, provider)
	if err != nil {
		return err
	}
	result := map[string]any{"provider": provider, "next_reset_at": next}
	return a.out.print(result, func(w io.Writer) {
		if next == nil {
			fprintf(w, "No %s quota is waiting on a reset.\n", provider)
			return
		}
		fprintf(w, "Next %s reset: %s (in %s)\n", provider, formatTime(next), formatDuration(time.Until(*next)))
	})
}

func runQuotasReclaim(ctx context.Context, a *app, args []string) error {
	count, err := a.pool.ReclaimExpired(ctx)
	if err != nil {
		return err
	}
	result := map[string]int{"reclaimed": count}
	return a.out.print(result, func(w io.Writer) {
		fprintf(w, "Reclaimed %d quota(s).\n", count)
	})
}
