package main

import (
	"context"
	"io"

	"github.com/goodtune/rotator/internal/rotation"
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show pool-wide availability and usage",
	Long: `Reclaim quotas whose reset time has passed, then report how many accounts
are available, partially limited or fully limited, along with hours used per
provider.`,
	Args: cobra.NoArgs,
	RunE: withApp(runSummary),
}

func init() {
	rootCmd.AddCommand(summaryCmd)
}

func runSummary(ctx context.Context, a *app, args []string) error {
	if _, err := a.pool.ReclaimExpired(ctx); err != nil {
		return err
	}
	summary, err := a.pool.Summarize(ctx)
	if err != nil {
		return err
	}

	return a.out.print(summary, func(w io.Writer) {
		fprintf(w, "Accounts:\t%d\n", summary.Total)
		fprintf(w, "  available:\t%s\n", green.Sprint(summary.Available))
		fprintf(w, "  partially limited:\t%s\n", yellow.Sprint(summary.PartiallyLimited))
		fprintf(w, "  fully limited:\t%s\n", red.Sprint(summary.FullyLimited))
		fprintf(w, "Total hours:\t%.2f\n", summary.TotalHours)
		fprintf(w, "Most used provider:\t%s\n", mostUsedLabel(summary.MostUsedProvider))
		fprintf(w, "\nPROVIDER\tEXHAUSTED\tSESSIONS\tHOURS\n")
		for _, provider := range a.engine.Providers() {
			fprintf(w, "%s\t%d\t%d\t%.2f\n", provider,
				summary.ExhaustedBy[provider], summary.SessionsByProvider[provider], summary.HoursByProvider[provider])
		}
	})
}

func mostUsedLabel(s string) string {
	switch s {
	case rotation.MostUsedNone:
		return faint.Sprint("none yet")
	case rotation.MostUsedTie:
		return "tie"
	default:
		return s
	}
}
