package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goodtune/rotator/internal/rotation"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/spf13/cobra"
)

var (
	accountsSort           string
	accountsClassification string
	accountsExhausted      string
	accountName            string
	accountEmail           string
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account"},
	Short:   "Manage the account pool",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with their quota state",
	Example: `  rotator accounts list --sort least_used
  rotator accounts list --classification fully_limited -o json
  rotator accounts list --exhausted gemini`,
	Args: cobra.NoArgs,
	RunE: withApp(runAccountsList),
}

var accountsAddCmd = &cobra.Command{
	Use:     "add EMAIL",
	Short:   "Register an account",
	Example: `  rotator accounts add work@example.com --name "Work"`,
	Args:    cobra.ExactArgs(1),
	RunE:    withApp(runAccountsAdd),
}

var accountsShowCmd = &cobra.Command{
	Use:   "show ACCOUNT_ID",
	Short: "Show one account",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runAccountsShow),
}

var accountsUpdateCmd = &cobra.Command{
	Use:     "update ACCOUNT_ID",
	Short:   "Change an account's email or display name",
	Example: `  rotator accounts update 6f1c... --name "Personal"`,
	Args:    cobra.ExactArgs(1),
	RunE:    withApp(runAccountsUpdate),
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete ACCOUNT_ID",
	Short: "Delete an idle account with its quotas and history",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runAccountsDelete),
}

func init() {
	accountsListCmd.Flags().StringVar(&accountsSort, "sort", rotation.SortCreated, "Order: created, most_used, least_used or name")
	accountsListCmd.Flags().StringVar(&accountsClassification, "classification", "", "Only accounts in this tier: available, partially_limited or fully_limited")
	accountsListCmd.Flags().StringVar(&accountsExhausted, "exhausted", "", "Only accounts whose quota for this provider is exhausted")

	accountsAddCmd.Flags().StringVar(&accountName, "name", "", "Display name")

	accountsUpdateCmd.Flags().StringVar(&accountName, "name", "", "New display name")
	accountsUpdateCmd.Flags().StringVar(&accountEmail, "email", "", "New email")

	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsShowCmd, accountsUpdateCmd, accountsDeleteCmd)
	rootCmd.AddCommand(accountsCmd)
}

func runAccountsList(ctx context.Context, a *app, args []string) error {
	opts := rotation.ListOptions{Sort: accountsSort}
	if accountsClassification != "" {
		class, err := storage.ParseClassification(accountsClassification)
		if err != nil {
			return fmt.Errorf("%w: %v", rotation.ErrInvalidInput, err)
		}
		opts.Classification = class
	}
	if accountsExhausted != "" {
		provider, err := a.provider(accountsExhausted)
		if err != nil {
			return err
		}
		opts.ExhaustedProvider = provider
	}

	views, err := a.pool.ListAccounts(ctx, opts)
	if err != nil {
		return err
	}

	return a.out.print(views, func(w io.Writer) {
		if len(views) == 0 {
			fprintf(w, "No accounts.\n")
			return
		}
		fprintf(w, "ID\tNAME\tUSED\tTIME\tACTIVE\tQUOTAS\tCLASSIFICATION\n")
		for i := range views {
			v := &views[i]
			active := ""
			if v.Active {
				active = "*"
			}
			fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				v.ID, v.Name(), v.TimesUsed, formatDuration(v.UsedDuration), active,
				quotaSummary(v.Quotas), colorClass(v.Classification))
		}
	})
}

func runAccountsAdd(ctx context.Context, a *app, args []string) error {
	view, err := a.pool.CreateAccount(ctx, rotation.NewAccount{Email: args[0], DisplayName: accountName})
	if err != nil {
		return err
	}
	return a.out.print(view, func(w io.Writer) {
		fprintf(w, "%s Account %s created (%s)\n", green.Sprint("✓"), view.ID, view.Email)
	})
}

func runAccountsShow(ctx context.Context, a *app, args []string) error {
	view, err := a.pool.GetAccount(ctx, args[0])
	if err != nil {
		return err
	}
	return a.out.print(view, func(w io.Writer) { writeAccount(w, view) })
}

func runAccountsUpdate(ctx context.Context, a *app, args []string) error {
	var changes rotation.AccountChanges
	if a.cmd.Flags().Changed("name") {
		changes.DisplayName = &accountName
	}
	if a.cmd.Flags().Changed("email") {
		changes.Email = &accountEmail
	}
	if changes.DisplayName == nil && changes.Email == nil {
		return fmt.Errorf("%w: nothing to update, pass --name and/or --email", rotation.ErrInvalidInput)
	}

	view, err := a.pool.UpdateAccount(ctx, args[0], changes)
	if err != nil {
		return err
	}
	return a.out.print(view, func(w io.Writer) { writeAccount(w, view) })
}

func runAccountsDelete(ctx context.Context, a *app, args []string) error {
	if err := a.pool.DeleteAccount(ctx, args[0]); err != nil {
		return err
	}
	result := map[string]any{"deleted": args[0]}
	return a.out.print(result, func(w io.Writer) {
		fprintf(w, "%s Account %s deleted\n", green.Sprint("✓"), args[0])
	})
}

func writeAccount(w io.Writer, v *rotation.AccountView) {
	fprintf(w, "ID:\t%s\n", v.ID)
	fprintf(w, "Email:\t%s\n", v.Email)
	fprintf(w, "Name:\t%s\n", orDash(v.DisplayName))
	fprintf(w, "Created:\t%s\n", formatTime(&v.CreatedAt))
	fprintf(w, "Active:\t%t\n", v.Active)
	fprintf(w, "Times used:\t%d\n", v.TimesUsed)
	fprintf(w, "Time used:\t%s\n", formatDuration(v.UsedDuration))
	fprintf(w, "Classification:\t%s\n", colorClass(v.Classification))
	for _, q := range v.Quotas {
		fprintf(w, "Quota %s:\t%s\t%s\n", q.Provider, colorStatus(q), resetNote(q))
	}
}

// quotaSummary renders quotas as "anthropic:ok gemini:exhausted".
func quotaSummary(quotas []storage.QuotaState) string {
	parts := make([]string, 0, len(quotas))
	for _, q := range quotas {
		state := "ok"
		if q.Exhausted() {
			state = "exhausted"
		}
		parts = append(parts, fmt.Sprintf("%s:%s", q.Provider, state))
	}
	return strings.Join(parts, " ")
}

func resetNote(q storage.QuotaState) string {
	if !q.Exhausted() {
		return ""
	}
	return faint.Sprintf("resets %s", formatTime(q.NextResetAt))
}
