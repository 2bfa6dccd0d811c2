package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/monitoring"
	"github.com/compresr/relay-gateway/internal/utils"
)

func newAccountsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect the account pool",
	}

	var since time.Duration
	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts and, when a usage db is configured, recent usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			store := accounts.NewFileStore(cfg.Accounts.Dir)
			accs, err := store.LoadAccounts()
			if err != nil {
				return fmt.Errorf("load accounts from %s: %w", store.Dir(), err)
			}
			out := cmd.OutOrStdout()
			printAccounts(out, accs)

			if cfg.Monitoring.UsageDBPath == "" {
				return nil
			}
			db, err := monitoring.OpenUsageDB(cfg.Monitoring.UsageDBPath)
			if err != nil {
				return fmt.Errorf("usage db: %w", err)
			}
			defer db.Close()
			usage, err := db.UsageSince(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nUsage over the last %s:\n", since)
			printUsage(out, usage)
			return nil
		},
	}
	list.Flags().DurationVar(&since, "since", 24*time.Hour, "usage window")
	cmd.AddCommand(list)
	return cmd
}

func printAccounts(out io.Writer, accs []accounts.Account) {
	if len(accs) == 0 {
		fmt.Fprintln(out, "No accounts found.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tTIER\tPROJECT\tREFRESH TOKEN\tSTATUS")
	for _, a := range accs {
		status := "enabled"
		if a.Disabled {
			status = "disabled: " + a.DisabledReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Email, lo.CoalesceOrEmpty(string(a.Tier), "-"), lo.CoalesceOrEmpty(a.ProjectID, "-"),
			utils.MaskKeyShort(a.RefreshToken), status)
	}
	_ = tw.Flush()
}

func printUsage(out io.Writer, usage []monitoring.AccountUsage) {
	if len(usage) == 0 {
		fmt.Fprintln(out, "No requests recorded.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tMODEL\tREQUESTS\tFAILURES\tINPUT\tOUTPUT")
	for _, u := range usage {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			lo.CoalesceOrEmpty(u.Account, "-"), u.Model, u.Requests, u.Failures, u.InputTokens, u.OutputTokens)
	}
	_ = tw.Flush()
}
