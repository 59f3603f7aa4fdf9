package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ngsnet/billing/cmd/billing/cli"
	"github.com/ngsnet/billing/internal/app"
	"github.com/ngsnet/billing/internal/billing/charges"
	"github.com/ngsnet/billing/jobs"
)

type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return exitError(code)
}

func newNextDueCmd() *cobra.Command {
	var opts cli.NextDueOptions
	cmd := &cobra.Command{
		Use:   "next-due",
		Short: "Print the next due date for a billing anchor",
		Example: `  billing next-due --anchor 2023-01-31 --now 2024-02-10
  billing next-due --anchor 2023-05-20 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()
			return exitCode(cli.NextDueCommand(opts))
		},
	}
	cmd.Flags().StringVar(&opts.Anchor, "anchor", "", "Subscription start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Now, "now", "", "Reference date (YYYY-MM-DD, default: today)")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "Print JSON")
	_ = cmd.MarkFlagRequired("anchor")
	return cmd
}

func newChargesCmd() *cobra.Command {
	var (
		opts cli.ChargesOptions
		rate string
	)
	cmd := &cobra.Command{
		Use:   "charges",
		Short: "Compute an invoice charge breakdown",
		Example: `  billing charges --base 1000 --devices 4 --limit 2 --rebate 10
  billing charges --base 1000 --previous-balance -46 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ExtraDeviceRate = charges.DefaultExtraDeviceRate
			if rate != "" {
				d, err := decimal.NewFromString(strings.TrimSpace(rate))
				if err != nil {
					return fmt.Errorf("invalid --rate %q", rate)
				}
				opts.ExtraDeviceRate = d
			} else if cfg, err := app.LoadConfig(); err == nil && cfg.ExtraDeviceRate.IsPositive() {
				opts.ExtraDeviceRate = cfg.ExtraDeviceRate
			}
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()
			return exitCode(cli.ChargesCommand(opts))
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.BasePrice, "base", "", "Tier base price")
	f.IntVar(&opts.DeviceCount, "devices", 0, "Registered devices")
	f.IntVar(&opts.DeviceLimit, "limit", 0, "Tier device limit")
	f.StringVar(&opts.ManualOvercharge, "overcharge", "", "Unregistered device overcharge")
	f.StringVar(&opts.RebatePercent, "rebate", "", "Rebate percent (clamped to 0-100)")
	f.StringVar(&opts.PreviousBalance, "previous-balance", "", "Carried balance, negative for credit")
	f.StringVar(&opts.DepositApplied, "deposit", "", "Deposit applied")
	f.StringVar(&rate, "rate", "", "Per-device rate above the limit (default: BILLING_EXTRA_DEVICE_RATE)")
	f.BoolVar(&opts.JSONOutput, "json", false, "Print JSON")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

func newJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect ledger jobs",
	}

	var opts cli.TriggerOptions
	trigger := &cobra.Command{
		Use:   "trigger <job>",
		Short: "Enqueue " + jobs.TaskLedgerReconcile + " or " + jobs.TaskLedgerReconcileSweep,
		Example: `  billing jobs trigger ledger:reconcile --invoice 3f0c...
  billing jobs trigger ledger:reconcile-sweep --only-pending`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobsCLI(func(c *cli.JobsCLI) error {
				info, err := c.Trigger(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
				return nil
			})
		},
	}
	trigger.Flags().StringVar(&opts.InvoiceID, "invoice", "", "Invoice id for "+jobs.TaskLedgerReconcile)
	trigger.Flags().StringVar(&opts.ClientID, "client", "", "Limit a sweep to one client")
	trigger.Flags().BoolVar(&opts.OnlyPending, "only-pending", false, "Sweep pending invoices only")

	var size int
	status := &cobra.Command{
		Use:   "status",
		Short: "Show queue counters and scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobsCLI(func(c *cli.JobsCLI) error {
				stats, err := c.InspectQueue(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(stats); err != nil {
					return err
				}
				scheduled, err := c.ListScheduled(cmd.Context(), size)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tTYPE\tNEXT")
				for _, t := range scheduled {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	status.Flags().IntVar(&size, "size", 10, "Scheduled tasks to list")

	jobsCmd.AddCommand(trigger, status)
	return jobsCmd
}

func withJobsCLI(fn func(*cli.JobsCLI) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	c, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			slog.Default().Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	return fn(c)
}
