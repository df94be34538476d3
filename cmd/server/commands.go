package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/claims-billing/api"
	"github.com/warp/claims-billing/factory"
	"github.com/warp/claims-billing/generic"
)

func init() {
	rootCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(importFirmsCmd)

	finalizeCmd.Flags().String("date", "", "Day to finalize (YYYY-MM-DD, default yesterday)")
	finalizeCmd.Flags().Bool("all", false, "Finalize every open day before today")
	analyticsCmd.Flags().Int("days", api.DefaultAnalyticsWindow, "Window size in days")
}

// withApp builds the application for a one-shot command and closes it after fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// ─── finalize ───────────────────────────────────────────────────────────────

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Finalize a day's tally and roll it into billing periods",
	Long: `Finalize a day's tally. Without flags, yesterday (in the engine
timezone) is finalized. Finalizing twice is harmless.`,
	Args: cobra.NoArgs,
	RunE: runFinalize,
}

func runFinalize(cmd *cobra.Command, args []string) error {
	dateFlag, _ := cmd.Flags().GetString("date")
	all, _ := cmd.Flags().GetBool("all")
	if all && dateFlag != "" {
		return fmt.Errorf("--date and --all are mutually exclusive")
	}

	return withApp(func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()
		if all {
			n := api.NewDayFinalizer(a.engine, a.log).RunOnce(ctx)
			fmt.Fprintf(out, "Finalized %d day(s)\n", n)
			return nil
		}

		date := a.engine.Today().AddDays(-1)
		if dateFlag != "" {
			d, err := generic.ParseDate(dateFlag)
			if err != nil {
				return err
			}
			date = d
		}

		res, err := a.engine.FinalizeDay(ctx, date)
		if err != nil {
			return err
		}
		if !res.Finalized {
			fmt.Fprintf(out, "%s: %s\n", date, res.Reason)
			return nil
		}
		fmt.Fprintf(out, "%s: finalized %d job(s), %s earned, %d period(s) updated\n",
			date, res.Tally.TotalJobs, generic.FormatCurrency(res.Tally.TotalEarnings), len(res.Periods))
		return nil
	})
}

// ─── analytics ──────────────────────────────────────────────────────────────

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Print earnings analytics as JSON",
	Args:  cobra.NoArgs,
	RunE:  runAnalytics,
}

func runAnalytics(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.engine.EarningsAnalytics(ctx, days)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	})
}

// ─── import-firms ───────────────────────────────────────────────────────────

var importFirmsCmd = &cobra.Command{
	Use:   "import-firms FILE",
	Short: "Add firm rate contracts from a JSON file",
	Long: `Add firm rate contracts from a JSON file holding one contract or an
array of contracts. Existing firms are merged, not replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: runImportFirms,
}

func runImportFirms(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("cannot read firm file: %w", err)
	}
	inputs, err := factory.NewFirmFactory().ParseFirms(data)
	if err != nil {
		return err
	}

	return withApp(func(ctx context.Context, a *app) error {
		for _, in := range inputs {
			firm, err := a.engine.AddFirmConfig(ctx, in)
			if err != nil {
				return fmt.Errorf("firm %q: %w", in.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s/file, %s/mile, %s\n",
				firm.Name, generic.FormatCurrency(firm.FileRate), firm.MileageRate, firm.PaymentSchedule)
		}
		return nil
	})
}
