package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nser/internal/app"
	"nser/internal/compliance"
	jwttoken "nser/internal/jwt_token"
	"nser/internal/platform/config"
	"nser/internal/platform/logger"
	"nser/internal/platform/postgres"
	"nser/pkg/requestcontext"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("NSER_DATABASE_URL is required")
			}
			return postgres.Migrate(cfg.Database.URL, logger.New(cfg.Server))
		},
	}
}

func newSweepCmd() *cobra.Command {
	var dead bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Apply due activations, expiries and renewals",
		Long:  "Runs one exclusion sweep. With --dead it also declares failed propagations past their grace period dead.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app.App) error {
				n, err := a.SweepExclusions(ctx)
				if err != nil {
					return fmt.Errorf("exclusion sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exclusions transitioned: %d\n", n)
				if !dead {
					return nil
				}
				n, err = a.Engine.SweepDead(ctx)
				if err != nil {
					return fmt.Errorf("dead sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "propagations declared dead: %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dead, "dead", false, "Also sweep failed propagations past the dead grace period")
	return cmd
}

func newRetryFailedCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-queue every failed or dead propagation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if actor == "" {
				return errors.New("--actor is required")
			}
			ctx := requestcontext.WithActor(cmd.Context(), actor, jwttoken.RoleAdmin)
			return withApp(ctx, func(a *app.App) error {
				n, err := a.Engine.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "propagations re-queued: %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Staff id recorded in the audit trail")
	return cmd
}

func newDetectDuplicatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect-duplicates",
		Short: "Flag likely duplicate persons for review",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app.App) error {
				candidates, err := a.Identity.DetectDuplicates(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PERSON\tCONFLICTING\tSCORE\tSHARED KEYS\tLIVE EXCLUSIONS")
				for _, c := range candidates {
					fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%d\n", c.PersonID, c.Conflicting, c.Score, strings.Join(c.SharedKeys, ","), len(c.Exclusions))
				}
				return w.Flush()
			})
		},
	}
}

func newComplianceCmd() *cobra.Command {
	var (
		window time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Report per-operator compliance scores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app.App) error {
				rep, err := a.Compliance.Scores(ctx, window)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(rep)
				}
				return printScores(cmd, rep)
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "Reporting window")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func printScores(cmd *cobra.Command, rep compliance.Report) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "window %s .. %s, latency target %s\n\n", rep.From.Format(time.RFC3339), rep.To.Format(time.RFC3339), rep.Target)
	fmt.Fprintln(w, "OPERATOR\tCOMPLETED\tFAILED\tDEAD\tIN FLIGHT\tSUCCESS\tP50\tP90\tP99\tSCORE")
	for _, s := range rep.Scores {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%s\t%s\t%s\t%.2f\n",
			s.OperatorID, s.Completed, s.Failed, s.Dead, s.InFlight, s.SuccessRate*100,
			s.P50.Round(time.Millisecond), s.P90.Round(time.Millisecond), s.P99.Round(time.Millisecond), s.Score)
	}
	return w.Flush()
}
