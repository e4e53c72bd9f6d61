package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"throttle-service/internal/factory"
	"throttle-service/internal/repository"
	"throttle-service/internal/throttle"
)

func newMigrateCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the throttle store schema",
		Args:  cobra.NoArgs,
		RunE: rt.withFactory(func(cmd *cobra.Command, _ []string, f *factory.Factory) error {
			if err := f.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(rt.Writer(), "schema up to date (%s)\n", f.Config().Store.Backend)
			return nil
		}),
	}
}

func newSweepCommand(rt *runtimeState) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete penalized records that stayed dormant past their grace period",
		Args:  cobra.NoArgs,
		RunE: rt.withFactory(func(cmd *cobra.Command, _ []string, f *factory.Factory) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			report, err := f.Sweeper().Run(ctx)
			if err != nil {
				return err
			}
			return writeObject(rt.Writer(), rt.output, report, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "SCANNED\tDELETED\tSKIPPED\tUNKNOWN SCOPE\tFAILED\tDURATION")
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\n",
					report.Scanned, report.Deleted, report.Skipped, report.UnknownScope, report.Failed,
					report.Duration.Round(time.Millisecond))
			})
		}),
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the sweep after this long (0 = no limit)")
	return cmd
}

func newPoliciesCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List registered throttle policies",
		Args:  cobra.NoArgs,
		RunE: rt.withFactory(func(cmd *cobra.Command, _ []string, f *factory.Factory) error {
			policies := f.Registry().Policies()
			return writeObject(rt.Writer(), rt.output, policies, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "SCOPE\tATTEMPTS\tBASE WINDOW\tMAX LEVEL\tRESET AFTER")
				for _, p := range policies {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\n", p.Scope, p.AllowedAttempts,
						throttle.FormatDuration(int64(p.BaseWindow/time.Second)), p.MaxLevel, p.ResetThreshold)
				}
			})
		}),
	}
}

func newInspectCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <scope> <identity>",
		Short: "Show the stored throttle record of an identity",
		Args:  cobra.ExactArgs(2),
		RunE: rt.withFactory(func(cmd *cobra.Command, args []string, f *factory.Factory) error {
			rec, err := f.Engine().Inspect(cmd.Context(), args[1], args[0])
			if errors.Is(err, repository.ErrRecordNotFound) {
				return fmt.Errorf("no throttle record for %s in scope %s", args[1], args[0])
			}
			if err != nil {
				return err
			}

			now := f.Engine().Now()
			return writeObject(rt.Writer(), rt.output, rec, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "SCOPE\tIDENTITY\tLEVEL\tATTEMPTS\tBLOCKED FOR\tLAST BLOCKED")
				lastBlocked := "never"
				if rec.LastBlockedAt != nil {
					lastBlocked = rec.LastBlockedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", rec.Scope, rec.Identity, rec.Level, rec.Attempts,
					throttle.FormatDuration(throttle.RetrySeconds(rec.Remaining(now))), lastBlocked)
			})
		}),
	}
}

func newResetCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <scope> <identity>",
		Short: "Delete a record whose level reached the scope's reset threshold",
		Args:  cobra.ExactArgs(2),
		RunE: rt.withFactory(func(cmd *cobra.Command, args []string, f *factory.Factory) error {
			deleted, err := f.Engine().ResetLevel(cmd.Context(), args[1], args[0])
			if err != nil {
				return err
			}
			if deleted {
				fmt.Fprintf(rt.Writer(), "reset %s in scope %s\n", args[1], args[0])
			} else {
				fmt.Fprintf(rt.Writer(), "%s in scope %s is below the reset threshold; nothing changed\n", args[1], args[0])
			}
			return nil
		}),
	}
}

func newForgiveCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "forgive <scope> <identity>",
		Short: "Delete a throttle record regardless of its level",
		Args:  cobra.ExactArgs(2),
		RunE: rt.withFactory(func(cmd *cobra.Command, args []string, f *factory.Factory) error {
			forgiven, err := f.Engine().Forgive(cmd.Context(), args[1], args[0])
			if err != nil {
				return err
			}
			if forgiven {
				fmt.Fprintf(rt.Writer(), "forgave %s in scope %s\n", args[1], args[0])
			} else {
				fmt.Fprintf(rt.Writer(), "no throttle record for %s in scope %s\n", args[1], args[0])
			}
			return nil
		}),
	}
}
