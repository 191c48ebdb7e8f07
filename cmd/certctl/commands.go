package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"accredit/internal/app"
	"accredit/internal/awarding"
	"accredit/internal/learners"
	id "accredit/pkg/domain"
	pstrings "accredit/pkg/platform/strings"
)

// errPartialFailure is returned after the failed subjects were already
// printed to stderr.
var errPartialFailure = errors.New("partial failure")

type opener func(ctx context.Context, configPath string) (*app.App, error)

func newRootCmd(open opener) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "certctl",
		Short:         "Operator commands for certificates and credentials",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	// withApp builds the service for one command run and closes it after.
	withApp := func(run func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd, a, args)
		}
	}

	root.AddCommand(
		newRehashCmd(withApp),
		newAwardProgramsCmd(withApp),
		newAwardCourseCmd(withApp),
		newNotifyCredentialsCmd(withApp),
	)
	return root
}

type appRunner func(run func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error

func newRehashCmd(withApp appRunner) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "rehash-retired-usernames",
		Short: "Rename retired learners to the hash of the current salt",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			report, err := a.Retirement.RehashRetiredUsernames(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range report.Entries {
				if e.Err == nil {
					fmt.Fprintf(out, "%s: %s -> %s\n", e.OriginalUsername, e.OldRetired, e.NewRetired)
				}
			}
			fmt.Fprintf(out, "checked %d retirements, %d to rename (dry run: %t)\n", report.Checked, len(report.Entries), dryRun)

			failed := report.Failed()
			if len(failed) == 0 {
				return nil
			}
			subjects := make([]string, 0, len(failed))
			for _, e := range failed {
				subjects = append(subjects, fmt.Sprintf("%s (%v)", e.OriginalUsername, e.Err))
			}
			return reportFailed(cmd.ErrOrStderr(), "retired usernames", subjects)
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the renames without applying them")
	return cmd
}

func newAwardProgramsCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "award-programs <username>",
		Short: "Push every completed program credential of a learner",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			learner, err := a.Learners.GetByUsername(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("learner %s: %w", args[0], err)
			}
			return finishAward(cmd, a, learner, a.Pipeline.AwardPrograms(cmd.Context(), learner.ID))
		}),
	}
}

func newAwardCourseCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "award-course <username> <course_id>",
		Short: "Push the course credential of a learner",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			course, err := id.ParseCourseKey(args[1])
			if err != nil {
				return err
			}
			learner, err := a.Learners.GetByUsername(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("learner %s: %w", args[0], err)
			}
			return finishAward(cmd, a, learner, a.Pipeline.AwardCourse(cmd.Context(), learner.ID, course))
		}),
	}
}

func finishAward(cmd *cobra.Command, a *app.App, learner learners.Learner, awardErr error) error {
	pending, err := a.Pipeline.Undelivered(cmd.Context(), learner.ID)
	if err != nil {
		return err
	}
	if awardErr == nil && len(pending) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "credentials for %s are up to date\n", learner.Username)
		return nil
	}
	subjects := make([]string, 0, len(pending))
	for _, d := range pending {
		subjects = append(subjects, fmt.Sprintf("%s %s (%s)", d.Kind, d.Subject, d.LastError))
	}
	if len(subjects) == 0 {
		return awardErr
	}
	return reportFailed(cmd.ErrOrStderr(), "credentials for "+learner.Username, subjects)
}

func newNotifyCredentialsCmd(withApp appRunner) *cobra.Command {
	var (
		courses   []string
		startDate string
		endDate   string
		opts      awarding.BackfillOptions
	)
	cmd := &cobra.Command{
		Use:   "notify-credentials",
		Short: "Resend certificate state to the credentials service",
		Long: "Schedules course and program pushes for downloadable certificates and revocations\n" +
			"for revoked ones, selected by course or by modification window.",
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if err := backfillSelection(&opts, courses, startDate, endDate); err != nil {
				return err
			}
			res, err := a.Pipeline.Backfill(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d certificates: %d awards, %d revocations, %d learners (dry run: %t)\n",
				res.Scanned, res.Awards, res.Revocations, res.Learners, opts.DryRun)
			if opts.DryRun || a.Persistent() {
				return nil
			}
			// Nothing else will run the scheduled pushes of an in-memory build.
			return a.Settle(cmd.Context())
		}),
	}
	f := cmd.Flags()
	f.StringSliceVar(&courses, "courses", nil, "course ids to resend")
	f.StringVar(&startDate, "start-date", "", "modified on or after (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&endDate, "end-date", "", "modified before (YYYY-MM-DD or RFC 3339)")
	f.BoolVar(&opts.DryRun, "dry-run", false, "count without scheduling")
	f.IntVar(&opts.PageSize, "page-size", 100, "certificates per page")
	f.DurationVar(&opts.Delay, "delay", 0, "pause between pages")
	cmd.MarkFlagsMutuallyExclusive("courses", "start-date")
	cmd.MarkFlagsMutuallyExclusive("courses", "end-date")
	cmd.MarkFlagsRequiredTogether("start-date", "end-date")
	return cmd
}

func backfillSelection(opts *awarding.BackfillOptions, courses []string, startDate, endDate string) error {
	courses = pstrings.Normalize(courses, nil)
	if len(courses) == 0 && startDate == "" {
		return errors.New("either --courses or --start-date and --end-date is required")
	}
	for _, c := range courses {
		key, err := id.ParseCourseKey(c)
		if err != nil {
			return err
		}
		opts.Courses = append(opts.Courses, key)
	}
	if startDate == "" {
		return nil
	}
	start, err := parseDate(startDate)
	if err != nil {
		return fmt.Errorf("--start-date: %w", err)
	}
	end, err := parseDate(endDate)
	if err != nil {
		return fmt.Errorf("--end-date: %w", err)
	}
	if !start.Before(end) {
		return errors.New("--start-date must be before --end-date")
	}
	opts.Start, opts.End = start, end
	return nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func reportFailed(w io.Writer, what string, subjects []string) error {
	fmt.Fprintf(w, "%d failed %s:\n", len(subjects), what)
	for _, s := range subjects {
		fmt.Fprintf(w, "  %s\n", s)
	}
	return errPartialFailure
}
