package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// RecentOptions holds flags for the recent command.
type RecentOptions struct {
	DBOptions
	Limit int
}

// NewRecentCommand creates the recent command.
func NewRecentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecentOptions{DBOptions: DBOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent datasets and runs",
		Long: `List recently created datasets and recently finished runs, newest
first.

Example:
  dsdb recent --db ./dsdb.db
  dsdb recent --db ./dsdb.db -n 25`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecent(opts, cmd)
		},
	}

	opts.registerFlags(cmd)
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 10, "maximum entries per listing")

	return cmd
}

func runRecent(opts *RecentOptions, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)

	db, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	datasets, runs, err := db.Recent(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "recent failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"datasets": datasets,
			"runs":     runSummaries(runs),
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "datasets (%d):\n", len(datasets))
	for _, ds := range datasets {
		fmt.Fprintf(&b, "  %4d  %-20s  %-8s  %s\n",
			ds.ID, ds.Name, ds.Kind, ds.Created.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "runs (%d):\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "  %4d  alg %d  -> dataset %d  %s\n",
			r.ID, r.AlgorithmID, r.OutputDatasetID, r.End.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprint(cmd.OutOrStdout(), b.String())
	return nil
}
