package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dsdb-io/dsdb/internal/store"
)

// ProvenanceOptions holds flags for the provenance commands.
type ProvenanceOptions struct {
	DBOptions
	MaxSteps int
}

// NewApplyInfoCommand creates the apply-info command, which reports
// how a dataset was produced and what was derived from it.
func NewApplyInfoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProvenanceOptions{DBOptions: DBOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "apply-info <name>",
		Short: "Show the runs touching a dataset",
		Long: `Show provenance records for a dataset: the run that produced it (if
any) and the runs that consumed it as input.

Example:
  dsdb apply-info --db ./dsdb.db numbers`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApplyInfo(opts, args[0], cmd)
		},
	}

	opts.registerFlags(cmd)
	return cmd
}

func runApplyInfo(opts *ProvenanceOptions, name string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)

	db, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	row, err := db.Store().DatasetByName(ctx, name)
	if err != nil {
		_ = formatter.Fault(err)
		return WrapExitError(ExitCommandError, "apply-info failed", err)
	}

	producedBy, err := db.Store().RunsByOutputDataset(ctx, row.ID)
	if err != nil {
		return WrapExitError(ExitFailure, "apply-info failed", err)
	}
	consumedBy, err := db.Store().RunsByInputDigest(ctx, row.StrongDigest)
	if err != nil {
		return WrapExitError(ExitFailure, "apply-info failed", err)
	}

	return formatter.Success(map[string]any{
		"dataset":     row.Name,
		"produced_by": runSummaries(producedBy),
		"consumed_by": runSummaries(consumedBy),
	})
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProvenanceOptions{DBOptions: DBOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "graph <name>",
		Short: "Walk the provenance graph around a dataset",
		Long: `Walk the lineage neighborhood of a dataset, following run edges in
both directions.

Example:
  dsdb graph --db ./dsdb.db numbers
  dsdb graph --db ./dsdb.db numbers --max-steps 2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, args[0], cmd)
		},
	}

	opts.registerFlags(cmd)
	cmd.Flags().IntVar(&opts.MaxSteps, "max-steps", 0, "bound the walk depth (0 = unbounded)")
	return cmd
}

func runGraph(opts *ProvenanceOptions, name string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)

	db, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	row, err := db.Store().DatasetByName(ctx, name)
	if err != nil {
		_ = formatter.Fault(err)
		return WrapExitError(ExitCommandError, "graph failed", err)
	}

	g, err := db.Graph(ctx, row.ID, opts.MaxSteps)
	if err != nil {
		_ = formatter.Fault(err)
		return WrapExitError(ExitFailure, "graph failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"root":     g.Root,
			"datasets": g.Datasets,
			"runs":     g.Runs,
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "lineage of %q (%d datasets, %d runs)\n", name, len(g.Datasets), len(g.Runs))
	for _, ds := range g.Datasets {
		marker := " "
		if ds.ID == g.Root {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s dataset %d  %s  %s\n", marker, ds.ID, ds.Name, ds.StrongDigest[:12])
	}
	for _, run := range g.Runs {
		fmt.Fprintf(&b, "  run %d: %s --[alg %d]--> dataset %d\n",
			run.ID, run.InputDigest[:12], run.AlgorithmID, run.OutputDatasetID)
	}
	fmt.Fprint(cmd.OutOrStdout(), b.String())
	return nil
}

func runSummaries(runs []store.RunRow) []map[string]any {
	out := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		out = append(out, map[string]any{
			"run":           r.ID,
			"algorithm_id":  r.AlgorithmID,
			"input_digest":  r.InputDigest,
			"params_digest": r.ParamsDigest,
			"output":        r.OutputDatasetID,
			"finished":      r.End,
		})
	}
	return out
}
