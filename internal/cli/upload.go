package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/dataset"
	"github.com/dsdb-io/dsdb/internal/fault"
	"github.com/dsdb-io/dsdb/internal/introspect"
)

// UploadOptions holds flags for the upload command.
type UploadOptions struct {
	DBOptions
	Name        string
	Description string
	FileFields  []string
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UploadOptions{DBOptions: DBOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "upload <value.json>",
		Short: "Validate, deduplicate, and commit a dataset",
		Long: `Upload a JSON value as a dataset.

The value is decomposed into content-addressed records; anything already
stored is reused rather than rewritten. Fields named with --file-field
hold local file paths that are copied into managed storage and replaced
by stable references.

Example:
  dsdb upload --db ./dsdb.db --name cells ./cells.json
  dsdb upload --db ./dsdb.db --name imaging --file-field img ./imaging.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(opts, args[0], cmd)
		},
	}

	opts.registerFlags(cmd)
	cmd.Flags().StringVar(&opts.Name, "name", "", "dataset name (required)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "dataset description")
	cmd.Flags().StringSliceVar(&opts.FileFields, "file-field", nil, "field holding a local file path (repeatable)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runUpload(opts *UploadOptions, valuePath string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)

	data, err := os.ReadFile(valuePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read value file", err)
	}
	value, err := canon.Unmarshal(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to parse value", err)
	}

	db, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	d := dataset.New(opts.Name, opts.Description, value)
	info, err := db.Upload(ctx, d, dataset.UploadOptions{
		Rules: introspect.Ruleset{FileFields: opts.FileFields},
	})
	if err != nil {
		if fault.CodeOf(err) != "" {
			_ = formatter.Fault(err)
			return WrapExitError(ExitFailure, "upload failed", err)
		}
		return WrapExitError(ExitCommandError, "upload failed", err)
	}

	return formatter.Success(infoSummary(info))
}

// infoSummary is the common printed shape for a DatasetInfo.
func infoSummary(info *dataset.DatasetInfo) map[string]any {
	return map[string]any{
		"id":            info.ID,
		"name":          info.Name,
		"kind":          string(info.Kind),
		"fast_digest":   info.Digests.Fast,
		"strong_digest": info.Digests.Strong,
		"created":       info.Created,
	}
}
