package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	JSON  bool
	Quiet bool
}

// NewRootCommand creates the root command of the girosync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "girosync",
		Short: "Multi-device sync for the GIRO point of sale",
		Long: `girosync keeps the local POS database in step with the license server.

Local edits are journaled and pushed, server changes are pulled page by page,
and conflicting edits are reported instead of overwritten.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print results as JSON")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "log to LOG_FILE only, not to stderr")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewFullCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// print writes v as indented JSON with --json, otherwise runs text
func (o *RootOptions) print(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
