package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/xelth-com/girosync/internal/buildinfo"
	"github.com/xelth-com/girosync/internal/models"
	"github.com/xelth-com/girosync/internal/sync"
)

// withApp opens the runtime for a one-shot command and closes it afterwards
func withApp(opts *RootOptions, fn func(a *app) error) error {
	a, err := openApp(opts, false)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending changes, watermarks and the last round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				status, err := a.engine.Status(cmd.Context())
				if err != nil {
					return err
				}
				out := map[string]interface{}{"local": status}
				var server *sync.ServerStatus
				if remote {
					if server, err = a.engine.RemoteStatus(cmd.Context()); err != nil {
						return err
					}
					out["server"] = server
				}
				return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					printStatus(w, status)
					if server != nil {
						printServerStatus(w, server)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also ask the server for its view of this device")
	return cmd
}

// NewPushCommand creates the push command.
func NewPushCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push [entity-type...]",
		Short: "Send pending local changes to the server",
		Long: `Send pending local changes to the server.

Without arguments every entity type is pushed. Known types: ` + typeList(),
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := sync.ParseEntityTypes(args)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app) error {
				summary, err := a.engine.Push(cmd.Context(), types)
				perr := opts.print(cmd.OutOrStdout(), summary, func(w io.Writer) {
					fmt.Fprintf(w, "Pushed %d changes, %d conflicts or errors\n", summary.Processed, summary.Conflicts())
					for _, r := range summary.Results {
						if r.Status != sync.StatusOK {
							fmt.Fprintf(w, "  %s %s:%s %s\n", r.Status, r.EntityType, r.EntityID, r.MessageText())
						}
					}
				})
				if err != nil {
					return err
				}
				return perr
			})
		},
	}
}

// NewPullCommand creates the pull command.
func NewPullCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [entity-type...]",
		Short: "Fetch and apply server-side changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := sync.ParseEntityTypes(args)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app) error {
				summary, err := a.engine.Pull(cmd.Context(), types)
				perr := opts.print(cmd.OutOrStdout(), summary, func(w io.Writer) {
					fmt.Fprintf(w, "Applied %d changes, skipped %d, held back %d\n", summary.Applied, summary.Skipped, summary.Conflicts)
					if summary.HasMore {
						fmt.Fprintln(w, "More changes are waiting on the server, run pull again")
					}
				})
				if err != nil {
					return err
				}
				return perr
			})
		},
	}
}

// NewFullCommand creates the full command.
func NewFullCommand(opts *RootOptions) *cobra.Command {
	var onServer bool

	cmd := &cobra.Command{
		Use:   "full",
		Short: "Push and pull every entity type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if onServer {
					resp, err := a.engine.RemoteFullSync(cmd.Context())
					if err != nil {
						return err
					}
					return opts.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
						fmt.Fprintf(w, "Server: %s (%d pushed, %d pulled, %d conflicts)\n", resp.Message, resp.Pushed, resp.Pulled, resp.Conflicts)
					})
				}

				result, err := a.engine.FullSync(cmd.Context())
				if result != nil {
					perr := opts.print(cmd.OutOrStdout(), result, func(w io.Writer) {
						fmt.Fprintln(w, result.Message)
						for _, e := range result.Errors {
							fmt.Fprintf(w, "  %s\n", e)
						}
					})
					if err == nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&onServer, "server", false, "ask the server to run its own full sync for this device")
	return cmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [entity-type]",
		Short: "Forget what was pulled so the next pull fetches everything again",
		Long: `Forget what was pulled so the next pull fetches everything again.

Pending local changes are kept. Without an argument every type is reset.
Resetting a type also releases it from quarantine.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *sync.EntityType
			if len(args) == 1 {
				t, err := sync.ParseEntityType(args[0])
				if err != nil {
					return err
				}
				target = &t
			}
			return withApp(opts, func(a *app) error {
				if err := a.engine.Reset(cmd.Context(), target); err != nil {
					return err
				}
				name := "all types"
				if target != nil {
					name = string(*target)
				}
				return opts.print(cmd.OutOrStdout(), map[string]interface{}{"reset": name}, func(w io.Writer) {
					fmt.Fprintf(w, "Reset %s, run pull to fetch them again\n", name)
				})
			})
		},
	}
}

// NewConflictsCommand creates the conflicts command with its resolve subcommand.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved conflict reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				conflicts, err := a.engine.Conflicts(cmd.Context())
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), conflicts, func(w io.Writer) {
					printConflicts(w, conflicts)
				})
			})
		},
	}
	cmd.AddCommand(newResolveCommand(opts))
	return cmd
}

func newResolveCommand(opts *RootOptions) *cobra.Command {
	var resolvedBy string

	cmd := &cobra.Command{
		Use:   "resolve <id> <keep_local|accept_remote|retry|discard>",
		Short: "Resolve one conflict report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}
			resolution, err := sync.ParseResolution(args[1])
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app) error {
				if err := a.engine.ResolveConflict(cmd.Context(), uint(id), resolution, resolvedBy); err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), map[string]interface{}{"id": id, "resolution": resolution}, func(w io.Writer) {
					fmt.Fprintf(w, "Conflict %d resolved (%s)\n", id, resolution)
				})
			})
		},
	}
	cmd.Flags().StringVar(&resolvedBy, "by", "cli", "who resolved the conflict")
	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildinfo.Info()
			return opts.print(cmd.OutOrStdout(), info, func(w io.Writer) {
				fmt.Fprintf(w, "girosync %s (commit %s, built %s)\n", info["version"], info["commit"], info["buildTime"])
			})
		},
	}
}

// Output helpers

func typeList() string {
	names := make([]string, 0, len(sync.AllEntityTypes()))
	for _, t := range sync.AllEntityTypes() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func printStatus(w io.Writer, s *sync.SyncStatus) {
	lastSync := "never"
	if s.LastSync != nil {
		lastSync = s.LastSync.Local().Format(time.DateTime)
	}
	fmt.Fprintf(w, "State:           %s\n", s.State)
	if s.LastOutcome != "" {
		fmt.Fprintf(w, "Last round:      %s\n", s.LastOutcome)
	}
	fmt.Fprintf(w, "Last full sync:  %s\n", lastSync)
	fmt.Fprintf(w, "Pending changes: %d (%d need attention)\n", s.PendingChanges, s.NeedsAttention)
	if len(s.Quarantined) > 0 {
		fmt.Fprintf(w, "Quarantined:     %v (run reset)\n", s.Quarantined)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nTYPE\tROWS\tSYNCED\tLATEST\tPENDING")
	for _, c := range s.EntityCounts {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", c.EntityType, c.Count, c.SyncedVersion, c.LastVersion, c.Pending)
	}
	tw.Flush()
}

func printServerStatus(w io.Writer, s *sync.ServerStatus) {
	fmt.Fprintf(w, "\nServer pending for this device: %d\n", s.PendingChanges)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tROWS\tVERSION")
	for _, c := range s.EntityCounts {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", c.EntityType, c.Count, c.LastVersion)
	}
	tw.Flush()
}

func printConflicts(w io.Writer, conflicts []models.SyncConflict) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "No unresolved conflicts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tKIND\tSERVER VERSION\tMESSAGE")
	for _, c := range conflicts {
		fmt.Fprintf(tw, "%d\t%s:%s\t%s\t%d\t%s\n", c.ID, c.EntityType, c.EntityID, c.ConflictType, c.ServerVersion, c.Message)
	}
	tw.Flush()
}
