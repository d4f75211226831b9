package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kagenti/agent-sandbox/internal/workspace"
	"github.com/spf13/cobra"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage per-context workspaces",
	Long: `Workspace provides subcommands for creating and inspecting the
per-context directories under workspace.root. Each context gets scripts/,
data/, repos/ and output/ subdirectories and a .context.json sidecar.`,
}

var workspaceEnsureCmd = &cobra.Command{
	Use:   "ensure <context-id>",
	Short: "Create a context workspace or mark it as accessed",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceEnsure,
}

var workspacePathCmd = &cobra.Command{
	Use:   "path <context-id>",
	Short: "Print the workspace path of a context without creating it",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspacePath,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contexts that have a workspace",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceList,
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show <context-id>",
	Short: "Show the metadata of a context",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceShow,
}

var workspaceStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List contexts idle for longer than their TTL",
	Long: `Stale lists contexts whose last access is more than ttl_days ago.
Nothing is deleted.`,
	Args: cobra.NoArgs,
	RunE: runWorkspaceStale,
}

var workspaceJSON bool

func init() {
	workspaceShowCmd.Flags().BoolVar(&workspaceJSON, "json", false, "print the raw metadata as JSON")

	workspaceCmd.AddCommand(workspaceEnsureCmd)
	workspaceCmd.AddCommand(workspacePathCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceShowCmd)
	workspaceCmd.AddCommand(workspaceStaleCmd)
	rootCmd.AddCommand(workspaceCmd)
}

func runWorkspaceEnsure(cmd *cobra.Command, args []string) error {
	path, err := newWorkspaceManager(Cfg).EnsureWorkspace(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runWorkspacePath(cmd *cobra.Command, args []string) error {
	if err := workspace.ValidateContextID(args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), newWorkspaceManager(Cfg).Path(args[0]))
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	ids, err := newWorkspaceManager(Cfg).ListContexts()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintf(out, "No contexts under %s.\n", Cfg.Workspace.Root)
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func runWorkspaceShow(cmd *cobra.Command, args []string) error {
	m, err := newWorkspaceManager(Cfg).Metadata(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if workspaceJSON {
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Context:       %s\n", m.ContextID)
	fmt.Fprintf(out, "  Agent:       %s\n", m.Agent)
	if m.Namespace != "" {
		fmt.Fprintf(out, "  Namespace:   %s\n", m.Namespace)
	}
	fmt.Fprintf(out, "  Created:     %s\n", m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Accessed:    %s\n", m.LastAccessedAt.Format(time.RFC3339))
	if exp := m.ExpiresAt(); !exp.IsZero() {
		fmt.Fprintf(out, "  Expires:     %s (ttl %d days)\n", exp.Format(time.RFC3339), m.TTLDays)
	}
	fmt.Fprintf(out, "  Disk usage:  %d bytes\n", m.DiskUsageBytes)
	return nil
}

func runWorkspaceStale(cmd *cobra.Command, args []string) error {
	stale, err := newWorkspaceManager(Cfg).Stale(time.Now())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(stale) == 0 {
		fmt.Fprintln(out, "No stale contexts.")
		return nil
	}
	fmt.Fprintf(out, "%-24s %-26s %s\n", "CONTEXT", "LAST ACCESSED", "DISK")
	for _, m := range stale {
		fmt.Fprintf(out, "%-24s %-26s %d\n", m.ContextID, m.LastAccessedAt.Format(time.RFC3339), m.DiskUsageBytes)
	}
	return nil
}
