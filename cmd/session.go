package cmd

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/kagenti/agent-sandbox/internal/sandbox"
	"github.com/spf13/cobra"
)

var sessionContextID string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run commands for one context from stdin, one per line",
	Long: `Session reads shell commands from stdin, one per line, and runs each
through the policy in the context's workspace. It keeps going after denials
and approval requests and prints a one-line status for every command.

With policy.watch enabled, edits to the settings files take effect for the
next command without restarting the session.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func init() {
	sessionCmd.Flags().StringVar(&sessionContextID, "context", "default", "context id whose workspace is used")
	rootCmd.AddCommand(sessionCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	rt, err := newSandboxRuntime(Cfg, Cfg.Policy.Watch)
	if err != nil {
		return err
	}
	defer rt.Close()

	ex, err := rt.executor(sessionContextID, false)
	if err != nil {
		return err
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := cmd.Context().Err(); err != nil {
			return err
		}

		switch o := ex.RunShell(cmd.Context(), line).(type) {
		case sandbox.Allowed:
			writeResult(out, errOut, o.Result)
			fmt.Fprintf(errOut, "[allow] exit=%d %s\n", o.Result.ExitCode, o.Result.Duration.Round(time.Millisecond))
		case sandbox.Denied:
			writeResult(out, errOut, o.Result)
			fmt.Fprintf(errOut, "[deny] %s\n", o.Rule)
		case sandbox.NeedsApproval:
			fmt.Fprintf(errOut, "[hitl] %s\n", o.Operation)
		}
	}
	return scanner.Err()
}
