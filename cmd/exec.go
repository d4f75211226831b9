package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/kagenti/agent-sandbox/internal/sandbox"
	"github.com/spf13/cobra"
)

// Flag variables shared by exec and file.
var (
	execContextID   string
	execApprove     bool
	execMemoryLimit bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command>",
	Short: "Run a shell command for a context, subject to policy",
	Long: `Exec classifies the command against the permission policy and acts on
the decision:

  allow   the command runs in the context's workspace; exec exits with the
          command's status (125 if it timed out or could not start)
  deny    nothing runs; exit status 2
  hitl    nothing runs; exit status 3 so the caller can ask a human

--approve records that a human approved the command: it then runs even when
no rule allows it. A matching deny rule still wins.

Examples:
  agent-sandbox exec --context conv-42 -- git status
  agent-sandbox exec --context conv-42 --approve -- docker ps`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Read and write files in a context workspace, subject to policy",
}

var fileReadCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "Print a workspace file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFileRead,
}

var fileWriteCmd = &cobra.Command{
	Use:   "write <path>",
	Short: "Write stdin to a workspace file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFileWrite,
}

func init() {
	for _, c := range []*cobra.Command{execCmd, fileCmd} {
		c.PersistentFlags().StringVar(&execContextID, "context", "default", "context id whose workspace is used")
	}
	// Everything after the first argument belongs to the command.
	execCmd.Flags().SetInterspersed(false)
	execCmd.Flags().BoolVar(&execApprove, "approve", false, "run the command even if the policy asks for approval")
	execCmd.Flags().BoolVar(&execMemoryLimit, "memory-limit", false, "apply the capability max_memory_mb as a ulimit")

	fileCmd.AddCommand(fileReadCmd)
	fileCmd.AddCommand(fileWriteCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(fileCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	rt, err := newSandboxRuntime(Cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ex, err := rt.executor(execContextID, execMemoryLimit)
	if err != nil {
		return err
	}

	command := strings.Join(args, " ")
	outcome := ex.RunShell(cmd.Context(), command)
	if na, ok := outcome.(sandbox.NeedsApproval); ok && execApprove {
		fmt.Fprintf(cmd.ErrOrStderr(), "running approved command: %s\n", na.Operation)
		outcome = sandbox.Allowed{Result: ex.Execute(cmd.Context(), na.Operation)}
	}
	return reportOutcome(cmd.OutOrStdout(), cmd.ErrOrStderr(), outcome)
}

func runFileRead(cmd *cobra.Command, args []string) error {
	rt, err := newSandboxRuntime(Cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ex, err := rt.executor(execContextID, false)
	if err != nil {
		return err
	}
	return reportOutcome(cmd.OutOrStdout(), cmd.ErrOrStderr(), ex.ReadFile(args[0]))
}

func runFileWrite(cmd *cobra.Command, args []string) error {
	content, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	rt, err := newSandboxRuntime(Cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ex, err := rt.executor(execContextID, false)
	if err != nil {
		return err
	}
	return reportOutcome(cmd.OutOrStdout(), cmd.ErrOrStderr(), ex.WriteFile(args[0], string(content)))
}

// reportOutcome prints an outcome and returns the *ExitError for any
// non-zero status.
func reportOutcome(stdout, stderr io.Writer, o sandbox.Outcome) error {
	code := 0
	switch o := o.(type) {
	case sandbox.Allowed:
		writeResult(stdout, stderr, o.Result)
		code = o.Result.ExitCode
		if code < 0 {
			code = exitFailed
		}
	case sandbox.Denied:
		writeResult(stdout, stderr, o.Result)
		code = exitDenied
	case sandbox.NeedsApproval:
		fmt.Fprintf(stderr, "Approval required: %s operation '%s' is not covered by any rule.\n", o.OperationType, o.Operation)
		code = exitNeedsApproval
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func writeResult(stdout, stderr io.Writer, r sandbox.ExecutionResult) {
	if r.Stdout != "" {
		io.WriteString(stdout, r.Stdout)
	}
	if r.Stderr != "" {
		io.WriteString(stderr, r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			io.WriteString(stderr, "\n")
		}
	}
}
