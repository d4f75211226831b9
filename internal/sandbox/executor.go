// Package sandbox runs agent operations inside a context workspace after
// checking them against the permission policy.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kagenti/agent-sandbox/internal/capability"
	"github.com/kagenti/agent-sandbox/internal/policy"
)

// DefaultShell interprets commands passed to RunShell and Execute.
const DefaultShell = "/bin/sh"

// ErrPathEscapesWorkspace is reported when a file operation names a path
// outside the bound workspace.
var ErrPathEscapesWorkspace = errors.New("sandbox: path escapes workspace")

// Executor performs operations for a single workspace. It is not shared
// across contexts, but its methods may be called concurrently.
type Executor struct {
	workspace string
	caps      *capability.Config
	gate      *policy.Gate
	shell     string
	memLimit  bool

	classifier policy.Classifier
	logger     *policy.DecisionLogger
	contextID  string
}

// Option configures an Executor.
type Option func(*Executor)

// WithShell overrides the interpreter used for shell commands.
func WithShell(path string) Option {
	return func(e *Executor) { e.shell = path }
}

// WithDecisionLog records every decision the executor acts on.
func WithDecisionLog(l *policy.DecisionLogger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithContextID tags logged decisions with the context they belong to.
func WithContextID(id string) Option {
	return func(e *Executor) { e.contextID = id }
}

// WithMemoryLimit caps the virtual memory of shell commands at the
// capability document's max_memory_mb using the shell's ulimit.
func WithMemoryLimit() Option {
	return func(e *Executor) { e.memLimit = true }
}

// NewExecutor binds an executor to workspacePath. A nil caps uses the
// default runtime limits.
func NewExecutor(workspacePath string, c policy.Classifier, caps *capability.Config, opts ...Option) *Executor {
	if caps == nil {
		caps = capability.Default()
	}
	e := &Executor{
		workspace:  filepath.Clean(workspacePath),
		caps:       caps,
		shell:      DefaultShell,
		classifier: c,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gate = policy.NewGate(e.classifier, e.logger, e.contextID, e.workspace)
	return e
}

// Workspace returns the directory commands run in.
func (e *Executor) Workspace() string { return e.workspace }

// RunShell classifies command as a shell operation and acts on the
// decision: Deny returns a Denied result without spawning anything, HITL
// returns NeedsApproval carrying the original command, and Allow runs the
// command in the workspace.
func (e *Executor) RunShell(ctx context.Context, command string) Outcome {
	ev := e.gate.Evaluate(policy.TypeShell, strings.TrimSpace(command))

	switch ev.Decision {
	case policy.Deny:
		slog.Info("command denied by policy", "command", command, "rule", ev.Rule, "context_id", e.contextID)
		return Denied{
			Result: ExecutionResult{
				Stderr:   fmt.Sprintf("Permission denied: command '%s' is denied by policy.", command),
				ExitCode: 1,
			},
			Rule: ev.Rule,
		}
	case policy.Allow:
		return Allowed{Result: e.Execute(ctx, command)}
	default:
		return NeedsApproval{
			OperationType: policy.TypeShell,
			Operation:     command,
			Reason:        ev.Reason,
		}
	}
}

// Execute runs command in the workspace without consulting the policy. It
// is meant for commands a human has approved. The run is bounded by the
// capability document's max_execution_time_seconds. When Execute returns,
// the command's whole process group is gone: on timeout or cancellation of
// ctx it is killed and reaped, and background children still running after
// the shell exits are killed too.
func (e *Executor) Execute(ctx context.Context, command string) ExecutionResult {
	timeout := e.caps.MaxExecutionTime()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := command
	if e.memLimit {
		script = fmt.Sprintf("ulimit -v %d 2>/dev/null; %s", e.caps.MaxMemoryMB()*1024, command)
	}

	cmd := exec.CommandContext(runCtx, e.shell, "-c", script)
	cmd.Dir = e.workspace
	setupProcessGroup(cmd)

	start := time.Now()
	stdout, err := newOutputPipe()
	if err != nil {
		return startFailure(command, err, time.Since(start))
	}
	stderr, err := newOutputPipe()
	if err != nil {
		stdout.abort()
		return startFailure(command, err, time.Since(start))
	}
	cmd.Stdout, cmd.Stderr = stdout.w, stderr.w

	if err := cmd.Start(); err != nil {
		stdout.abort()
		stderr.abort()
		return startFailure(command, err, time.Since(start))
	}
	stdout.started()
	stderr.started()

	err = cmd.Wait()
	duration := time.Since(start)
	if killProcessGroup(cmd) == nil {
		slog.Debug("killed leftover processes", "command", command, "pid", cmd.Process.Pid)
	}
	out := stdout.collect(outputDrainTimeout)
	errOut := stderr.collect(outputDrainTimeout)

	switch {
	case ctx.Err() != nil:
		slog.Warn("command cancelled", "command", command, "duration", duration)
		return ExecutionResult{
			Stderr:   fmt.Sprintf("Command cancelled and was killed: '%s'", command),
			ExitCode: -1,
			Duration: duration,
		}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		slog.Warn("command timed out", "command", command, "timeout", timeout)
		return ExecutionResult{
			Stderr:   fmt.Sprintf("Command timed out after %d seconds and was killed: '%s'", e.caps.MaxExecutionTimeSeconds(), command),
			ExitCode: -1,
			Duration: duration,
		}
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.Warn("waiting for command failed", "command", command, "error", err)
		return ExecutionResult{
			Stdout:   decodeOutput(out),
			Stderr:   fmt.Sprintf("Command failed: %v", err),
			ExitCode: -1,
			Duration: duration,
		}
	}
	return ExecutionResult{
		Stdout:   decodeOutput(out),
		Stderr:   decodeOutput(errOut),
		ExitCode: exitCode(cmd),
		Duration: duration,
	}
}

func startFailure(command string, err error, d time.Duration) ExecutionResult {
	slog.Warn("command failed to start", "command", command, "error", err)
	return ExecutionResult{
		Stderr:   fmt.Sprintf("Failed to start command: %v", err),
		ExitCode: -1,
		Duration: d,
	}
}

// ReadFile reads a file inside the workspace after classifying
// "read:<absolute path>" as a file operation. The content is returned as
// the result's Stdout.
func (e *Executor) ReadFile(path string) Outcome {
	abs, err := e.resolve(path)
	if err != nil {
		return rejected(err)
	}
	if o := e.enforce("read:" + abs); o != nil {
		return o
	}

	start := time.Now()
	data, err := os.ReadFile(abs)
	if err != nil {
		return Allowed{Result: ExecutionResult{
			Stderr:   fmt.Sprintf("Failed to read file: %v", err),
			ExitCode: 1,
			Duration: time.Since(start),
		}}
	}
	return Allowed{Result: ExecutionResult{
		Stdout:   decodeOutput(data),
		Duration: time.Since(start),
	}}
}

// WriteFile writes content to a file inside the workspace after classifying
// "write:<absolute path>" as a file operation. Parent directories are
// created as needed.
func (e *Executor) WriteFile(path, content string) Outcome {
	abs, err := e.resolve(path)
	if err != nil {
		return rejected(err)
	}
	if o := e.enforce("write:" + abs); o != nil {
		return o
	}

	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Allowed{Result: ExecutionResult{
			Stderr:   fmt.Sprintf("Failed to create directory: %v", err),
			ExitCode: 1,
			Duration: time.Since(start),
		}}
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return Allowed{Result: ExecutionResult{
			Stderr:   fmt.Sprintf("Failed to write file: %v", err),
			ExitCode: 1,
			Duration: time.Since(start),
		}}
	}
	return Allowed{Result: ExecutionResult{
		Stdout:   fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Duration: time.Since(start),
	}}
}

// enforce returns nil when the file operation is allowed.
func (e *Executor) enforce(operation string) Outcome {
	err := e.gate.Enforce(policy.TypeFile, operation)
	if err == nil {
		return nil
	}

	var denied *policy.DeniedError
	if errors.As(err, &denied) {
		slog.Info("file operation denied by policy", "operation", operation, "rule", denied.Rule)
		return Denied{
			Result: ExecutionResult{Stderr: err.Error(), ExitCode: 1},
			Rule:   denied.Rule,
		}
	}
	return NeedsApproval{
		OperationType: policy.TypeFile,
		Operation:     operation,
		Reason:        err.Error(),
	}
}

func rejected(err error) Outcome {
	return Denied{Result: ExecutionResult{Stderr: err.Error(), ExitCode: 1}}
}

// resolve maps a workspace-relative or absolute path to an absolute path
// inside the workspace. Paths that leave the workspace, lexically or through
// a symlink, are rejected.
func (e *Executor) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapesWorkspace)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.workspace, abs)
	}
	abs = filepath.Clean(abs)

	if !within(e.workspace, abs) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesWorkspace, path)
	}

	root := e.workspace
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	if real, ok := realAncestor(e.workspace, abs); ok && !within(root, real) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesWorkspace, path)
	}
	return abs, nil
}

// realAncestor resolves symlinks in the longest existing prefix of p that
// is still inside workspace.
func realAncestor(workspace, p string) (string, bool) {
	for cur := p; within(workspace, cur); cur = filepath.Dir(cur) {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			return real, true
		}
		if cur == workspace {
			break
		}
	}
	return "", false
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
