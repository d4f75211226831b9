// Package doctor runs environment diagnostics for agent-sandbox: can the
// policy be loaded, can workspaces be created, and can commands be run and
// killed the way the executor expects.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kagenti/agent-sandbox/internal/capability"
	"github.com/kagenti/agent-sandbox/internal/config"
	"github.com/kagenti/agent-sandbox/internal/policy"
	"github.com/kagenti/agent-sandbox/internal/sandbox"
)

// CheckResult represents the outcome of a single diagnostic check.
type CheckResult struct {
	Name        string `json:"name"`
	Status      string `json:"status"` // pass, fail, warn
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// Report is a collection of check results.
type Report struct {
	Results []CheckResult `json:"results"`
}

// HasFailures returns true if any check failed.
func (r *Report) HasFailures() bool {
	for _, c := range r.Results {
		if c.Status == "fail" {
			return true
		}
	}
	return false
}

// JSON returns the report as formatted JSON.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Free space thresholds for the workspace root, in bytes.
const (
	minFreeBytes  = 1 << 30
	warnFreeBytes = 5 << 30
)

// RunAll executes all diagnostic checks and returns a report.
func RunAll(cfg *config.Config) *Report {
	checks := []func() CheckResult{
		func() CheckResult { return CheckShell(sandbox.DefaultShell) },
		func() CheckResult { return CheckProcessGroups() },
		func() CheckResult { return CheckWorkspaceRoot(cfg.Workspace.Root) },
		func() CheckResult { return CheckSettings(cfg.PolicyPaths()) },
		func() CheckResult { return CheckCapabilities(cfg.Capabilities.Path) },
		func() CheckResult { return CheckDecisionLog(cfg.DecisionLog) },
	}

	report := &Report{}
	for _, check := range checks {
		report.Results = append(report.Results, check())
	}
	return report
}

// CheckShell verifies that the shell commands are run with exists and is
// executable.
func CheckShell(shell string) CheckResult {
	result := CheckResult{Name: "Shell"}

	path, err := exec.LookPath(shell)
	if err != nil {
		result.Status = "fail"
		result.Message = fmt.Sprintf("%s not found or not executable: %v", shell, err)
		result.Remediation = "Commands are run with " + shell + " -c. Install a POSIX shell at that path."
		return result
	}

	result.Status = "pass"
	result.Message = path
	return result
}

// CheckProcessGroups reports whether timed-out commands can be killed
// together with their children on this platform.
func CheckProcessGroups() CheckResult {
	result := CheckResult{Name: "Process Groups"}

	switch runtime.GOOS {
	case "linux", "darwin":
		result.Status = "pass"
		result.Message = "commands run in their own session; timeouts kill the whole group"
	default:
		result.Status = "warn"
		result.Message = fmt.Sprintf("process groups are not supported on %s; timeouts kill only the shell", runtime.GOOS)
		result.Remediation = "Run agent-sandbox on Linux so background processes started by a command are killed with it."
	}
	return result
}

// CheckWorkspaceRoot verifies that the workspace root exists (or can be
// created), is writable, and has free space.
func CheckWorkspaceRoot(root string) CheckResult {
	result := CheckResult{Name: "Workspace Root"}

	if err := os.MkdirAll(root, 0o755); err != nil {
		result.Status = "fail"
		result.Message = fmt.Sprintf("cannot create %s: %v", root, err)
		result.Remediation = "Create the directory and give the agent user write access, or set workspace.root."
		return result
	}

	f, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		result.Status = "fail"
		result.Message = fmt.Sprintf("%s is not writable: %v", root, err)
		result.Remediation = "Give the agent user write access to " + root + "."
		return result
	}
	f.Close()
	os.Remove(f.Name())

	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		result.Status = "warn"
		result.Message = fmt.Sprintf("could not check disk space: %v", err)
		return result
	}
	free := stat.Bavail * uint64(stat.Bsize)
	freeMB := free / (1 << 20)

	switch {
	case free < minFreeBytes:
		result.Status = "fail"
		result.Message = fmt.Sprintf("only %d MB free in %s (minimum 1 GB)", freeMB, root)
		result.Remediation = "Free up disk space or run 'agent-sandbox workspace stale' to find idle contexts."
	case free < warnFreeBytes:
		result.Status = "warn"
		result.Message = fmt.Sprintf("%d MB free in %s (5+ GB recommended)", freeMB, root)
		result.Remediation = "Run 'agent-sandbox workspace stale' to find idle contexts."
	default:
		result.Status = "pass"
		result.Message = fmt.Sprintf("%s writable, %d MB free", root, freeMB)
	}
	return result
}

// CheckSettings loads the settings layers and reports rules that would
// never match.
func CheckSettings(paths []string) CheckResult {
	result := CheckResult{Name: "Policy Settings"}

	s, err := policy.LoadLayeredSettings(paths...)
	if err != nil {
		result.Status = "fail"
		result.Message = err.Error()
		result.Remediation = "Fix the settings file, then check it with 'agent-sandbox policy validate'."
		return result
	}

	if errs := policy.ValidateSettings(s); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		result.Status = "warn"
		result.Message = fmt.Sprintf("%d rule problem(s): %s", len(errs), strings.Join(msgs, "; "))
		result.Remediation = "Rules that do not parse never match, so those operations fall through to human approval."
		return result
	}

	result.Status = "pass"
	result.Message = fmt.Sprintf("%d layer(s), %d deny and %d allow rule(s)",
		len(paths), len(s.Permissions.Deny), len(s.Permissions.Allow))
	return result
}

// CheckCapabilities loads the capability document.
func CheckCapabilities(path string) CheckResult {
	result := CheckResult{Name: "Capabilities"}

	caps, err := capability.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		result.Status = "warn"
		result.Message = fmt.Sprintf("%s not found; nothing is enabled and default limits apply", path)
		result.Remediation = "Create a capabilities document or set capabilities.path."
		return result
	}
	if err != nil {
		result.Status = "fail"
		result.Message = err.Error()
		return result
	}

	result.Status = "pass"
	result.Message = fmt.Sprintf("timeout %ds, memory %d MB, %d package manager(s)",
		caps.MaxExecutionTimeSeconds(), caps.MaxMemoryMB(), len(caps.PackageManagers()))
	return result
}

// CheckDecisionLog verifies that the decision log directory is writable
// when the log is enabled.
func CheckDecisionLog(cfg config.DecisionLogConfig) CheckResult {
	result := CheckResult{Name: "Decision Log"}

	if !cfg.Enabled {
		result.Status = "pass"
		result.Message = "disabled"
		return result
	}

	dir := filepath.Dir(cfg.Path)
	if err := unix.Access(dir, unix.W_OK); err != nil {
		if _, statErr := os.Stat(dir); statErr != nil {
			// The logger creates missing directories; check the parent.
			if err := unix.Access(filepath.Dir(dir), unix.W_OK); err == nil {
				result.Status = "pass"
				result.Message = fmt.Sprintf("%s will be created", dir)
				return result
			}
		}
		result.Status = "fail"
		result.Message = fmt.Sprintf("%s is not writable: %v", dir, err)
		result.Remediation = "Create the directory with write access for the agent user, or set decision_log.path."
		return result
	}

	result.Status = "pass"
	result.Message = cfg.Path
	return result
}
