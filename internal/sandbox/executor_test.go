package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kagenti/agent-sandbox/internal/capability"
	"github.com/kagenti/agent-sandbox/internal/policy"
)

// testEnv creates a workspace root with one context directory and an engine
// whose ${WORKSPACE} resolves to that root.
func testEnv(t *testing.T) (root, workspace string, engine *policy.Engine) {
	t.Helper()
	root = t.TempDir()
	workspace = filepath.Join(root, "ctx-1")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		t.Fatal(err)
	}
	engine = policy.NewEngine(policy.Settings{
		ContextWorkspace: root + "/${CONTEXT_ID}",
		Permissions: policy.Permissions{
			Allow: []string{
				"shell(echo:*)",
				"shell(pwd:*)",
				"shell(sleep:*)",
				"shell(exit:*)",
				"shell(printf:*)",
				"shell(cat:*)",
				"file(read:${WORKSPACE}/**)",
				"file(write:${WORKSPACE}/**)",
			},
			Deny: []string{
				"shell(sudo:*)",
				"shell(touch:*)",
				"file(write:${WORKSPACE}/**/.context.json)",
			},
		},
	})
	return root, workspace, engine
}

func limits(seconds int) *capability.Config {
	return capability.New(capability.Document{
		Runtime: capability.Runtime{MaxExecutionTimeSeconds: seconds},
	})
}

func mustAllowed(t *testing.T, o Outcome) ExecutionResult {
	t.Helper()
	a, ok := o.(Allowed)
	if !ok {
		t.Fatalf("outcome = %#v, want Allowed", o)
	}
	return a.Result
}

func TestRunShell_Allowed(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	res := mustAllowed(t, e.RunShell(context.Background(), "echo hello"))
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Stderr != "" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunShell_RunsInWorkspace(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	res := mustAllowed(t, e.RunShell(context.Background(), "pwd"))
	want, err := filepath.EvalSymlinks(ws)
	if err != nil {
		t.Fatal(err)
	}
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	if err != nil {
		t.Fatalf("pwd output %q: %v", res.Stdout, err)
	}
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestRunShell_Denied(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	o := e.RunShell(context.Background(), "touch marker")
	d, ok := o.(Denied)
	if !ok {
		t.Fatalf("outcome = %#v, want Denied", o)
	}
	if d.Result.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", d.Result.ExitCode)
	}
	if d.Result.Stdout != "" {
		t.Errorf("stdout = %q, want empty", d.Result.Stdout)
	}
	if !strings.Contains(d.Result.Stderr, "denied by policy") || !strings.Contains(d.Result.Stderr, "touch marker") {
		t.Errorf("stderr = %q", d.Result.Stderr)
	}
	if d.Rule != "shell(touch:*)" {
		t.Errorf("rule = %q", d.Rule)
	}
	if _, err := os.Stat(filepath.Join(ws, "marker")); !os.IsNotExist(err) {
		t.Error("denied command must not run")
	}
}

func TestRunShell_NeedsApproval(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	cmd := "  make build  "
	o := e.RunShell(context.Background(), cmd)
	na, ok := o.(NeedsApproval)
	if !ok {
		t.Fatalf("outcome = %#v, want NeedsApproval", o)
	}
	if na.Operation != cmd {
		t.Errorf("operation = %q, want original %q", na.Operation, cmd)
	}
	if na.OperationType != policy.TypeShell {
		t.Errorf("operation type = %q", na.OperationType)
	}
}

func TestRunShell_ClassifiesTrimmedCommand(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	res := mustAllowed(t, e.RunShell(context.Background(), "  echo padded"))
	if res.Stdout != "padded\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunShell_EmptyCommandNeedsApproval(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	if _, ok := e.RunShell(context.Background(), "").(NeedsApproval); !ok {
		t.Error("empty command should need approval")
	}
}

func TestExecute_ExitCodePassthrough(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	res := mustAllowed(t, e.RunShell(context.Background(), "exit 3"))
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}

	res = e.Execute(context.Background(), "echo oops >&2; exit 2")
	if res.ExitCode != 2 || res.Stderr != "oops\n" {
		t.Errorf("got exit=%d stderr=%q", res.ExitCode, res.Stderr)
	}
}

func TestExecute_Timeout(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, limits(1))

	start := time.Now()
	res := mustAllowed(t, e.RunShell(context.Background(), "sleep 30"))
	elapsed := time.Since(start)

	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if res.Stdout != "" {
		t.Errorf("stdout = %q, want empty", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "timed out") || !strings.Contains(res.Stderr, "sleep 30") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if elapsed > 10*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestExecute_TimeoutKillsChildren(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, limits(1))

	start := time.Now()
	res := e.Execute(context.Background(), "sleep 30 & sleep 30; wait")
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	// A surviving background sleep would hold the output pipes open until
	// the drain timeout.
	if elapsed := time.Since(start); elapsed > 1900*time.Millisecond {
		t.Errorf("execute took %v; background child likely survived", elapsed)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := e.Execute(ctx, "sleep 30")
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "cancelled") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestExecute_StartFailure(t *testing.T) {
	_, ws, engine := testEnv(t)

	e := NewExecutor(ws, engine, nil, WithShell(filepath.Join(t.TempDir(), "no-such-shell")))
	res := mustAllowed(t, e.RunShell(context.Background(), "echo hi"))
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if !strings.HasPrefix(res.Stderr, "Failed to start command") {
		t.Errorf("stderr = %q", res.Stderr)
	}

	e = NewExecutor(filepath.Join(ws, "missing-dir"), engine, nil)
	res = e.Execute(context.Background(), "echo hi")
	if res.ExitCode != -1 || !strings.HasPrefix(res.Stderr, "Failed to start command") {
		t.Errorf("missing workspace: exit=%d stderr=%q", res.ExitCode, res.Stderr)
	}
}

func TestExecute_InvalidUTF8Replaced(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	res := mustAllowed(t, e.RunShell(context.Background(), `printf '\377ok\376'`))
	if res.Stdout != "\uFFFDok\uFFFD" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestExecute_MemoryLimit(t *testing.T) {
	_, ws, engine := testEnv(t)
	caps := capability.New(capability.Document{Runtime: capability.Runtime{MaxMemoryMB: 512}})
	e := NewExecutor(ws, engine, caps, WithMemoryLimit())

	res := e.Execute(context.Background(), "ulimit -v")
	if res.ExitCode != 0 {
		t.Fatalf("exit=%d stderr=%q", res.ExitCode, res.Stderr)
	}
	if got := strings.TrimSpace(res.Stdout); got != "524288" && got != "unlimited" {
		t.Errorf("ulimit -v = %q", got)
	}
}

func TestExecute_Concurrent(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			want := fmt.Sprintf("run-%d\n", i)
			a, ok := e.RunShell(context.Background(), "echo run-"+fmt.Sprint(i)).(Allowed)
			if !ok {
				return fmt.Errorf("run %d not allowed", i)
			}
			if a.Result.Stdout != want {
				return fmt.Errorf("stdout = %q, want %q", a.Result.Stdout, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Error(err)
	}
}

func TestFileOps_WriteThenRead(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	mustAllowed(t, e.WriteFile("output/report.txt", "done"))
	res := mustAllowed(t, e.ReadFile(filepath.Join(ws, "output", "report.txt")))
	if res.Stdout != "done" {
		t.Errorf("content = %q", res.Stdout)
	}

	res = mustAllowed(t, e.ReadFile("output/missing.txt"))
	if res.ExitCode != 1 || !strings.Contains(res.Stderr, "Failed to read file") {
		t.Errorf("missing file: %+v", res)
	}
}

func TestFileOps_DenyRule(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	o := e.WriteFile("data/.context.json", "{}")
	d, ok := o.(Denied)
	if !ok {
		t.Fatalf("outcome = %#v, want Denied", o)
	}
	if d.Rule != "file(write:${WORKSPACE}/**/.context.json)" {
		t.Errorf("rule = %q", d.Rule)
	}
	if _, err := os.Stat(filepath.Join(ws, "data", ".context.json")); !os.IsNotExist(err) {
		t.Error("denied write must not create the file")
	}
}

func TestFileOps_PathEscape(t *testing.T) {
	root, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)

	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(root, filepath.Join(ws, "link")); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"../secret.txt", filepath.Join(root, "secret.txt"), "link/secret.txt", "a/../../secret.txt", ""} {
		o := e.ReadFile(p)
		d, ok := o.(Denied)
		if !ok {
			t.Errorf("ReadFile(%q) = %#v, want Denied", p, o)
			continue
		}
		if !strings.Contains(d.Result.Stderr, ErrPathEscapesWorkspace.Error()) {
			t.Errorf("ReadFile(%q) stderr = %q", p, d.Result.Stderr)
		}
	}

	if _, ok := e.WriteFile("link/new.txt", "x").(Denied); !ok {
		t.Error("write through escaping symlink should be denied")
	}
	if _, err := os.Stat(filepath.Join(root, "new.txt")); !os.IsNotExist(err) {
		t.Error("write escaped the workspace")
	}
}

func TestFileOps_NeedsApproval(t *testing.T) {
	_, ws, _ := testEnv(t)
	readOnly := policy.NewEngine(policy.Settings{
		Permissions: policy.Permissions{Allow: []string{"file(read:/**)"}},
	})
	e := NewExecutor(ws, readOnly, nil)

	o := e.WriteFile("notes.txt", "x")
	na, ok := o.(NeedsApproval)
	if !ok {
		t.Fatalf("outcome = %#v, want NeedsApproval", o)
	}
	if na.OperationType != policy.TypeFile || na.Operation != "write:"+filepath.Join(ws, "notes.txt") {
		t.Errorf("got %+v", na)
	}
}

func TestDecisionLogging(t *testing.T) {
	_, ws, engine := testEnv(t)
	logger, err := policy.NewDecisionLogger(policy.DecisionLogConfig{
		Path:        filepath.Join(t.TempDir(), "decisions.jsonl"),
		SampleAllow: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	e := NewExecutor(ws, engine, nil, WithDecisionLog(logger), WithContextID("ctx-1"))
	e.RunShell(context.Background(), "sudo ls")
	e.RunShell(context.Background(), "make")
	e.ReadFile("x.txt")

	entries, err := logger.Search(policy.DecisionFilter{ContextID: "ctx-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (deny and hitl; the allow is sampled out)", len(entries))
	}
	if entries[0].Decision != policy.Deny || entries[1].Decision != policy.HITL {
		t.Errorf("decisions = %s, %s", entries[0].Decision, entries[1].Decision)
	}
}

func TestOutcomeUnion(t *testing.T) {
	for _, o := range []Outcome{Allowed{}, Denied{}, NeedsApproval{}} {
		switch o.(type) {
		case Allowed, Denied, NeedsApproval:
		default:
			t.Errorf("unexpected outcome %T", o)
		}
	}
}

func TestErrPathEscapesWorkspaceWrapped(t *testing.T) {
	_, ws, engine := testEnv(t)
	e := NewExecutor(ws, engine, nil)
	if _, err := e.resolve("../x"); !errors.Is(err, ErrPathEscapesWorkspace) {
		t.Errorf("err = %v", err)
	}
	if p, err := e.resolve("sub/x"); err != nil || p != filepath.Join(ws, "sub", "x") {
		t.Errorf("resolve(sub/x) = %q, %v", p, err)
	}
}
