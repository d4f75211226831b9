package policy

import (
	"sync"
	"testing"
)

func testSettings() Settings {
	return Settings{
		ContextWorkspace: "/workspace/${CONTEXT_ID}",
		Permissions: Permissions{
			Allow: []string{
				"shell(grep:*)",
				"shell(ls:*)",
				"shell(bash:*)",
				"shell(git clone:*)",
				"shell(pip install:*)",
				"file(read:${WORKSPACE}/**)",
				"file(write:${WORKSPACE}/**)",
				"network(outbound:*)",
			},
			Deny: []string{
				"shell(sudo:*)",
				"shell(rm -rf /:*)",
				"shell(rm:*)",
				"file(read:/etc/shadow:*)",
				"file(write:/etc/**:*)",
			},
		},
	}
}

func TestEngine_Classify(t *testing.T) {
	e := NewEngine(testSettings())

	tests := []struct {
		name string
		typ  string
		op   string
		want Decision
	}{
		{"allowed grep", TypeShell, "grep -r TODO .", Allow},
		{"allowed bare ls", TypeShell, "ls", Allow},
		{"denied sudo", TypeShell, "sudo rm -rf /", Deny},
		{"denied rm", TypeShell, "rm foo.txt", Deny},
		{"unknown command", TypeShell, "docker run alpine", HITL},
		{"empty shell", TypeShell, "", HITL},
		{"multi-word prefix", TypeShell, "git clone https://github.com/org/repo.git", Allow},
		{"multi-word prefix without boundary", TypeShell, "git clonemore", HITL},
		{"other git subcommand", TypeShell, "git push", HITL},
		{"pip install", TypeShell, "pip install requests", Allow},
		{"word boundary", TypeShell, "grepfoo bar", HITL},
		{"file read in workspace", TypeFile, "read:/workspace/ctx1/main.py", Allow},
		{"file read deep", TypeFile, "read:/workspace/a/b/c.txt", Allow},
		{"file read shadow", TypeFile, "read:/etc/shadow", Deny},
		{"file write etc", TypeFile, "write:/etc/passwd", Deny},
		{"file write nested etc", TypeFile, "write:/etc/ssh/sshd_config", Deny},
		{"file read outside", TypeFile, "read:/home/user/.ssh/id_rsa", HITL},
		{"file unknown action", TypeFile, "delete:/workspace/x", HITL},
		{"file without action", TypeFile, "/workspace/x", HITL},
		{"file empty", TypeFile, "", HITL},
		{"network outbound", TypeNetwork, "outbound:https://example.com", Allow},
		{"network inbound", TypeNetwork, "inbound:0.0.0.0:8080", HITL},
		{"unknown type", "database", "query:select 1", HITL},
		{"type is case sensitive", "Shell", "grep foo", HITL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Classify(tt.typ, tt.op); got != tt.want {
				t.Errorf("Classify(%q, %q) = %s, want %s", tt.typ, tt.op, got, tt.want)
			}
		})
	}
}

func TestEngine_DenyWinsOverAllow(t *testing.T) {
	e := NewEngine(Settings{
		Permissions: Permissions{
			Allow: []string{"shell(bash:*)", "shell(sudo:*)", "file(read:/**)"},
			Deny:  []string{"shell(sudo:*)", "shell(rm:*)", "file(read:/etc/**)"},
		},
	})

	if got := e.Classify(TypeShell, "sudo rm -rf /"); got != Deny {
		t.Errorf("sudo: got %s, want deny", got)
	}
	if got := e.Classify(TypeFile, "read:/etc/hosts"); got != Deny {
		t.Errorf("read /etc/hosts: got %s, want deny", got)
	}
	if got := e.Classify(TypeFile, "read:/tmp/x"); got != Allow {
		t.Errorf("read /tmp/x: got %s, want allow", got)
	}
}

func TestEngine_BroadAllowDoesNotOverrideNarrowDeny(t *testing.T) {
	e := NewEngine(Settings{
		Permissions: Permissions{
			Allow: []string{"shell(:*)"},
			Deny:  []string{"shell(sudo:*)"},
		},
	})
	if got := e.Classify(TypeShell, "sudo ls"); got != Deny {
		t.Errorf("got %s, want deny", got)
	}
}

func TestEngine_WorkspaceSubstitution(t *testing.T) {
	e := NewEngine(Settings{
		ContextWorkspace: "/data/sandbox/${CONTEXT_ID}",
		Permissions: Permissions{
			Allow: []string{"file(read:${WORKSPACE}/**)"},
		},
	})

	if e.Workspace() != "/data/sandbox" {
		t.Fatalf("Workspace() = %q, want /data/sandbox", e.Workspace())
	}
	if got := e.Classify(TypeFile, "read:/data/sandbox/notes.txt"); got != Allow {
		t.Errorf("got %s, want allow", got)
	}
	if got := e.Classify(TypeFile, "read:/workspace/notes.txt"); got != HITL {
		t.Errorf("got %s, want hitl", got)
	}
}

func TestEngine_DefaultWorkspace(t *testing.T) {
	e := NewEngine(Settings{
		Permissions: Permissions{Allow: []string{"file(read:${WORKSPACE}/**)"}},
	})
	if e.Workspace() != DefaultContextWorkspace {
		t.Errorf("Workspace() = %q, want %q", e.Workspace(), DefaultContextWorkspace)
	}
	if got := e.Classify(TypeFile, "read:/workspace/ctx/a.py"); got != Allow {
		t.Errorf("got %s, want allow", got)
	}
}

func TestEngine_MalformedRulesDropped(t *testing.T) {
	e := NewEngine(Settings{
		Permissions: Permissions{
			Allow: []string{"shell(ls:*)", "not a rule", "Shell(grep:*)", "shell()", "file(readnocolon)"},
			Deny:  []string{"shell(sudo:*", "garbage"},
		},
	})

	deny, allow := e.Rules(TypeShell)
	if len(deny) != 0 {
		t.Errorf("deny rules = %d, want 0", len(deny))
	}
	if len(allow) != 1 {
		t.Errorf("allow rules = %d, want 1", len(allow))
	}
	if got := e.Classify(TypeShell, "sudo ls"); got != HITL {
		t.Errorf("malformed deny rule must not match: got %s", got)
	}
	if got := e.Classify(TypeShell, "grep x"); got != HITL {
		t.Errorf("uppercase type must not parse: got %s", got)
	}
}

func TestEngine_NoSettings(t *testing.T) {
	e := NewEngine(Settings{})
	for _, typ := range []string{TypeShell, TypeFile, TypeNetwork, "x"} {
		if got := e.Classify(typ, "anything:at all"); got != HITL {
			t.Errorf("Classify(%q) = %s, want hitl", typ, got)
		}
	}
}

func TestEngine_Explain(t *testing.T) {
	e := NewEngine(testSettings())

	ev := e.Explain(TypeShell, "sudo reboot")
	if ev.Decision != Deny {
		t.Fatalf("decision = %s, want deny", ev.Decision)
	}
	if ev.Rule != "shell(sudo:*)" {
		t.Errorf("rule = %q, want shell(sudo:*)", ev.Rule)
	}
	if ev.Reason == "" {
		t.Error("reason should not be empty")
	}

	ev = e.Explain(TypeShell, "make build")
	if ev.Decision != HITL || ev.Rule != "" {
		t.Errorf("got %+v, want hitl without rule", ev)
	}
}

func TestEngine_VersionStable(t *testing.T) {
	a := NewEngine(testSettings())
	b := NewEngine(testSettings())
	if a.Version() == "" || a.Version() != b.Version() {
		t.Errorf("versions differ for identical settings: %q vs %q", a.Version(), b.Version())
	}
	s := testSettings()
	s.Permissions.Allow = append(s.Permissions.Allow, "shell(make:*)")
	if NewEngine(s).Version() == a.Version() {
		t.Error("version should change with settings")
	}
}

func TestEngine_RulesReturnsCopies(t *testing.T) {
	e := NewEngine(testSettings())
	_, allow := e.Rules(TypeShell)
	allow[0] = Rule{}
	if got := e.Classify(TypeShell, "grep foo"); got != Allow {
		t.Errorf("engine mutated through Rules(): got %s", got)
	}
}

func TestEngine_ConcurrentClassify(t *testing.T) {
	e := NewEngine(testSettings())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if e.Classify(TypeShell, "sudo ls") != Deny {
					t.Error("expected deny")
					return
				}
				if e.Classify(TypeFile, "read:/workspace/a/b") != Allow {
					t.Error("expected allow")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestDecisionString(t *testing.T) {
	tests := []struct {
		d    Decision
		want string
	}{
		{Allow, "allow"},
		{Deny, "deny"},
		{HITL, "hitl"},
		{Decision(42), "decision(42)"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}

	var d Decision
	if err := d.UnmarshalText([]byte("deny")); err != nil || d != Deny {
		t.Errorf("UnmarshalText(deny) = %s, %v", d, err)
	}
	if err := d.UnmarshalText([]byte("maybe")); err == nil {
		t.Error("expected error for unknown decision")
	}
}
