package policy

import "testing"

func TestParseRule_Shell(t *testing.T) {
	r, ok := ParseRule("shell(pip install:*)", "/workspace")
	if !ok {
		t.Fatal("expected rule to parse")
	}
	if r.Type != TypeShell || r.Prefix != "pip install" || r.Pattern != "*" {
		t.Errorf("got %+v", r)
	}
	if r.String() != "shell(pip install:*)" {
		t.Errorf("String() = %q", r.String())
	}
}

func TestParseRule_ShellSplitsOnLastColon(t *testing.T) {
	r, ok := ParseRule("shell(docker run -p 8080:80:*)", "/workspace")
	if !ok {
		t.Fatal("expected rule to parse")
	}
	if r.Prefix != "docker run -p 8080:80" || r.Pattern != "*" {
		t.Errorf("prefix=%q pattern=%q", r.Prefix, r.Pattern)
	}
	if !r.Matches("docker run -p 8080:80 nginx") {
		t.Error("expected match")
	}
}

func TestParseRule_Structured(t *testing.T) {
	r, ok := ParseRule("file(write:/etc/**:*)", "/workspace")
	if !ok {
		t.Fatal("expected rule to parse")
	}
	if r.Type != TypeFile || r.Prefix != "write" || r.Pattern != "/etc/**" {
		t.Errorf("got %+v", r)
	}
}

func TestParseRule_WorkspaceExpansion(t *testing.T) {
	r, ok := ParseRule("file(read:${WORKSPACE}/**)", "/data/sandbox")
	if !ok {
		t.Fatal("expected rule to parse")
	}
	if r.Pattern != "/data/sandbox/**" {
		t.Errorf("pattern = %q", r.Pattern)
	}
	if r.Raw != "file(read:${WORKSPACE}/**)" {
		t.Errorf("raw text should be kept verbatim, got %q", r.Raw)
	}
}

func TestParseRule_Malformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"shell",
		"shell(",
		"shell()",
		"shell(grep:*",
		"SHELL(grep:*)",
		"she ll(grep:*)",
		"shell(grep)",
		"file(read)",
		"1shell(grep:*)",
	} {
		if _, ok := ParseRule(raw, "/workspace"); ok {
			t.Errorf("ParseRule(%q) should fail", raw)
		}
	}
}

func TestRuleMatches_ShellBoundary(t *testing.T) {
	r, _ := ParseRule("shell(grep:*)", "/workspace")

	tests := []struct {
		cmd  string
		want bool
	}{
		{"grep", true},
		{"grep -r foo .", true},
		{"grep\t-r foo", true},
		{"grep   foo", true},
		{"grep\u00a0-r foo", true}, // no-break space
		{"grep\u3000foo", true},     // ideographic space
		{"grep\u2028foo", true},     // line separator
		{"grepé foo", false},
		{"grepfoo", false},
		{"egrep foo", false},
		{" grep foo", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := r.Matches(tt.cmd); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestRuleMatches_ShellSuffixGlob(t *testing.T) {
	r, _ := ParseRule("shell(git push:origin *)", "/workspace")

	tests := []struct {
		cmd  string
		want bool
	}{
		{"git push origin main", true},
		{"git push origin feature/x", true},
		{"git push   origin main", true},
		{"git push upstream main", false},
		{"git push", false},
	}
	for _, tt := range tests {
		if got := r.Matches(tt.cmd); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestRuleMatches_ShellGlobBracesAndBackslashLiteral(t *testing.T) {
	tests := []struct {
		rule string
		cmd  string
		want bool
	}{
		{"shell(echo:{a,b})", "echo {a,b}", true},
		{"shell(echo:{a,b})", "echo a", false},
		{"shell(echo:{a,b})", "echo b", false},
		{`shell(printf:a\nb)`, `printf a\nb`, true},
		{`shell(printf:a\*)`, `printf a\xyz`, true},
		{`shell(printf:a\*)`, `printf a*`, false},
		{"shell(ls:[ab]*)", "ls apple", true},
		{"shell(ls:[ab]*)", "ls cherry", false},
	}
	for _, tt := range tests {
		r, ok := ParseRule(tt.rule, "/workspace")
		if !ok {
			t.Fatalf("ParseRule(%q) failed", tt.rule)
		}
		if got := r.Matches(tt.cmd); got != tt.want {
			t.Errorf("%s Matches(%q) = %v, want %v", tt.rule, tt.cmd, got, tt.want)
		}
	}
}

func TestRuleMatches_StructuredActionMustMatch(t *testing.T) {
	r, _ := ParseRule("file(read:/workspace/**)", "/workspace")
	if r.Matches("write:/workspace/a.txt") {
		t.Error("write should not match a read rule")
	}
	if r.Matches("reads:/workspace/a.txt") {
		t.Error("action comparison must be exact")
	}
	if !r.Matches("read:/workspace/a.txt") {
		t.Error("read should match")
	}
}

func TestRuleMatches_BareStarMatchesEverything(t *testing.T) {
	r, _ := ParseRule("network(outbound:*)", "/workspace")
	for _, op := range []string{"outbound:https://example.com/a/b", "outbound:", "outbound:10.0.0.1:443"} {
		if !r.Matches(op) {
			t.Errorf("Matches(%q) = false, want true", op)
		}
	}
}

func TestRuleMatches_DoubleStarVersusSingleStar(t *testing.T) {
	deep, _ := ParseRule("file(read:/workspace/**)", "/workspace")
	shallow, _ := ParseRule("file(read:/workspace/*)", "/workspace")

	if !deep.Matches("read:/workspace/a/b/c.txt") {
		t.Error("** should cross directories")
	}
	if shallow.Matches("read:/workspace/a/b.txt") {
		t.Error("* must not cross directories")
	}
	if !shallow.Matches("read:/workspace/b.txt") {
		t.Error("* should match a direct child")
	}
}

func TestGlobToRegexp(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"/workspace/**", `^/workspace/.*$`},
		{"/workspace/**/x.py", `^/workspace/.*x\.py$`},
		{"/a/*.txt", `^/a/[^/]*\.txt$`},
		{"/a/?.txt", `^/a/[^/]\.txt$`},
		{"/a/(b)+[c]{d}|e^$", `^/a/\(b\)\+\[c\]\{d\}\|e\^\$$`},
		{`C:\dir`, `^C:\\dir$`},
	}
	for _, tt := range tests {
		if got := globToRegexp(tt.pattern); got != tt.want {
			t.Errorf("globToRegexp(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

func TestCompilePathGlob(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"/workspace/**", "/workspace/a/b/c", true},
		{"/workspace/**", "/workspace/", true},
		{"/workspace/**/x.py", "/workspace/x.py", true},
		{"/workspace/**/x.py", "/workspace/a/b/x.py", true},
		{"/workspace/*.py", "/workspace/main.py", true},
		{"/workspace/*.py", "/workspace/pkg/main.py", false},
		{"/workspace/?.py", "/workspace/a.py", true},
		{"/workspace/?.py", "/workspace/ab.py", false},
		{"/workspace/a.py", "/workspace/aXpy", false},
		{"/workspace/[abc]", "/workspace/[abc]", true},
		{"/workspace/[abc]", "/workspace/a", false},
		{"/données/**", "/données/été.txt", true},
		{"*", "anything/at/all", true},
	}
	for _, tt := range tests {
		if got := compilePathGlob(tt.pattern)(tt.value); got != tt.want {
			t.Errorf("match(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestResolveWorkspace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/workspace"},
		{"/workspace", "/workspace"},
		{"/workspace/${CONTEXT_ID}", "/workspace"},
		{"/data/sandbox/${CONTEXT_ID}", "/data/sandbox"},
		{"/data/${X}/inner", "/data/${X}/inner"},
	}
	for _, tt := range tests {
		if got := ResolveWorkspace(tt.in); got != tt.want {
			t.Errorf("ResolveWorkspace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
