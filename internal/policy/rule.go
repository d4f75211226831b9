package policy

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// ruleRe matches the `type(body)` rule syntax.
var ruleRe = regexp.MustCompile(`^([a-z]+)\((.+)\)$`)

// placeholderSuffixRe strips a trailing `/${VAR}` segment from context_workspace.
var placeholderSuffixRe = regexp.MustCompile(`/\$\{[^}]+\}$`)

// Rule is a parsed permission rule. Rules are immutable once parsed.
//
// For shell rules Prefix is the command prefix (which may contain spaces)
// and Pattern a shell-style glob applied to the remaining arguments. For
// every other type Prefix is the action and Pattern a path glob in which
// `**` crosses separators.
type Rule struct {
	Type    string
	Prefix  string
	Pattern string
	Raw     string

	match func(string) bool
}

// ResolveWorkspace derives the workspace root from a context_workspace
// template by dropping a trailing `/${PLACEHOLDER}` segment.
func ResolveWorkspace(contextWorkspace string) string {
	if contextWorkspace == "" {
		contextWorkspace = DefaultContextWorkspace
	}
	return placeholderSuffixRe.ReplaceAllString(contextWorkspace, "")
}

// ParseRule parses a raw rule string, expanding ${WORKSPACE} to workspace.
// It reports false for strings that can never match anything: those that do
// not have the `type(body)` shape and bodies without a colon.
func ParseRule(raw, workspace string) (Rule, bool) {
	m := ruleRe.FindStringSubmatch(raw)
	if m == nil {
		return Rule{}, false
	}
	typ := m[1]
	body := strings.ReplaceAll(m[2], WorkspaceVar, workspace)

	if typ == TypeShell {
		// Last colon: prefixes such as "pip install" may contain anything
		// but the glob is always the final segment.
		i := strings.LastIndexByte(body, ':')
		if i < 0 {
			return Rule{}, false
		}
		r := Rule{Type: typ, Prefix: body[:i], Pattern: body[i+1:], Raw: raw}
		r.match = compileShellGlob(r.Pattern)
		return r, true
	}

	i := strings.IndexByte(body, ':')
	if i < 0 {
		return Rule{}, false
	}
	// A trailing ":*" means "ignore extra arguments" and is not part of the path.
	pattern := strings.TrimSuffix(body[i+1:], ":*")
	r := Rule{Type: typ, Prefix: body[:i], Pattern: pattern, Raw: raw}
	r.match = compilePathGlob(pattern)
	return r, true
}

// Matches reports whether operation matches the rule. The operation type is
// not checked here; the engine indexes rules by type.
func (r Rule) Matches(operation string) bool {
	if r.match == nil || operation == "" {
		return false
	}
	if r.Type == TypeShell {
		return r.matchShell(operation)
	}
	return r.matchStructured(operation)
}

func (r Rule) matchShell(command string) bool {
	if !strings.HasPrefix(command, r.Prefix) {
		return false
	}
	rest := command[len(r.Prefix):]
	// The prefix must end on a word boundary so that "grep" never matches "grepfoo".
	if rest != "" {
		if c, _ := utf8.DecodeRuneInString(rest); !unicode.IsSpace(c) {
			return false
		}
	}
	return r.match(strings.TrimLeftFunc(rest, unicode.IsSpace))
}

func (r Rule) matchStructured(operation string) bool {
	i := strings.IndexByte(operation, ':')
	if i < 0 {
		return false
	}
	if operation[:i] != r.Prefix {
		return false
	}
	return r.match(operation[i+1:])
}

func (r Rule) String() string {
	return r.Raw
}

// braceLiteral escapes the gobwas/glob syntax that shell wildcards lack.
var braceLiteral = strings.NewReplacer(`\`, `\\`, `{`, `\{`, `}`, `\}`)

// compileShellGlob compiles a flat shell-style glob where `*` also matches `/`.
// Only `*`, `?` and `[...]` are special; braces and backslashes match
// themselves. Patterns gobwas/glob rejects degrade to exact comparison.
func compileShellGlob(pattern string) func(string) bool {
	g, err := glob.Compile(braceLiteral.Replace(pattern))
	if err != nil {
		return func(s string) bool { return s == pattern }
	}
	return g.Match
}

// compilePathGlob compiles a path glob with double-star semantics.
func compilePathGlob(pattern string) func(string) bool {
	if pattern == "*" {
		return func(string) bool { return true }
	}
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return func(s string) bool { return s == pattern }
	}
	return func(s string) bool {
		return s == pattern || re.MatchString(s)
	}
}

const regexpMeta = `\.+*?()|[]{}^$`

// globToRegexp translates a path glob into an anchored regular expression:
// `**` becomes `.*` (swallowing one following `/`), `*` becomes `[^/]*`,
// `?` becomes `[^/]` and everything else is matched literally.
func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
				}
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			if strings.IndexByte(regexpMeta, c) >= 0 {
				b.WriteByte('\\')
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('$')
	return b.String()
}
