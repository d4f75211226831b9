package policy

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Classifier decides what to do with an operation. *Engine and *Watcher
// implement it.
type Classifier interface {
	Classify(operationType, operation string) Decision
	Explain(operationType, operation string) Evaluation
}

// Engine classifies operations against deny and allow rules. An Engine is
// read-only after construction and safe for concurrent use; build a new one
// when the settings change.
type Engine struct {
	workspace   string
	deny        map[string][]Rule
	allow       map[string][]Rule
	settingsVer string
}

// NewEngine parses the settings into typed rules. Rule strings that cannot
// be parsed are dropped; they can never match.
func NewEngine(s Settings) *Engine {
	workspace := ResolveWorkspace(s.ContextWorkspace)
	e := &Engine{
		workspace:   workspace,
		deny:        parseRules(s.Permissions.Deny, workspace),
		allow:       parseRules(s.Permissions.Allow, workspace),
		settingsVer: hashSettings(s),
	}

	slog.Debug("policy engine initialized",
		"workspace", workspace,
		"deny_rules", countRules(e.deny),
		"allow_rules", countRules(e.allow),
		"version", e.settingsVer,
	)
	return e
}

// Classify returns Deny if a deny rule matches, Allow if an allow rule
// matches, and HITL otherwise. It never fails.
func (e *Engine) Classify(operationType, operation string) Decision {
	return e.Explain(operationType, operation).Decision
}

// Explain classifies an operation and reports which rule decided it.
func (e *Engine) Explain(operationType, operation string) Evaluation {
	ev := Evaluation{
		Decision:      HITL,
		OperationType: operationType,
		Operation:     operation,
	}

	if operation == "" {
		ev.Reason = "empty operation requires approval"
		return ev
	}

	if r, ok := firstMatch(e.deny[operationType], operation); ok {
		ev.Decision = Deny
		ev.Rule = r.Raw
		ev.Reason = fmt.Sprintf("denied by rule %q", r.Raw)
		return ev
	}

	if r, ok := firstMatch(e.allow[operationType], operation); ok {
		ev.Decision = Allow
		ev.Rule = r.Raw
		ev.Reason = fmt.Sprintf("allowed by rule %q", r.Raw)
		return ev
	}

	ev.Reason = "no matching rule; human approval required"
	return ev
}

// Workspace returns the resolved workspace root used for ${WORKSPACE}.
func (e *Engine) Workspace() string {
	return e.workspace
}

// Version returns a short digest of the settings the engine was built from.
func (e *Engine) Version() string {
	return e.settingsVer
}

// Rules returns copies of the parsed deny and allow rules for one type.
func (e *Engine) Rules(operationType string) (deny, allow []Rule) {
	deny = append([]Rule(nil), e.deny[operationType]...)
	allow = append([]Rule(nil), e.allow[operationType]...)
	return deny, allow
}

func parseRules(raw []string, workspace string) map[string][]Rule {
	rules := make(map[string][]Rule)
	for _, s := range raw {
		r, ok := ParseRule(s, workspace)
		if !ok {
			slog.Debug("skipping malformed rule", "rule", s)
			continue
		}
		rules[r.Type] = append(rules[r.Type], r)
	}
	return rules
}

func firstMatch(rules []Rule, operation string) (Rule, bool) {
	for _, r := range rules {
		if r.Matches(operation) {
			return r, true
		}
	}
	return Rule{}, false
}

func countRules(m map[string][]Rule) int {
	n := 0
	for _, rules := range m {
		n += len(rules)
	}
	return n
}

// hashSettings produces a SHA-256 hex digest of the settings for versioning.
func hashSettings(s Settings) string {
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}
