package policy

import (
	"fmt"
	"log/slog"
	"strings"
)

// MergeError reports one or more tighten-only violations during a settings merge.
type MergeError struct {
	Violations []string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("settings merge violations:\n  - %s", strings.Join(e.Violations, "\n  - "))
}

// MergeSettings layers overlays on top of base using tighten-only semantics:
// deny rules accumulate; an overlay that lists allow rules narrows the
// inherited allow list to those rules, and may not name a rule the lower
// layers do not allow; context_workspace may only be set once. No overlay
// can move an operation from deny or hitl to allow. The result is the
// effective settings document.
func MergeSettings(base Settings, overlays ...Settings) (Settings, error) {
	result := copySettings(base)
	var violations []string

	for i, o := range overlays {
		violations = append(violations, mergeInto(&result, o, i+1)...)
	}

	if len(violations) > 0 {
		return Settings{}, &MergeError{Violations: violations}
	}

	slog.Debug("settings merge completed",
		"layers", len(overlays)+1,
		"allow", len(result.Permissions.Allow),
		"deny", len(result.Permissions.Deny),
	)
	return result, nil
}

// mergeInto merges one overlay into the current effective settings.
func mergeInto(parent *Settings, child Settings, layer int) []string {
	var violations []string

	if child.ContextWorkspace != "" {
		switch {
		case parent.ContextWorkspace == "":
			parent.ContextWorkspace = child.ContextWorkspace
		case parent.ContextWorkspace != child.ContextWorkspace:
			violations = append(violations, fmt.Sprintf(
				"layer %d: context_workspace %q conflicts with inherited %q",
				layer, child.ContextWorkspace, parent.ContextWorkspace))
		}
	}

	if len(child.Permissions.Allow) > 0 {
		denied := toSet(parent.Permissions.Deny)
		inherited := toSet(parent.Permissions.Allow)
		for _, rule := range child.Permissions.Allow {
			switch {
			case denied[rule]:
				violations = append(violations, fmt.Sprintf(
					"layer %d: allow rule %q loosens an inherited deny", layer, rule))
			case !inherited[rule]:
				violations = append(violations, fmt.Sprintf(
					"layer %d: allow rule %q is not allowed by a lower layer", layer, rule))
			}
		}
		parent.Permissions.Allow = intersect(parent.Permissions.Allow, toSet(child.Permissions.Allow))
	}

	parent.Permissions.Deny = appendUnique(parent.Permissions.Deny, child.Permissions.Deny)
	return violations
}

func appendUnique(dst, src []string) []string {
	seen := toSet(dst)
	for _, s := range src {
		if seen[s] {
			continue
		}
		seen[s] = true
		dst = append(dst, s)
	}
	return dst
}

// intersect returns the entries of rules present in keep, in order.
func intersect(rules []string, keep map[string]bool) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if keep[r] {
			out = append(out, r)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

func copySettings(s Settings) Settings {
	return Settings{
		ContextWorkspace: s.ContextWorkspace,
		Permissions: Permissions{
			Allow: append([]string(nil), s.Permissions.Allow...),
			Deny:  append([]string(nil), s.Permissions.Deny...),
		},
	}
}
