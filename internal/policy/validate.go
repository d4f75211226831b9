package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError describes a single validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var anyPlaceholderRe = regexp.MustCompile(`\$\{[^}]+\}`)

// ValidateSettings reports problems that NewEngine tolerates silently:
// rule strings that will never match and placeholders in context_workspace
// that are not in trailing position.
func ValidateSettings(s Settings) []ValidationError {
	var errs []ValidationError

	if s.ContextWorkspace != "" {
		root := ResolveWorkspace(s.ContextWorkspace)
		if anyPlaceholderRe.MatchString(root) {
			errs = append(errs, ValidationError{
				Field:   "context_workspace",
				Message: fmt.Sprintf("placeholder must be the last path segment, got %q", s.ContextWorkspace),
			})
		}
		if !strings.HasPrefix(root, "/") {
			errs = append(errs, ValidationError{
				Field:   "context_workspace",
				Message: fmt.Sprintf("must be an absolute path, got %q", s.ContextWorkspace),
			})
		}
	}

	errs = append(errs, validateRules("permissions.deny", s.Permissions.Deny)...)
	errs = append(errs, validateRules("permissions.allow", s.Permissions.Allow)...)
	return errs
}

func validateRules(field string, rules []string) []ValidationError {
	var errs []ValidationError
	for i, raw := range rules {
		prefix := fmt.Sprintf("%s[%d]", field, i)

		m := ruleRe.FindStringSubmatch(raw)
		if m == nil {
			errs = append(errs, ValidationError{
				Field:   prefix,
				Message: fmt.Sprintf("%q does not match type(body)", raw),
			})
			continue
		}
		if !strings.Contains(m[2], ":") {
			errs = append(errs, ValidationError{
				Field:   prefix,
				Message: fmt.Sprintf("%q has no ':' separating prefix and pattern", raw),
			})
		}
	}
	return errs
}
