package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationIssue describes a single validation problem.
type ValidationIssue struct {
	Field   string // dotted config path, e.g. "workspace.ttl_days"
	Value   string // the invalid value as a string
	Message string // human-readable description
}

func (i ValidationIssue) String() string {
	if i.Value != "" {
		return fmt.Sprintf("%s: %s (got %q)", i.Field, i.Message, i.Value)
	}
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// ValidationResult collects errors and warnings from config validation.
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings.
func (r *ValidationResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// String returns a formatted summary of all errors and warnings.
func (r *ValidationResult) String() string {
	if !r.HasErrors() && !r.HasWarnings() {
		return "config validation passed"
	}

	var b strings.Builder
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "ERROR  %s\n", e.String())
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "WARN   %s\n", w.String())
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *ValidationResult) addError(field, value, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Field: field, Value: value, Message: message})
}

func (r *ValidationResult) addWarning(field, value, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Field: field, Value: value, Message: message})
}

// Validate checks cfg against all known rules and returns a ValidationResult.
func Validate(cfg *Config) *ValidationResult {
	r := &ValidationResult{}

	// --- ERROR checks ---

	if cfg.Workspace.Root == "" {
		r.addError("workspace.root", "", "must not be empty")
	} else if !filepath.IsAbs(cfg.Workspace.Root) {
		r.addError("workspace.root", cfg.Workspace.Root, "must be an absolute path")
	}

	if cfg.Agent.Name == "" {
		r.addError("agent.name", "", "must not be empty")
	}

	if cfg.Policy.SettingsPath == "" {
		r.addError("policy.settings_path", "", "must not be empty")
	}
	for i, p := range cfg.Policy.OverlayPaths {
		if p == "" {
			r.addError(fmt.Sprintf("policy.overlay_paths[%d]", i), "", "must not be empty")
		}
	}

	if cfg.Capabilities.Path == "" {
		r.addError("capabilities.path", "", "must not be empty")
	}

	if cfg.DecisionLog.Enabled && cfg.DecisionLog.Path == "" {
		r.addError("decision_log.path", "", "must be set when decision_log.enabled is true")
	}
	if cfg.DecisionLog.SampleAllow < 0 {
		r.addError("decision_log.sample_allow", fmt.Sprintf("%d", cfg.DecisionLog.SampleAllow), "must not be negative")
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		r.addError("logging.format", cfg.Logging.Format, "must be \"text\" or \"json\"")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		r.addError("logging.level", cfg.Logging.Level, "must be debug, info, warn, or error")
	}

	// --- WARNING checks ---

	// Contexts never expire, so "workspace stale" reports nothing.
	if cfg.Workspace.TTLDays <= 0 {
		r.addWarning("workspace.ttl_days", fmt.Sprintf("%d", cfg.Workspace.TTLDays), "should be greater than 0")
	}

	if cfg.Policy.Watch && len(cfg.Policy.OverlayPaths) > 0 {
		r.addWarning("policy.watch", "true", "overlay files are watched too; a bad edit to any layer keeps the previous policy")
	}

	return r
}
