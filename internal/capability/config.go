// Package capability describes which external resources a sandbox image
// provides (package registries, git remotes, web domains) and its runtime
// limits. It is independent of the allow/deny policy in package policy.
package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/kagenti/agent-sandbox/internal/config"
)

// Runtime limit defaults applied when a document leaves them unset.
const (
	DefaultMaxExecutionTimeSeconds = 300
	DefaultMaxMemoryMB             = 2048
)

// Document is the on-disk shape of a capabilities (sources) file.
type Document struct {
	PackageManagers map[string]PackageManager `yaml:"package_managers" json:"package_managers"`
	WebAccess       WebAccess                 `yaml:"web_access" json:"web_access"`
	Git             Git                       `yaml:"git" json:"git"`
	Runtime         Runtime                   `yaml:"runtime" json:"runtime"`
}

// PackageManager declares one package manager available in the image.
type PackageManager struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	BlockedPackages []string `yaml:"blocked_packages" json:"blocked_packages"`
}

// WebAccess declares outbound web access.
type WebAccess struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedDomains []string `yaml:"allowed_domains" json:"allowed_domains"`
	BlockedDomains []string `yaml:"blocked_domains" json:"blocked_domains"`
}

// Git declares which git remotes may be used.
type Git struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedRemotes []string `yaml:"allowed_remotes" json:"allowed_remotes"`
}

// Runtime holds per-execution resource limits.
type Runtime struct {
	MaxExecutionTimeSeconds int `yaml:"max_execution_time_seconds" json:"max_execution_time_seconds"`
	MaxMemoryMB             int `yaml:"max_memory_mb" json:"max_memory_mb"`
}

// Config is an immutable, query-only view over a Document. Patterns are
// compiled once at construction. A Config is safe for concurrent use.
type Config struct {
	managers map[string]manager

	webEnabled bool
	allowed    []matcher
	blocked    []matcher

	gitEnabled bool
	remotes    []matcher

	maxExecSeconds int
	maxMemoryMB    int
}

type manager struct {
	enabled bool
	blocked map[string]struct{}
}

// matcher is a compiled shell-style pattern.
type matcher func(string) bool

// New builds a Config from a Document. The document is copied; later
// changes to it do not affect the Config.
func New(doc Document) *Config {
	c := &Config{
		managers:       make(map[string]manager, len(doc.PackageManagers)),
		webEnabled:     doc.WebAccess.Enabled,
		allowed:        compileAll(doc.WebAccess.AllowedDomains),
		blocked:        compileAll(doc.WebAccess.BlockedDomains),
		gitEnabled:     doc.Git.Enabled,
		remotes:        compileAll(doc.Git.AllowedRemotes),
		maxExecSeconds: doc.Runtime.MaxExecutionTimeSeconds,
		maxMemoryMB:    doc.Runtime.MaxMemoryMB,
	}
	if c.maxExecSeconds <= 0 {
		c.maxExecSeconds = DefaultMaxExecutionTimeSeconds
	}
	if c.maxMemoryMB <= 0 {
		c.maxMemoryMB = DefaultMaxMemoryMB
	}

	for name, pm := range doc.PackageManagers {
		blocked := make(map[string]struct{}, len(pm.BlockedPackages))
		for _, p := range pm.BlockedPackages {
			blocked[p] = struct{}{}
		}
		c.managers[name] = manager{enabled: pm.Enabled, blocked: blocked}
	}
	return c
}

// Default returns a Config with nothing enabled and default runtime limits.
func Default() *Config {
	return New(Document{})
}

// Load reads a capabilities document (JSON, JSON with comments, or YAML).
func Load(path string) (*Config, error) {
	var doc Document
	if err := config.DecodeDocument(path, &doc); err != nil {
		return nil, fmt.Errorf("loading capabilities %s: %w", path, err)
	}

	slog.Debug("loaded capabilities", "path", path,
		"package_managers", len(doc.PackageManagers),
		"web_access", doc.WebAccess.Enabled,
		"git", doc.Git.Enabled,
	)
	return New(doc), nil
}

// IsPackageManagerEnabled reports whether the named package manager is
// declared and enabled.
func (c *Config) IsPackageManagerEnabled(name string) bool {
	return c.managers[name].enabled
}

// PackageManagers returns the names of the enabled package managers in
// sorted order.
func (c *Config) PackageManagers() []string {
	var names []string
	for name, m := range c.managers {
		if m.enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IsPackageBlocked reports whether pkg is on the block list of manager.
// Unknown managers block nothing.
func (c *Config) IsPackageBlocked(manager, pkg string) bool {
	_, ok := c.managers[manager].blocked[pkg]
	return ok
}

// IsGitRemoteAllowed reports whether url matches an allowed remote pattern.
// It is always false when git access is disabled.
func (c *Config) IsGitRemoteAllowed(url string) bool {
	if !c.gitEnabled {
		return false
	}
	return anyMatch(c.remotes, url)
}

// IsWebAccessEnabled reports whether outbound web access is enabled.
func (c *Config) IsWebAccessEnabled() bool {
	return c.webEnabled
}

// IsDomainAllowed reports whether domain may be reached. Blocked patterns
// are checked before allowed ones. It is always false when web access is
// disabled.
func (c *Config) IsDomainAllowed(domain string) bool {
	if !c.webEnabled {
		return false
	}
	if anyMatch(c.blocked, domain) {
		return false
	}
	return anyMatch(c.allowed, domain)
}

// MaxExecutionTimeSeconds is the wall-clock limit for one command.
func (c *Config) MaxExecutionTimeSeconds() int {
	return c.maxExecSeconds
}

// MaxExecutionTime is MaxExecutionTimeSeconds as a duration.
func (c *Config) MaxExecutionTime() time.Duration {
	return time.Duration(c.maxExecSeconds) * time.Second
}

// MaxMemoryMB is the memory limit for one command in megabytes.
func (c *Config) MaxMemoryMB() int {
	return c.maxMemoryMB
}

func compileAll(patterns []string) []matcher {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, compile(p))
	}
	return out
}

// compile builds a case-sensitive shell-style matcher. No separators are
// given, so '*' also matches '.' and '/'. A pattern that does not compile
// matches only itself.
func compile(pattern string) matcher {
	g, err := glob.Compile(literalBraces.Replace(pattern))
	if err != nil {
		slog.Debug("capability pattern is not a valid glob; using exact match", "pattern", pattern, "error", err)
		return func(s string) bool { return s == pattern }
	}
	return g.Match
}

// literalBraces keeps braces and backslashes literal, as in shell wildcards.
var literalBraces = strings.NewReplacer(`\`, `\\`, `{`, `\{`, `}`, `\}`)

func anyMatch(ms []matcher, s string) bool {
	for _, m := range ms {
		if m(s) {
			return true
		}
	}
	return false
}
