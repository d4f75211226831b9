package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "Query the capability document",
	Long: `Capabilities answers questions about what the sandbox image provides:
enabled package managers and blocked packages, reachable web domains,
allowed git remotes and per-command runtime limits.`,
}

var capabilitiesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a package, domain or git remote against the capability document",
	Long: `Check answers one question per flag and exits non-zero if any answer is no.

Examples:
  agent-sandbox capabilities check --package-manager pip
  agent-sandbox capabilities check --package-manager pip --package torch
  agent-sandbox capabilities check --domain api.github.com
  agent-sandbox capabilities check --git-remote https://github.com/org/repo.git`,
	Args: cobra.NoArgs,
	RunE: runCapabilitiesCheck,
}

var capabilitiesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective runtime limits",
	Args:  cobra.NoArgs,
	RunE:  runCapabilitiesShow,
}

// Flag variables for capabilities check.
var (
	capsPackageManager string
	capsPackage        string
	capsDomain         string
	capsGitRemote      string
)

func init() {
	capabilitiesCheckCmd.Flags().StringVar(&capsPackageManager, "package-manager", "", "package manager name (e.g. pip, npm)")
	capabilitiesCheckCmd.Flags().StringVar(&capsPackage, "package", "", "package to check against the manager's block list")
	capabilitiesCheckCmd.Flags().StringVar(&capsDomain, "domain", "", "web domain to check")
	capabilitiesCheckCmd.Flags().StringVar(&capsGitRemote, "git-remote", "", "git remote URL to check")

	capabilitiesCmd.AddCommand(capabilitiesCheckCmd)
	capabilitiesCmd.AddCommand(capabilitiesShowCmd)
	rootCmd.AddCommand(capabilitiesCmd)
}

func runCapabilitiesCheck(cmd *cobra.Command, args []string) error {
	if capsPackageManager == "" && capsDomain == "" && capsGitRemote == "" {
		return errors.New("nothing to check: pass --package-manager, --domain or --git-remote")
	}
	if capsPackage != "" && capsPackageManager == "" {
		return errors.New("--package requires --package-manager")
	}

	caps, err := loadCapabilities(Cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ok := true
	report := func(pass bool, format string, a ...any) {
		mark := "✓"
		if !pass {
			mark = "✗"
			ok = false
		}
		fmt.Fprintf(out, "  %s %s\n", mark, fmt.Sprintf(format, a...))
	}

	if capsPackageManager != "" {
		report(caps.IsPackageManagerEnabled(capsPackageManager), "package manager %s enabled", capsPackageManager)
		if capsPackage != "" {
			report(!caps.IsPackageBlocked(capsPackageManager, capsPackage), "package %s not blocked", capsPackage)
		}
	}
	if capsDomain != "" {
		report(caps.IsDomainAllowed(capsDomain), "domain %s allowed", capsDomain)
	}
	if capsGitRemote != "" {
		report(caps.IsGitRemoteAllowed(capsGitRemote), "git remote %s allowed", capsGitRemote)
	}

	if !ok {
		return &ExitError{Code: 1}
	}
	return nil
}

func runCapabilitiesShow(cmd *cobra.Command, args []string) error {
	caps, err := loadCapabilities(Cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Capabilities: %s\n", Cfg.Capabilities.Path)
	fmt.Fprintf(out, "  Max execution time: %ds\n", caps.MaxExecutionTimeSeconds())
	fmt.Fprintf(out, "  Max memory:         %d MB\n", caps.MaxMemoryMB())
	fmt.Fprintf(out, "  Web access:         %s\n", enabledString(caps.IsWebAccessEnabled()))
	if pms := caps.PackageManagers(); len(pms) > 0 {
		fmt.Fprintf(out, "  Package managers:   %s\n", strings.Join(pms, ", "))
	} else {
		fmt.Fprintln(out, "  Package managers:   none")
	}
	return nil
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
