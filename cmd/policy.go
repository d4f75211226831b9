package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kagenti/agent-sandbox/internal/policy"
	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate the permission policy",
	Long:  `Policy provides subcommands for classifying operations, validating settings and explaining logged decisions.`,
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <type> <operation>",
	Short: "Classify an operation without running it",
	Long: `Check prints the decision (allow, deny or hitl) the policy makes for an
operation, the rule that decided it and why.

Examples:
  agent-sandbox policy check shell "git clone https://github.com/org/repo.git"
  agent-sandbox policy check file "write:/workspace/conv-42/output/report.md"`,
	Args: cobra.ExactArgs(2),
	RunE: runPolicyCheck,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the settings layers",
	Long: `Validate checks every configured settings file for rules that would
never match, then checks that overlay layers only tighten the policy:
an overlay may add deny rules and narrow the allow list, but may not allow
a rule the layers below it do not allow, and may not move context_workspace.`,
	RunE: runPolicyValidate,
}

var policyExplainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Explain a decision from the decision log",
	Long: `Explain reads a decision log entry by line number and displays a
human-readable explanation of the decision, including the operation,
the matching rule and the settings version it was made under.`,
	RunE: runPolicyExplain,
}

var policyLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Search the decision log",
	Long: `Log searches the decision log, including rotated generations, oldest
first. With --summary it prints allow, deny and hitl counts per context.
Allow counts reflect decision_log.sample_allow.`,
	RunE: runPolicyLog,
}

// Flag variables for policy subcommands.
var (
	policyCheckJSON bool

	policyLogEntry string
	policyLogFile  string

	policySearchContext   string
	policySearchType      string
	policySearchDecision  string
	policySearchOperation string
	policySearchRule      string
	policySearchSince     time.Duration
	policySearchLimit     int
	policySearchSummary   bool
)

func init() {
	policyCheckCmd.Flags().BoolVar(&policyCheckJSON, "json", false, "print the evaluation as JSON")

	policyExplainCmd.Flags().StringVar(&policyLogEntry, "log-entry", "", "line number of the decision log entry to explain")
	policyExplainCmd.Flags().StringVar(&policyLogFile, "log-file", "", "path to decision log file (default decision_log.path)")
	_ = policyExplainCmd.MarkFlagRequired("log-entry")

	policyLogCmd.Flags().StringVar(&policyLogFile, "log-file", "", "path to decision log file (default decision_log.path)")
	policyLogCmd.Flags().StringVar(&policySearchContext, "context", "", "only entries for this context id")
	policyLogCmd.Flags().StringVar(&policySearchType, "type", "", "only entries for this operation type")
	policyLogCmd.Flags().StringVar(&policySearchDecision, "decision", "", "only entries with this decision (allow, deny, hitl)")
	policyLogCmd.Flags().DurationVar(&policySearchSince, "since", 0, "only entries newer than this (e.g. 1h)")
	policyLogCmd.Flags().StringVar(&policySearchOperation, "operation", "", "only entries whose operation contains this text")
	policyLogCmd.Flags().StringVar(&policySearchRule, "rule", "", "only entries decided by this rule, e.g. 'shell(sudo:*)'")
	policyLogCmd.Flags().IntVar(&policySearchLimit, "limit", 50, "show the newest N entries (0 for all)")
	policyLogCmd.Flags().BoolVar(&policySearchSummary, "summary", false, "print decision counts per context instead of entries")

	policyCmd.AddCommand(policyCheckCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyExplainCmd)
	policyCmd.AddCommand(policyLogCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	classifier, _, err := loadClassifier(Cfg, false)
	if err != nil {
		return err
	}

	ev := classifier.Explain(args[0], args[1])
	out := cmd.OutOrStdout()
	if policyCheckJSON {
		data, err := json.MarshalIndent(ev, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Decision:  %s\n", strings.ToUpper(ev.Decision.String()))
	if ev.Rule != "" {
		fmt.Fprintf(out, "Rule:      %s\n", ev.Rule)
	}
	fmt.Fprintf(out, "Reason:    %s\n", ev.Reason)
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Validating settings layers...")

	paths := Cfg.PolicyPaths()
	layers := make([]policy.Settings, len(paths))
	var fileErr bool
	for i, p := range paths {
		s, err := policy.LoadSettings(p)
		if err != nil {
			fmt.Fprintf(out, "  %-10s %s ✗\n", layerLabel(i)+":", p)
			fmt.Fprintf(out, "    Error: %v\n", err)
			fileErr = true
			continue
		}
		layers[i] = s
		fmt.Fprintf(out, "  %-10s %s ✓\n", layerLabel(i)+":", p)
	}
	if fileErr {
		return &ExitError{Code: 2}
	}

	var ruleErrors int
	for i, s := range layers {
		errs := policy.ValidateSettings(s)
		if len(errs) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n  %s: %s ✗\n", layerLabel(i), paths[i])
		for _, e := range errs {
			fmt.Fprintf(out, "    - %s: %s\n", e.Field, e.Message)
		}
		ruleErrors += len(errs)
	}
	if ruleErrors > 0 {
		fmt.Fprintf(out, "\n%d error(s) found. Settings validation failed.\n", ruleErrors)
		return &ExitError{Code: 1}
	}

	if len(layers) > 1 {
		merged, err := policy.MergeSettings(layers[0], layers[1:]...)
		if err != nil {
			var mergeErr *policy.MergeError
			if !errors.As(err, &mergeErr) {
				return fmt.Errorf("merge check failed: %w", err)
			}
			fmt.Fprintln(out)
			for _, v := range mergeErr.Violations {
				fmt.Fprintln(out, "VIOLATION: Policy loosening detected")
				fmt.Fprintf(out, "  Detail: %s\n", v)
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%d violation(s) found. Settings validation failed.\n", len(mergeErr.Violations))
			return &ExitError{Code: 1}
		}
		fmt.Fprintf(out, "\nEffective settings: %d deny rule(s), %d allow rule(s).\n",
			len(merged.Permissions.Deny), len(merged.Permissions.Allow))
	}

	fmt.Fprintln(out, "All settings valid.")
	return nil
}

func layerLabel(i int) string {
	if i == 0 {
		return "Base"
	}
	return fmt.Sprintf("Overlay %d", i)
}

func decisionLogPath() string {
	if policyLogFile != "" {
		return policyLogFile
	}
	return Cfg.DecisionLog.Path
}

func runPolicyExplain(cmd *cobra.Command, args []string) error {
	lineNum, err := strconv.Atoi(policyLogEntry)
	if err != nil {
		return fmt.Errorf("--log-entry must be a line number (integer), got %q", policyLogEntry)
	}

	entry, err := policy.ReadDecision(decisionLogPath(), lineNum)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Decision #%d at %s\n\n", lineNum, entry.Time.Format(time.RFC3339))
	fmt.Fprintf(out, "Type:      %s\n", entry.OperationType)
	fmt.Fprintf(out, "Operation: %s\n", entry.Operation)
	if entry.ContextID != "" {
		fmt.Fprintf(out, "Context:   %s\n", entry.ContextID)
	}
	fmt.Fprintf(out, "Workspace: %s\n", entry.Workspace)

	decision := strings.ToUpper(entry.Decision.String())
	fmt.Fprintf(out, "Decision:  %s\n", decision)

	fmt.Fprintln(out)
	if entry.Rule != "" {
		fmt.Fprintf(out, "Rule:      %s\n", entry.Rule)
	}
	if entry.Reason != "" {
		fmt.Fprintf(out, "Reason:    %s\n", entry.Reason)
	}
	if entry.SettingsVersion != "" {
		fmt.Fprintf(out, "           Settings version: %s\n", entry.SettingsVersion)
	}

	switch entry.Decision {
	case policy.Deny:
		fmt.Fprintln(out)
		fmt.Fprintln(out, "A deny rule always wins. To permit this operation, remove or narrow")
		fmt.Fprintln(out, "the rule above; an overlay layer cannot override it.")
	case policy.HITL:
		fmt.Fprintln(out)
		fmt.Fprintln(out, "No rule matched. Approve it once with 'agent-sandbox exec --approve',")
		fmt.Fprintln(out, "or add an allow rule to the settings.")
	}
	return nil
}

func runPolicyLog(cmd *cobra.Command, args []string) error {
	filter := policy.DecisionFilter{
		ContextID:     policySearchContext,
		OperationType: policySearchType,
		Operation:     policySearchOperation,
		Rule:          policySearchRule,
		Limit:         policySearchLimit,
	}
	if policySearchDecision != "" {
		var d policy.Decision
		if err := d.UnmarshalText([]byte(policySearchDecision)); err != nil {
			return err
		}
		filter.Decision = &d
	}
	if policySearchSince > 0 {
		filter.Since = time.Now().Add(-policySearchSince)
	}

	if policySearchSummary {
		// Counts cover every match, not just the newest --limit.
		filter.Limit = 0
	}
	entries, err := policy.SearchDecisions(decisionLogPath(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching decisions.")
		return nil
	}
	if policySearchSummary {
		fmt.Fprintf(out, "%-20s %6s %6s %6s  %s\n", "CONTEXT", "ALLOW", "DENY", "HITL", "LAST")
		for _, s := range policy.SummarizeDecisions(entries) {
			fmt.Fprintf(out, "%-20s %6d %6d %6d  %s\n",
				s.ContextID, s.Allow, s.Deny, s.HITL, s.Last.Format("2006-01-02T15:04:05"))
		}
		return nil
	}
	fmt.Fprintf(out, "%-20s %-8s %-6s %-12s %s\n", "TIME", "DECISION", "TYPE", "CONTEXT", "OPERATION")
	for _, e := range entries {
		fmt.Fprintf(out, "%-20s %-8s %-6s %-12s %s\n",
			e.Time.Format("2006-01-02T15:04:05"),
			e.Decision,
			e.OperationType,
			e.ContextID,
			e.Operation,
		)
	}
	return nil
}
