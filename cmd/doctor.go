package cmd

import (
	"fmt"

	"github.com/kagenti/agent-sandbox/internal/doctor"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that agent-sandbox can run on this host",
	Long: `Doctor checks the shell, process-group support, the workspace root,
the policy settings, the capability document and the decision log, and
prints a remediation hint for anything that is wrong.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().String("format", "text", "output format (text or json)")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := doctor.RunAll(Cfg)
	out := cmd.OutOrStdout()

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		data, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
	} else {
		fmt.Fprintln(out, "agent-sandbox doctor")
		for _, r := range report.Results {
			mark := map[string]string{"pass": "✓", "warn": "!", "fail": "✗"}[r.Status]
			fmt.Fprintf(out, "  %s %-16s %s\n", mark, r.Name, r.Message)
			if r.Remediation != "" && r.Status != "pass" {
				fmt.Fprintf(out, "      %s\n", r.Remediation)
			}
		}
	}

	if report.HasFailures() {
		return &ExitError{Code: 1}
	}
	return nil
}
