package sandbox

import (
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// ExecutionResult captures what happened to one operation that reached the
// execution stage (or was denied before it). Timeouts and launch failures
// are results with ExitCode -1, not errors.
type ExecutionResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Outcome is the result of asking the executor to perform an operation. It
// is exactly one of Allowed, Denied or NeedsApproval.
type Outcome interface {
	outcome()
}

// Allowed means the policy allowed the operation and it was carried out.
type Allowed struct {
	Result ExecutionResult
}

// Denied means a deny rule matched (or the operation was rejected outright)
// and nothing was executed.
type Denied struct {
	Result ExecutionResult
	Rule   string // raw deny rule, empty when rejected before classification
}

// NeedsApproval means no rule decided the operation. The caller must get a
// human to approve it and then run it with Executor.Execute.
type NeedsApproval struct {
	OperationType string
	Operation     string // the original, untrimmed operation
	Reason        string
}

func (Allowed) outcome()       {}
func (Denied) outcome()        {}
func (NeedsApproval) outcome() {}

// decodeOutput turns raw process output into text, replacing each invalid
// UTF-8 byte with U+FFFD.
func decodeOutput(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(out)
}
