package policy

import "fmt"

// Operation types with dedicated matching behaviour. Any other lowercase
// word is accepted as an operation type and matched as a structured rule.
const (
	TypeShell   = "shell"
	TypeFile    = "file"
	TypeNetwork = "network"
)

// DefaultContextWorkspace is used when a settings document omits context_workspace.
const DefaultContextWorkspace = "/workspace"

// WorkspaceVar is expanded inside rule bodies to the workspace root.
const WorkspaceVar = "${WORKSPACE}"

// Decision is the outcome of classifying an operation.
type Decision int

const (
	// HITL means no rule matched and a human has to approve the operation.
	HITL Decision = iota
	// Allow means an allow rule matched and no deny rule did.
	Allow
	// Deny means a deny rule matched. Deny always wins over Allow.
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case HITL:
		return "hitl"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(text []byte) error {
	switch string(text) {
	case "allow":
		*d = Allow
	case "deny":
		*d = Deny
	case "hitl":
		*d = HITL
	default:
		return fmt.Errorf("unknown decision %q", text)
	}
	return nil
}

// Settings is the settings document the engine is built from.
type Settings struct {
	ContextWorkspace string      `yaml:"context_workspace" json:"context_workspace"`
	Permissions      Permissions `yaml:"permissions" json:"permissions"`
}

// Permissions holds the raw allow and deny rule strings.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

// Evaluation is the detailed result of a classification.
type Evaluation struct {
	Decision      Decision `json:"decision"`
	OperationType string   `json:"operation_type"`
	Operation     string   `json:"operation"`
	Rule          string   `json:"rule,omitempty"` // raw text of the matching rule
	Reason        string   `json:"reason"`
}
