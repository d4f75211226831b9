package policy

import (
	"fmt"
	"log/slog"
	"time"
)

// DeniedError is returned when an operation is denied by a rule.
type DeniedError struct {
	OperationType string
	Operation     string
	Rule          string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("Permission denied: %s operation %q is denied by policy (rule %s)",
		e.OperationType, e.Operation, e.Rule)
}

// ApprovalRequiredError is returned when no rule decides an operation and a
// human has to approve it.
type ApprovalRequiredError struct {
	OperationType string
	Operation     string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("%s operation %q requires human approval", e.OperationType, e.Operation)
}

// Gate classifies operations for one context and records every decision to
// an optional decision log.
type Gate struct {
	classifier Classifier
	logger     *DecisionLogger
	contextID  string
	workspace  string
}

// NewGate creates a gate. logger may be nil.
func NewGate(c Classifier, logger *DecisionLogger, contextID, workspace string) *Gate {
	return &Gate{
		classifier: c,
		logger:     logger,
		contextID:  contextID,
		workspace:  workspace,
	}
}

// Evaluate classifies an operation and logs the decision.
func (g *Gate) Evaluate(operationType, operation string) Evaluation {
	start := time.Now()
	ev := g.classifier.Explain(operationType, operation)

	if g.logger != nil {
		entry := newDecisionEntry(ev, g.contextID, g.workspace, g.settingsVersion(), start, time.Since(start))
		if err := g.logger.Log(entry); err != nil {
			slog.Warn("decision log write failed", "error", err)
		}
	}

	slog.Debug("policy decision",
		"type", operationType,
		"decision", ev.Decision,
		"rule", ev.Rule,
		"context_id", g.contextID,
	)
	return ev
}

// Enforce evaluates an operation and turns anything but Allow into an error:
// *DeniedError for Deny and *ApprovalRequiredError for HITL.
func (g *Gate) Enforce(operationType, operation string) error {
	ev := g.Evaluate(operationType, operation)
	switch ev.Decision {
	case Allow:
		return nil
	case Deny:
		return &DeniedError{OperationType: operationType, Operation: operation, Rule: ev.Rule}
	default:
		return &ApprovalRequiredError{OperationType: operationType, Operation: operation}
	}
}

func (g *Gate) settingsVersion() string {
	switch c := g.classifier.(type) {
	case *Engine:
		return c.Version()
	case *Watcher:
		return c.Engine().Version()
	default:
		return ""
	}
}
