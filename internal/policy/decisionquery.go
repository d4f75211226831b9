package policy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"
)

const maxDecisionLine = 256 * 1024

// DecisionFilter selects decision log entries. Zero fields match anything.
type DecisionFilter struct {
	Since         time.Time
	Until         time.Time
	ContextID     string
	OperationType string
	Operation     string // substring of the operation
	Rule          string // exact raw rule
	Decision      *Decision
	Limit         int // keep only the newest Limit matches
}

// Match reports whether e satisfies every set field of f.
func (f DecisionFilter) Match(e DecisionEntry) bool {
	switch {
	case !f.Since.IsZero() && e.Time.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Time.After(f.Until):
		return false
	case f.ContextID != "" && e.ContextID != f.ContextID:
		return false
	case f.OperationType != "" && e.OperationType != f.OperationType:
		return false
	case f.Operation != "" && !strings.Contains(e.Operation, f.Operation):
		return false
	case f.Rule != "" && e.Rule != f.Rule:
		return false
	case f.Decision != nil && e.Decision != *f.Decision:
		return false
	}
	return true
}

// ReadDecision returns the entry on 0-based line n of the log at path.
// Line numbers refer to the active file only, which is what explain
// references point at.
func ReadDecision(path string, n int) (DecisionEntry, error) {
	var (
		entry DecisionEntry
		found bool
		lines int
	)
	err := scanDecisionFile(path, func(line []byte) bool {
		if lines == n {
			found = true
			if err := json.Unmarshal(line, &entry); err != nil {
				entry = DecisionEntry{}
				found = false
			}
			return false
		}
		lines++
		return true
	})
	if err != nil {
		return DecisionEntry{}, err
	}
	if !found {
		if lines == n {
			return DecisionEntry{}, fmt.Errorf("decision log %s: line %d is not a decision entry", path, n)
		}
		return DecisionEntry{}, fmt.Errorf("decision log %s: line %d not found (%d lines)", path, n, lines)
	}
	return entry, nil
}

// SearchDecisions returns the entries matching f, oldest first, across the
// rotated generations (path.N ... path.1) and the active file at path.
// Malformed lines are skipped.
func SearchDecisions(path string, f DecisionFilter) ([]DecisionEntry, error) {
	var out []DecisionEntry
	for _, p := range decisionFiles(path) {
		err := scanDecisionFile(p, func(line []byte) bool {
			var e DecisionEntry
			if json.Unmarshal(line, &e) == nil && f.Match(e) {
				out = append(out, e)
			}
			return true
		})
		if errors.Is(err, fs.ErrNotExist) && p != path {
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// ContextSummary counts the decisions logged for one context.
type ContextSummary struct {
	ContextID string    `json:"context_id"`
	Allow     int       `json:"allow"`
	Deny      int       `json:"deny"`
	HITL      int       `json:"hitl"`
	Last      time.Time `json:"last"`
}

// SummarizeDecisions groups entries by context id, sorted by id. Allow
// counts reflect sampling.
func SummarizeDecisions(entries []DecisionEntry) []ContextSummary {
	byID := make(map[string]*ContextSummary)
	for _, e := range entries {
		s, ok := byID[e.ContextID]
		if !ok {
			s = &ContextSummary{ContextID: e.ContextID}
			byID[e.ContextID] = s
		}
		switch e.Decision {
		case Allow:
			s.Allow++
		case Deny:
			s.Deny++
		default:
			s.HITL++
		}
		if e.Time.After(s.Last) {
			s.Last = e.Time
		}
	}

	out := make([]ContextSummary, 0, len(byID))
	for _, s := range byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContextID < out[j].ContextID })
	return out
}

// decisionFiles lists the generations of the log at path, oldest first.
// Missing generations are filtered out by the caller.
func decisionFiles(path string) []string {
	var gens []string
	for i := 1; ; i++ {
		p := generationPath(path, i)
		if _, err := os.Stat(p); err != nil {
			break
		}
		gens = append(gens, p)
	}
	files := make([]string, 0, len(gens)+1)
	for i := len(gens) - 1; i >= 0; i-- {
		files = append(files, gens[i])
	}
	return append(files, path)
}

// scanDecisionFile calls fn for each non-empty line until fn returns false.
func scanDecisionFile(path string, fn func(line []byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening decision log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxDecisionLine)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if !fn(sc.Bytes()) {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading decision log %s: %w", path, err)
	}
	return nil
}
