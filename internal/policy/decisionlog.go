package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Rotation defaults applied when DecisionLogConfig leaves them unset.
const (
	DefaultDecisionLogMaxBytes = 64 << 20
	DefaultDecisionLogKeep     = 5
)

// DecisionLogConfig configures a DecisionLogger.
type DecisionLogConfig struct {
	Path        string
	MaxBytes    int64 // rotate once the active file reaches this size
	Keep        int   // rotated generations kept next to the active file
	SampleAllow int   // log 1 of every N allow decisions per context; <= 1 logs all
}

// DecisionEntry is one line of the decision log.
type DecisionEntry struct {
	Time            time.Time `json:"time"`
	ContextID       string    `json:"context_id,omitempty"`
	Workspace       string    `json:"workspace"`
	OperationType   string    `json:"operation_type"`
	Operation       string    `json:"operation"`
	Decision        Decision  `json:"decision"`
	Rule            string    `json:"rule,omitempty"`
	Reason          string    `json:"reason"`
	SettingsVersion string    `json:"settings_version"`
	LatencyUS       int64     `json:"latency_us"`
}

// DecisionLogger appends decisions as JSON Lines. Each entry is a single
// unbuffered write, so readers always see every logged decision.
type DecisionLogger struct {
	cfg DecisionLogConfig

	mu        sync.Mutex
	file      *os.File
	size      int64
	allowSeen map[string]int // allow decisions seen per context since the last logged one
}

// NewDecisionLogger opens (or creates) the log at cfg.Path for appending.
func NewDecisionLogger(cfg DecisionLogConfig) (*DecisionLogger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("decision log path is empty")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultDecisionLogMaxBytes
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultDecisionLogKeep
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating decision log directory: %w", err)
	}
	l := &DecisionLogger{cfg: cfg, allowSeen: make(map[string]int)}
	if err := l.open(); err != nil {
		return nil, err
	}
	slog.Debug("decision log opened", "path", cfg.Path, "size", l.size)
	return l, nil
}

// Path returns the active log file.
func (l *DecisionLogger) Path() string { return l.cfg.Path }

// Log appends entry. Deny and HITL decisions are always written; allow
// decisions are sampled per context.
func (l *DecisionLogger) Log(entry DecisionEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Decision == Allow && !l.sampleAllow(entry.ContextID) {
		return nil
	}
	if l.size > 0 && l.size+int64(len(data)) > l.cfg.MaxBytes {
		if err := l.rotate(); err != nil {
			slog.Error("decision log rotation failed", "path", l.cfg.Path, "error", err)
		}
	}

	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing decision: %w", err)
	}
	return nil
}

// Close closes the active file.
func (l *DecisionLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadEntry returns the entry on 0-based line n of the active file.
func (l *DecisionLogger) ReadEntry(n int) (DecisionEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ReadDecision(l.cfg.Path, n)
}

// Search scans the active file and its rotated generations.
func (l *DecisionLogger) Search(f DecisionFilter) ([]DecisionEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return SearchDecisions(l.cfg.Path, f)
}

// sampleAllow reports whether this allow decision for contextID is the
// one in every SampleAllow that gets written. Caller holds l.mu.
func (l *DecisionLogger) sampleAllow(contextID string) bool {
	if l.cfg.SampleAllow <= 1 {
		return true
	}
	l.allowSeen[contextID]++
	if l.allowSeen[contextID] < l.cfg.SampleAllow {
		return false
	}
	delete(l.allowSeen, contextID)
	return true
}

func (l *DecisionLogger) open() error {
	f, err := os.OpenFile(l.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening decision log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat decision log: %w", err)
	}
	l.file, l.size = f, info.Size()
	return nil
}

// rotate renames path.N-1 to path.N down to path to path.1, dropping the
// oldest generation, and reopens an empty active file. Caller holds l.mu.
func (l *DecisionLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	_ = os.Remove(generationPath(l.cfg.Path, l.cfg.Keep))
	for i := l.cfg.Keep - 1; i >= 1; i-- {
		_ = os.Rename(generationPath(l.cfg.Path, i), generationPath(l.cfg.Path, i+1))
	}
	if err := os.Rename(l.cfg.Path, generationPath(l.cfg.Path, 1)); err != nil {
		slog.Warn("decision log rename failed", "error", err)
	}
	slog.Info("decision log rotated", "path", l.cfg.Path, "size", l.size)
	return l.open()
}

func generationPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// newDecisionEntry records ev as seen by one context.
func newDecisionEntry(ev Evaluation, contextID, workspace, settingsVersion string, at time.Time, latency time.Duration) DecisionEntry {
	return DecisionEntry{
		Time:            at,
		ContextID:       contextID,
		Workspace:       workspace,
		OperationType:   ev.OperationType,
		Operation:       ev.Operation,
		Decision:        ev.Decision,
		Rule:            ev.Rule,
		Reason:          ev.Reason,
		SettingsVersion: settingsVersion,
		LatencyUS:       latency.Microseconds(),
	}
}
