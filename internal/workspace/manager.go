// Package workspace manages per-context directories on shared storage. Each
// context id gets its own directory under the workspace root with a fixed
// set of subdirectories and a .context.json metadata sidecar.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Subdirs are created in every workspace.
var Subdirs = []string{"scripts", "data", "repos", "output"}

// Errors returned for bad context ids and missing contexts.
var (
	ErrEmptyContextID   = errors.New("workspace: context id must not be empty")
	ErrInvalidContextID = errors.New("workspace: invalid context id")
	ErrNotFound         = errors.New("workspace: context not found")
)

// Config holds configuration for a Manager.
type Config struct {
	Root      string // workspace root (default: /workspace)
	AgentName string // owning agent recorded in new sidecars
	Namespace string
	TTLDays   int // default: 7
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Root:      "/workspace",
		AgentName: "sandbox-agent",
		TTLDays:   7,
	}
}

// Manager creates and inspects context workspaces. It is safe for
// concurrent use; writes to one context's sidecar are serialized within the
// process and, on unix, across processes sharing the root.
type Manager struct {
	cfg   Config
	locks keyedMutex
	now   func() time.Time
}

// NewManager creates a manager. It does not touch the filesystem.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Root == "" {
		cfg.Root = def.Root
	}
	if cfg.AgentName == "" {
		cfg.AgentName = def.AgentName
	}
	if cfg.TTLDays <= 0 {
		cfg.TTLDays = def.TTLDays
	}
	return &Manager{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Root returns the workspace root.
func (m *Manager) Root() string { return m.cfg.Root }

// Path returns the directory for contextID. It performs no I/O and says
// nothing about whether the workspace exists.
func (m *Manager) Path(contextID string) string {
	return filepath.Join(m.cfg.Root, contextID)
}

// EnsureWorkspace creates the workspace for contextID if needed and records
// the access in its sidecar. On first use a fresh sidecar is written; later
// calls only bump last_accessed_at and disk_usage_bytes. It returns the
// workspace path.
func (m *Manager) EnsureWorkspace(contextID string) (string, error) {
	if err := ValidateContextID(contextID); err != nil {
		return "", err
	}

	unlock := m.locks.lock(contextID)
	defer unlock()

	path := m.Path(contextID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace %s: %w", path, err)
	}
	// The lock lives on the context directory itself so no lock file can
	// collide with another context id.
	release, err := lockDir(path)
	if err != nil {
		return "", err
	}
	defer release()

	for _, sub := range Subdirs {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return "", fmt.Errorf("creating %s: %w", filepath.Join(path, sub), err)
		}
	}

	sidecar := filepath.Join(path, MetadataFile)
	now := m.now()

	_, err = os.Stat(sidecar)
	switch {
	case err == nil:
		md, err := touchMetadata(sidecar, now, DiskUsage(path))
		if err != nil {
			return "", err
		}
		slog.Debug("workspace reused", "context_id", contextID, "path", path,
			"disk_usage_bytes", md.DiskUsageBytes)

	case errors.Is(err, fs.ErrNotExist):
		md := Metadata{
			ContextID:      contextID,
			Agent:          m.cfg.AgentName,
			Namespace:      m.cfg.Namespace,
			CreatedAt:      now,
			LastAccessedAt: now,
			TTLDays:        m.cfg.TTLDays,
		}
		if err := writeMetadata(sidecar, md); err != nil {
			return "", err
		}
		slog.Debug("workspace created", "context_id", contextID, "path", path)

	default:
		return "", fmt.Errorf("checking %s: %w", sidecar, err)
	}

	return path, nil
}

// ListContexts returns the ids of all directories under the root that hold
// a sidecar, sorted. A missing root yields an empty list.
func (m *Manager) ListContexts() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing workspace root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.cfg.Root, e.Name(), MetadataFile)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Metadata reads the sidecar of contextID.
func (m *Manager) Metadata(contextID string) (Metadata, error) {
	if err := ValidateContextID(contextID); err != nil {
		return Metadata{}, err
	}
	md, err := readMetadata(filepath.Join(m.Path(contextID), MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, contextID)
	}
	return md, err
}

// Stale returns the metadata of every context whose TTL has elapsed at now.
// Nothing is deleted. Contexts with unreadable sidecars are skipped.
func (m *Manager) Stale(now time.Time) ([]Metadata, error) {
	ids, err := m.ListContexts()
	if err != nil {
		return nil, err
	}

	var stale []Metadata
	for _, id := range ids {
		md, err := m.Metadata(id)
		if err != nil {
			slog.Warn("skipping unreadable workspace metadata", "context_id", id, "error", err)
			continue
		}
		if exp := md.ExpiresAt(); !exp.IsZero() && exp.Before(now) {
			stale = append(stale, md)
		}
	}
	return stale, nil
}

// ValidateContextID rejects ids that are empty or would resolve outside the
// workspace root.
func ValidateContextID(id string) error {
	if id == "" {
		return ErrEmptyContextID
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidContextID, id)
	}
	return nil
}

// DiskUsage sums the sizes of regular files under path. Entries that cannot
// be read are skipped.
func DiskUsage(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
