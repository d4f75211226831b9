package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
)

// MetadataFile is the sidecar written into every context directory.
const MetadataFile = ".context.json"

// Metadata is the content of a context's sidecar file.
type Metadata struct {
	ContextID      string    `json:"context_id"`
	Agent          string    `json:"agent"`
	Namespace      string    `json:"namespace"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	TTLDays        int       `json:"ttl_days"`
	DiskUsageBytes int64     `json:"disk_usage_bytes"`
}

// ExpiresAt is the time after which the context is considered stale.
// It is the zero time when the context has no TTL.
func (m Metadata) ExpiresAt() time.Time {
	if m.TTLDays <= 0 {
		return time.Time{}
	}
	return m.LastAccessedAt.AddDate(0, 0, m.TTLDays)
}

func readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

func writeMetadata(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// touchMetadata updates last_accessed_at and disk_usage_bytes in an existing
// sidecar. Every other key, including ones this package does not know about,
// is written back unchanged. The new last_accessed_at is always strictly
// later than the previous one.
func touchMetadata(path string, now time.Time, usage int64) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metadata{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if raw == nil {
		raw = make(map[string]json.RawMessage)
	}

	if prev, ok := raw["last_accessed_at"]; ok {
		var t time.Time
		if err := json.Unmarshal(prev, &t); err == nil && !now.After(t) {
			now = t.Add(time.Microsecond)
		}
	}

	if raw["last_accessed_at"], err = json.Marshal(now); err != nil {
		return Metadata{}, err
	}
	if raw["disk_usage_bytes"], err = json.Marshal(usage); err != nil {
		return Metadata{}, err
	}
	if err := writeMetadata(path, raw); err != nil {
		return Metadata{}, err
	}

	// Re-read through the typed view for the caller.
	var m Metadata
	merged, _ := json.Marshal(raw)
	if err := json.Unmarshal(merged, &m); err != nil {
		return Metadata{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}
