package policy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kagenti/agent-sandbox/internal/config"
)

// LoadSettings reads a settings document (JSON, JSON with comments, or YAML)
// from disk.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if err := config.DecodeDocument(path, &s); err != nil {
		return Settings{}, fmt.Errorf("loading settings %s: %w", path, err)
	}

	slog.Debug("loaded settings", "path", path,
		"allow", len(s.Permissions.Allow), "deny", len(s.Permissions.Deny))
	return s, nil
}

// LoadLayeredSettings loads each path in order and merges them with
// MergeSettings. The first path is the base layer.
func LoadLayeredSettings(paths ...string) (Settings, error) {
	if len(paths) == 0 {
		return Settings{}, errors.New("no settings paths given")
	}

	base, err := LoadSettings(paths[0])
	if err != nil {
		return Settings{}, err
	}
	overlays := make([]Settings, 0, len(paths)-1)
	for _, p := range paths[1:] {
		s, err := LoadSettings(p)
		if err != nil {
			return Settings{}, err
		}
		overlays = append(overlays, s)
	}
	return MergeSettings(base, overlays...)
}

// LoadEngine loads one or more layered settings documents and builds an
// engine from the effective settings.
func LoadEngine(paths ...string) (*Engine, error) {
	s, err := LoadLayeredSettings(paths...)
	if err != nil {
		return nil, err
	}
	return NewEngine(s), nil
}
