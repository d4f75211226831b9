package config

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// DefaultTemplate is written by WriteDefault: every key with its built-in
// value and a comment.
const DefaultTemplate = "default"

// ErrConfigExists is returned by WriteTemplate when the target exists and
// force is not set.
var ErrConfigExists = errors.New("config file already exists")

// TemplateNames returns the embedded template names, sorted.
func TemplateNames() []string {
	entries, _ := fs.ReadDir(templateFS, "templates")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// GetTemplate returns a template after checking that it decodes into a
// Config, so a broken template never reaches disk.
func GetTemplate(name string) ([]byte, error) {
	data, err := templateFS.ReadFile("templates/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown template %q: valid templates are %s", name, strings.Join(TemplateNames(), ", "))
	}
	if _, err := loadBytes(data); err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	return data, nil
}

// WriteTemplate writes the named template to path (the default config
// path when empty). The write is atomic, so an existing config is either
// kept or fully replaced.
func WriteTemplate(name, path string, force bool) error {
	data, err := GetTemplate(name)
	if err != nil {
		return err
	}
	if path == "" {
		if path, err = DefaultConfigPath(); err != nil {
			return fmt.Errorf("determining config path: %w", err)
		}
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w at %s (use --force to overwrite)", ErrConfigExists, path)
		}
	}
	return writeConfigFile(path, data)
}

// WriteDefault writes the default template to path (or the default
// location) unless a file is already there, and returns the path used.
func WriteDefault(path string) (string, error) {
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return "", err
		}
	}
	err := WriteTemplate(DefaultTemplate, path, false)
	if errors.Is(err, ErrConfigExists) {
		return path, nil
	}
	return path, err
}

func writeConfigFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
