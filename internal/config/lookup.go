package config

import (
	"fmt"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Keys lists every dotted configuration key, in template order.
var Keys = []string{
	"workspace.root",
	"workspace.ttl_days",
	"agent.name",
	"agent.namespace",
	"policy.settings_path",
	"policy.overlay_paths",
	"policy.watch",
	"capabilities.path",
	"decision_log.enabled",
	"decision_log.path",
	"decision_log.sample_allow",
	"logging.format",
	"logging.level",
}

// IsKey reports whether key is a known configuration key.
func IsKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Lookup returns the value of a dotted key as it would appear in the YAML
// file. List values are joined with commas.
func (c *Config) Lookup(key string) (string, error) {
	if !IsKey(key) {
		return "", fmt.Errorf("unknown config key %q", key)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return "", err
	}

	var cur any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("unknown config key %q", key)
		}
		cur = m[part]
	}

	switch v := cur.(type) {
	case nil:
		return "", nil
	case []any:
		items := make([]string, len(v))
		for i, item := range v {
			items[i] = fmt.Sprint(item)
		}
		return strings.Join(items, ","), nil
	default:
		return fmt.Sprint(v), nil
	}
}
