package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for invalid values and returns a
// descriptive error if any field is incorrect. Warnings are not errors.
func (c *Config) Validate() error {
	r := Validate(c)
	if !r.HasErrors() {
		return nil
	}
	errs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e.String()
	}
	return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
}
