package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML file into cfg, substituting ${VAR_NAME} references from
// the environment first. Unset variables substitute to the empty string so a
// missing value fails the subsequent Validate rather than silently parsing
// as something else.
func Load(path string, cfg interface{}) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator's --config flag
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// expandEnv replaces every ${VAR_NAME} occurrence with the variable's value.
// Only the braced form is recognized; a bare $ passes through untouched so
// YAML values containing dollar signs survive.
func expandEnv(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	for {
		start := strings.Index(content, "${")
		if start < 0 {
			out.WriteString(content)
			break
		}
		end := strings.Index(content[start+2:], "}")
		if end < 0 {
			out.WriteString(content)
			break
		}
		out.WriteString(content[:start])
		out.WriteString(os.Getenv(content[start+2 : start+2+end]))
		content = content[start+2+end+1:]
	}
	return out.String()
}
