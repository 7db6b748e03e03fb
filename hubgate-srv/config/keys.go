package config

import (
	"fmt"
	"strings"
)

// validateConfigKeys rejects snake_case keys anywhere in the document. Config
// keys are hyphenated; "_secret" is the only reserved underscore key.
func validateConfigKeys(value any, path string) error {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			if key == "_secret" {
				continue
			}
			keyPath := key
			if path != "" {
				keyPath = path + "." + key
			}
			if strings.Contains(key, "_") {
				suggestion := strings.ReplaceAll(key, "_", "-")
				return fmt.Errorf("invalid config key %q: use %q (keys are hyphenated)", keyPath, suggestion)
			}
			if err := validateConfigKeys(child, keyPath); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range v {
			if err := validateConfigKeys(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
