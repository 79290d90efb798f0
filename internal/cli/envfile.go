package cli

import (
	"os"
	"strings"
)

// LoadEnvFile applies KEY=VALUE lines from path to the process environment
// and returns a function restoring the previous values.
func LoadEnvFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	previous := map[string]*string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if _, seen := previous[key]; !seen {
			if existing, ok := os.LookupEnv(key); ok {
				prior := existing
				previous[key] = &prior
			} else {
				previous[key] = nil
			}
		}
		_ = os.Setenv(key, value)
	}
	return func() {
		for key, value := range previous {
			if value == nil {
				_ = os.Unsetenv(key)
				continue
			}
			_ = os.Setenv(key, *value)
		}
	}, nil
}
