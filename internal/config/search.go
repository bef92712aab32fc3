package config

import (
	"fmt"
	"os"
)

// DefaultSearchPaths is the ordered list of config file paths to try
// when neither the -c flag nor RECSUP_CONFIG names one.
var DefaultSearchPaths = []string{
	"./recsup.toml",
	"/etc/recsup/recsup.toml",
	"/etc/recsup.toml",
}

// Resolve finds the config file path. Precedence: explicit path from
// the -c flag, then the RECSUP_CONFIG environment variable, then the
// default search paths. An explicit or env path that does not exist is
// an error; the search paths are simply tried in order.
func Resolve(explicit string) (string, error) {
	for _, candidate := range []string{explicit, os.Getenv("RECSUP_CONFIG")} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("cannot read config: %s: %w", candidate, err)
		}
		return candidate, nil
	}

	for _, p := range DefaultSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found; searched %v", DefaultSearchPaths)
}
