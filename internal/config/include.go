package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ResolveIncludes loads and merges every file matched by the include
// patterns. Relative patterns resolve against configDir. A pattern
// matching nothing is a warning; the same file reached twice is an
// error, which also catches include cycles.
func ResolveIncludes(cfg *Config, configDir string) ([]string, error) {
	if len(cfg.Include) == 0 {
		return nil, nil
	}

	var warnings []string
	seen := make(map[string]bool)

	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(configDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return warnings, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			warnings = append(warnings, fmt.Sprintf("include pattern %q matched no files", pattern))
			continue
		}

		// Deterministic merge order regardless of glob ordering.
		sort.Strings(matches)

		for _, path := range matches {
			w, err := mergeIncludedFile(cfg, path, seen)
			warnings = append(warnings, w...)
			if err != nil {
				return warnings, err
			}
		}
	}

	// Consumed; a second resolve pass must not re-read the files.
	cfg.Include = nil

	return warnings, nil
}

func mergeIncludedFile(cfg *Config, path string, seen map[string]bool) ([]string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve include path %q: %w", path, err)
	}
	if seen[absPath] {
		return nil, fmt.Errorf("circular include detected: %s", absPath)
	}
	seen[absPath] = true

	included, warnings, err := Load(absPath)
	if err != nil {
		return warnings, fmt.Errorf("include %s: %w", absPath, err)
	}

	// Expand with the included file's own directory as %(here)s.
	if err := ExpandVariables(included, absPath); err != nil {
		return warnings, fmt.Errorf("include %s: variable expansion failed: %w", absPath, err)
	}

	for name, rec := range included.Recorders {
		if _, ok := cfg.Recorders[name]; ok {
			return warnings, fmt.Errorf("duplicate recorder name %q: defined in both main config and %s", name, absPath)
		}
		if cfg.Recorders == nil {
			cfg.Recorders = make(map[string]RecorderConfig)
		}
		cfg.Recorders[name] = rec
	}

	for name, wh := range included.Webhooks {
		if cfg.Webhooks == nil {
			cfg.Webhooks = make(map[string]WebhookConfig)
		}
		cfg.Webhooks[name] = wh
	}

	return warnings, nil
}

// LoadWithIncludes loads a config file and resolves all includes.
func LoadWithIncludes(path string) (*Config, []string, error) {
	cfg, warnings, err := Load(path)
	if err != nil {
		return nil, warnings, err
	}

	if err := ExpandVariables(cfg, path); err != nil {
		return nil, warnings, fmt.Errorf("variable expansion failed: %w", err)
	}

	incWarnings, err := ResolveIncludes(cfg, filepath.Dir(path))
	warnings = append(warnings, incWarnings...)
	if err != nil {
		return nil, warnings, err
	}

	// Endpoint collisions can span included files, so check after merging.
	if errs := validateEndpoints(cfg); len(errs) > 0 {
		lines := make([]string, 0, len(errs))
		for _, e := range errs {
			lines = append(lines, e.Error())
		}
		return nil, warnings, fmt.Errorf("config validation failed:\n  %s",
			strings.Join(lines, "\n  "))
	}

	return cfg, warnings, nil
}
