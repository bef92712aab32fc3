package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandContext holds variables available for expansion.
type ExpandContext struct {
	Here         string // directory of the config file
	RecorderName string
	Role         string
	Band         int
	Beam         int
	Port         int
}

// ExpandVariables expands template variables and environment references
// in all string fields of a config, given the config file path.
func ExpandVariables(cfg *Config, configPath string) error {
	ctx := ExpandContext{
		Here: filepath.Dir(configPath),
	}

	// Expand supervisor fields.
	var err error
	cfg.Supervisor.Logfile, err = expandString(cfg.Supervisor.Logfile, ctx)
	if err != nil {
		return fmt.Errorf("supervisor.logfile: %w", err)
	}
	cfg.Supervisor.Directory, err = expandString(cfg.Supervisor.Directory, ctx)
	if err != nil {
		return fmt.Errorf("supervisor.directory: %w", err)
	}
	cfg.Supervisor.PidFile, err = expandString(cfg.Supervisor.PidFile, ctx)
	if err != nil {
		return fmt.Errorf("supervisor.pid_file: %w", err)
	}

	// Expand server and render fields.
	cfg.Server.Unix.File, err = expandString(cfg.Server.Unix.File, ctx)
	if err != nil {
		return fmt.Errorf("server.unix.file: %w", err)
	}
	cfg.Render.OutputDirectory, err = expandString(cfg.Render.OutputDirectory, ctx)
	if err != nil {
		return fmt.Errorf("render.output_directory: %w", err)
	}

	// Expand recorder fields.
	for name, r := range cfg.Recorders {
		rCtx := ctx
		rCtx.RecorderName = name
		rCtx.Role = r.Role
		rCtx.Band = r.Band
		rCtx.Beam = r.Beam
		rCtx.Port = r.Port

		fields := []struct {
			name string
			p    *string
		}{
			{"record_directory", &r.RecordDirectory},
			{"log_directory", &r.LogDirectory},
			{"log_pattern", &r.LogPattern},
			{"cal_directory", &r.CalDirectory},
			{"activation", &r.Activation},
			{"user", &r.User},
		}
		for _, f := range fields {
			*f.p, err = expandString(*f.p, rCtx)
			if err != nil {
				return fmt.Errorf("recorders.%s.%s: %w", name, f.name, err)
			}
		}

		for i, p := range r.CleanupPaths {
			r.CleanupPaths[i], err = expandString(p, rCtx)
			if err != nil {
				return fmt.Errorf("recorders.%s.cleanup_paths[%d]: %w", name, i, err)
			}
		}

		cfg.Recorders[name] = r
	}

	return nil
}

// expandString expands all template variables and env references in a single string.
func expandString(s string, ctx ExpandContext) (string, error) {
	if s == "" {
		return s, nil
	}

	// Phase 1: Expand %(variable)s and %(variable)d patterns.
	result, err := expandTemplateVars(s, ctx)
	if err != nil {
		return "", err
	}

	// Phase 2: Expand ${ENV_VAR} references.
	result, err = expandEnvVars(result)
	if err != nil {
		return "", err
	}

	// Phase 3: Unescape %% -> % and $$ -> $.
	result = strings.ReplaceAll(result, "%%", "%")
	result = strings.ReplaceAll(result, "$$", "$")

	return result, nil
}

func expandTemplateVars(s string, ctx ExpandContext) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '%' && s[i+1] == '%' {
			// Escaped percent, preserve for later unescaping.
			result.WriteString("%%")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '%' && s[i+1] == '(' {
			// Find closing )s or )d.
			end := strings.Index(s[i:], ")s")
			endD := strings.Index(s[i:], ")d")
			if end < 0 && endD < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}

			var varName string
			var advance int
			if end >= 0 && (endD < 0 || end < endD) {
				varName = s[i+2 : i+end]
				advance = end + 2
			} else {
				varName = s[i+2 : i+endD]
				advance = endD + 2
			}

			val, err := resolveTemplateVar(varName, ctx)
			if err != nil {
				return "", err
			}
			result.WriteString(val)
			i += advance
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

func resolveTemplateVar(name string, ctx ExpandContext) (string, error) {
	switch name {
	case "here":
		return ctx.Here, nil
	case "name":
		return ctx.RecorderName, nil
	case "role":
		return ctx.Role, nil
	case "band":
		return fmt.Sprintf("%d", ctx.Band), nil
	case "beam":
		return fmt.Sprintf("%d", ctx.Beam), nil
	case "port":
		return fmt.Sprintf("%d", ctx.Port), nil
	default:
		return "", fmt.Errorf("unknown template variable: %%(%.0s)s", name)
	}
}

func expandEnvVars(s string) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '$' {
			// Escaped dollar, preserve for later unescaping.
			result.WriteString("$$")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '$' && s[i+1] == '{' {
			end := strings.Index(s[i:], "}")
			if end < 0 {
				return "", fmt.Errorf("unclosed environment variable reference at position %d in %q", i, s)
			}

			varName := s[i+2 : i+end]
			val, ok := os.LookupEnv(varName)
			if !ok {
				return "", fmt.Errorf("undefined environment variable: ${%s}", varName)
			}
			result.WriteString(val)
			i += end + 1
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

// ExpandString is exported for use by other packages needing single-value expansion.
func ExpandString(s string, ctx ExpandContext) (string, error) {
	return expandString(s, ctx)
}
